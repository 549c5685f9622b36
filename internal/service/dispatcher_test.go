package service

import (
	"context"
	"errors"
	"persona-research-go/pkg/tasks"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProcessor struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{}
}

func (p *countingProcessor) Process(ctx context.Context, task tasks.ResearchTask) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.seen = append(p.seen, task.SessionID)
	p.mu.Unlock()
	if task.SessionID == "bad" {
		return errors.New("boom")
	}
	return nil
}

func TestLocalDispatcherRunsAllTasks(t *testing.T) {
	proc := &countingProcessor{}
	d := NewLocalDispatcher(proc, 3, 16)
	d.Start(context.Background())

	ids := []string{"a", "b", "bad", "c", "d"}
	for _, id := range ids {
		require.NoError(t, d.Dispatch(context.Background(), tasks.ResearchTask{SessionID: id}))
	}
	d.Stop()

	assert.ElementsMatch(t, ids, proc.seen)
	assert.ErrorIs(t, d.Dispatch(context.Background(), tasks.ResearchTask{SessionID: "late"}), ErrDispatcherClosed)
	d.Stop()
}

func TestLocalDispatcherQueueFull(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{})}
	d := NewLocalDispatcher(proc, 1, 1)
	d.Start(context.Background())

	// 第一个任务被 worker 取走后阻塞，第二个占满队列
	require.NoError(t, d.Dispatch(context.Background(), tasks.ResearchTask{SessionID: "a"}))
	var err error
	for i := 0; i < 3; i++ {
		if err = d.Dispatch(context.Background(), tasks.ResearchTask{SessionID: "x"}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(proc.block)
	d.Stop()
}

type recordingProducer struct {
	tasks []tasks.ResearchTask
}

func (p *recordingProducer) ProduceResearchTask(ctx context.Context, task tasks.ResearchTask) error {
	p.tasks = append(p.tasks, task)
	return nil
}

func TestKafkaDispatcher(t *testing.T) {
	producer := &recordingProducer{}
	d := NewKafkaDispatcher(producer)
	require.NoError(t, d.Dispatch(context.Background(), tasks.ResearchTask{SessionID: "a"}))
	require.Len(t, producer.tasks, 1)
	assert.Equal(t, "a", producer.tasks[0].SessionID)
}
