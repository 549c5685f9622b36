package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"persona-research-go/internal/config"
	"persona-research-go/pkg/tasks"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	err   error
	calls int
}

func (s *stubProcessor) Process(ctx context.Context, task tasks.ResearchTask) error {
	s.calls++
	return s.err
}

func newTestConsumer(t *testing.T, p TaskProcessor) (*Consumer, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewConsumer(config.KafkaConfig{MaxAttempts: 2}, rdb, p), mr
}

func encode(t *testing.T, task tasks.ResearchTask) []byte {
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return b
}

func TestHandleMessageCommitsMalformed(t *testing.T) {
	p := &stubProcessor{}
	c, _ := newTestConsumer(t, p)
	assert.True(t, c.HandleMessage(context.Background(), []byte("{not json")))
	assert.True(t, c.HandleMessage(context.Background(), []byte(`{}`)))
	assert.Zero(t, p.calls)
}

func TestHandleMessageCountsFailures(t *testing.T) {
	p := &stubProcessor{err: errors.New("db down")}
	c, mr := newTestConsumer(t, p)
	msg := encode(t, tasks.ResearchTask{SessionID: "research_1"})

	assert.False(t, c.HandleMessage(context.Background(), msg))
	assert.True(t, c.HandleMessage(context.Background(), msg))
	assert.Equal(t, 2, p.calls)

	v, err := mr.Get("kafka:attempts:research_1")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestHandleMessageClearsCounterOnSuccess(t *testing.T) {
	p := &stubProcessor{err: errors.New("transient")}
	c, mr := newTestConsumer(t, p)
	msg := encode(t, tasks.ResearchTask{SessionID: "research_2"})

	assert.False(t, c.HandleMessage(context.Background(), msg))
	p.err = nil
	assert.True(t, c.HandleMessage(context.Background(), msg))
	assert.False(t, mr.Exists("kafka:attempts:research_2"))
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, splitBrokers(""))
}
