package service

import (
	"context"
	"errors"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/tasks"
	"sync"
)

// ErrQueueFull 表示本地任务队列已满。
var ErrQueueFull = errors.New("research task queue is full")

// ErrDispatcherClosed 表示调度器已停止，不再接受任务。
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher 把研究任务交给后台执行。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.ResearchTask) error
}

// TaskProcessor 执行单个研究任务。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ResearchTask) error
}

// LocalDispatcher 是进程内的有界 worker 池，任务通过 channel 分发。
type LocalDispatcher struct {
	processor TaskProcessor
	workers   int
	queue     chan tasks.ResearchTask

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalDispatcher 创建本地调度器，需调用 Start 启动 worker。
func NewLocalDispatcher(processor TaskProcessor, workers, queueSize int) *LocalDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &LocalDispatcher{
		processor: processor,
		workers:   workers,
		queue:     make(chan tasks.ResearchTask, queueSize),
	}
}

// Start 启动 worker，ctx 会传给每次 Process 调用。
func (d *LocalDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			for task := range d.queue {
				if err := d.processor.Process(ctx, task); err != nil {
					log.Errorf("[LocalDispatcher] worker %d 处理任务失败, SessionID: %s, Error: %v", id, task.SessionID, err)
				}
			}
		}(i)
	}
	log.Infof("[LocalDispatcher] 已启动 %d 个 worker, 队列容量 %d", d.workers, cap(d.queue))
}

// Dispatch 把任务放入队列；队列满时立即返回 ErrQueueFull。
func (d *LocalDispatcher) Dispatch(ctx context.Context, task tasks.ResearchTask) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Stop 停止接收新任务，并等待队列中的任务执行完毕。
func (d *LocalDispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	log.Info("[LocalDispatcher] 所有 worker 已退出")
}

// TaskProducer 把任务写入消息队列。
type TaskProducer interface {
	ProduceResearchTask(ctx context.Context, task tasks.ResearchTask) error
}

// KafkaDispatcher 把任务写入 Kafka，由消费者调用 Processor 执行。
type KafkaDispatcher struct {
	producer TaskProducer
}

// NewKafkaDispatcher 创建 Kafka 调度器。
func NewKafkaDispatcher(producer TaskProducer) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, task tasks.ResearchTask) error {
	return d.producer.ProduceResearchTask(ctx, task)
}
