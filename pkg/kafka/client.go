// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"persona-research-go/internal/config"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/tasks"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ResearchTask) error
}

// Producer 把研究任务写入 Kafka 主题。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceResearchTask 发送一个研究任务到 Kafka，以 session_id 作为消息 key。
func (p *Producer) ProduceResearchTask(ctx context.Context, task tasks.ResearchTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.SessionID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费研究任务并交给 TaskProcessor 处理。
// 失败次数记录在 Redis 中，达到上限后提交 offset 放弃该消息。
type Consumer struct {
	cfg         config.KafkaConfig
	rdb         *redis.Client
	processor   TaskProcessor
	maxAttempts int64
}

// NewConsumer 创建消费者。rdb 用于失败计数。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, processor TaskProcessor) *Consumer {
	max := int64(cfg.MaxAttempts)
	if max <= 0 {
		max = 3
	}
	return &Consumer{cfg: cfg, rdb: rdb, processor: processor, maxAttempts: max}
}

// Run 启动消费循环，直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(c.cfg.Brokers),
		Topic:    c.cfg.Topic,
		GroupID:  c.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		if c.HandleMessage(ctx, m.Value) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// HandleMessage 处理单条消息，返回是否应当提交 offset。
func (c *Consumer) HandleMessage(ctx context.Context, value []byte) bool {
	var task tasks.ResearchTask
	if err := json.Unmarshal(value, &task); err != nil || task.SessionID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	log.Infof("开始处理研究任务: session_id=%s", task.SessionID)
	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.SessionID)
	if err := c.processor.Process(ctx, task); err != nil {
		log.Errorf("处理研究任务失败: session_id=%s, Error: %v", task.SessionID, err)
		attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		_ = c.rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if attempts >= c.maxAttempts {
			log.Errorf("研究任务多次失败(>=%d)，提交 offset 终止重试: session_id=%s", c.maxAttempts, task.SessionID)
			return true
		}
		return false
	}

	log.Infof("研究任务处理完成: session_id=%s", task.SessionID)
	_ = c.rdb.Del(ctx, attemptsKey).Err()
	return true
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
