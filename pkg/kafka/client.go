// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	maxAttempts     = 3
	attemptsTTL     = 24 * time.Hour
	retryDelay      = time.Second
	attemptsKeyTmpl = "kafka:attempts:%s"
)

// ExchangeIndexer 把问答事件写入检索索引。
// This decouples the Kafka consumer from the concrete Elasticsearch implementation.
type ExchangeIndexer interface {
	IndexExchange(ctx context.Context, ev model.ExchangeCreated) error
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 发布问答事件。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		// 异步写入，不阻塞会话；失败只记录日志
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorf("发送 %d 条问答事件到 Kafka 失败: %v", len(messages), err)
			}
		},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishExchange 发送一条 ExchangeCreated 事件；同一对话的事件使用相同的 key，保证分区内有序。
// 写入是异步的，返回的错误只覆盖序列化与已关闭等本地失败。
func (p *Producer) PublishExchange(ctx context.Context, ev model.ExchangeCreated) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
	})
}

// Close 刷新并关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是 *kafka.Reader 中消费者用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费问答事件并写入索引。
type Consumer struct {
	reader     messageReader
	indexer    ExchangeIndexer
	rdb        *redis.Client
	retryDelay time.Duration
}

// NewConsumer 创建一个消费者组成员。
func NewConsumer(cfg config.KafkaConfig, indexer ExchangeIndexer, rdb *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, indexer: indexer, rdb: rdb, retryDelay: retryDelay}
}

// Run 持续消费直到 ctx 被取消。
// 单条消息失败时原地重试；失败次数记录在 Redis 中，达到上限后提交 offset 放弃该消息。
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Info("Kafka 消费者已启动")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}

		for !c.process(ctx, m) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// process 处理一条消息，返回是否可以提交 offset。
func (c *Consumer) process(ctx context.Context, m kafka.Message) bool {
	var ev model.ExchangeCreated
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.PublicID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: offset %d, value: %s", m.Offset, string(m.Value))
		return true
	}

	attemptsKey := fmt.Sprintf(attemptsKeyTmpl, ev.PublicID)
	if err := c.indexer.IndexExchange(ctx, ev); err != nil {
		log.Errorf("索引问答失败: id=%s, error: %v", ev.PublicID, err)
		attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，稍后重试
			log.Errorf("记录失败次数失败: %v", incErr)
			return false
		}
		_ = c.rdb.Expire(ctx, attemptsKey, attemptsTTL).Err()
		if attempts >= maxAttempts {
			log.Errorf("问答索引多次失败(>=%d)，提交 offset 终止重试: id=%s", maxAttempts, ev.PublicID)
			return true
		}
		return false
	}

	// 清理失败计数
	_ = c.rdb.Del(ctx, attemptsKey).Err()
	log.Debugw("问答已写入索引", "id", ev.PublicID, "offset", m.Offset)
	return true
}
