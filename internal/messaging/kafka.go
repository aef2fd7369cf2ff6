// Package messaging wraps kafka-go producers and consumers for the matching
// core's queues.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topic identifies a queue used by the matching core.
type Topic string

const (
	TopicOrderCreated        Topic = "orders.created"
	TopicMatchRequest        Topic = "orders.match-request"
	TopicSettlementRequests  Topic = "settlement.requests"
	TopicSettlementConfirmed Topic = "settlement.confirmed"
	TopicBroadcast           Topic = "broadcast.events"
	TopicReconcileDLQ        Topic = "settlement.reconcile.dlq"
)

// MessageHandler processes one received message. Returning an error keeps the
// message uncommitted on manually-acknowledged subscriptions.
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) error

// ReceivedMessage is a consumed message plus its metadata.
type ReceivedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int
	Timestamp time.Time
}

// Producer publishes JSON messages to topics.
type Producer struct {
	brokers []string
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewProducer creates a producer for the given brokers.
func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	return &Producer{
		brokers: brokers,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}
}

func (p *Producer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	w, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w = &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.CRC32Balancer{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	p.writers[topic] = w
	return w
}

// Publish marshals the message as JSON and writes it keyed for partitioning.
func (p *Producer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.Error(err),
			zap.String("topic", string(topic)),
			zap.String("key", key))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes every writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			lastErr = err
			p.logger.Error("failed to close writer", zap.Error(err))
		}
	}
	return lastErr
}

// Consumer consumes topics with per-topic reader goroutines.
type Consumer struct {
	brokers     []string
	groupPrefix string
	logger      *zap.Logger
	readers     []*kafka.Reader
	mu          sync.Mutex
	wg          sync.WaitGroup
}

// NewConsumer creates a consumer whose group ids are prefixed per deployment.
func NewConsumer(brokers []string, groupPrefix string, logger *zap.Logger) *Consumer {
	return &Consumer{brokers: brokers, groupPrefix: groupPrefix, logger: logger}
}

// Subscribe starts consuming the topic. With manualAck the message is
// committed only after the handler succeeds; the matching queues require this
// so a crash never drops an unprocessed order event. The broadcast queue runs
// with manualAck=false since broadcast loss is tolerable.
func (c *Consumer) Subscribe(ctx context.Context, topic Topic, group string, manualAck bool, handler MessageHandler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		Topic:       string(topic),
		GroupID:     fmt.Sprintf("%s-%s", c.groupPrefix, group),
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(ctx, reader, topic, manualAck, handler)
}

func (c *Consumer) consume(ctx context.Context, reader *kafka.Reader, topic Topic, manualAck bool, handler MessageHandler) {
	defer c.wg.Done()
	c.logger.Info("started consuming", zap.String("topic", string(topic)))

	for {
		var msg kafka.Message
		var err error
		if manualAck {
			msg, err = reader.FetchMessage(ctx)
		} else {
			msg, err = reader.ReadMessage(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read message",
				zap.Error(err),
				zap.String("topic", string(topic)))
			time.Sleep(time.Second)
			continue
		}

		received := &ReceivedMessage{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Offset:    msg.Offset,
			Partition: msg.Partition,
			Timestamp: msg.Time,
		}

		if err := handler(ctx, received); err != nil {
			c.logger.Error("message handler failed",
				zap.Error(err),
				zap.String("topic", string(topic)),
				zap.Int64("offset", msg.Offset))
			// Manually-acked topics leave the offset uncommitted so the
			// message is redelivered after a restart or rebalance.
			continue
		}

		if manualAck {
			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to commit message",
					zap.Error(err),
					zap.String("topic", string(topic)))
			}
		}
	}
}

// Ping dials the first broker to verify queue connectivity for health checks.
func (c *Consumer) Ping(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker: %w", err)
	}
	return conn.Close()
}

// Close stops all readers and waits for consume loops to exit.
func (c *Consumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var lastErr error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			lastErr = err
		}
	}
	c.wg.Wait()
	return lastErr
}
