package kafka

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. A non-nil error stops Consume without
// committing, so the message is redelivered after restart.
type Handler func(ctx context.Context, key, value []byte) error

// Consumer reads shipment.registered with at-least-once semantics.
type Consumer struct {
	r         messageReader
	topic     string
	committed atomic.Int64
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		MinBytes:          1,
		MaxBytes:          1 << 20,
		MaxWait:           time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		// новая группа должна увидеть регистрации, сделанные до первого запуска воркера
		StartOffset: kafka.FirstOffset,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{r: kafka.NewReader(cfg), topic: topic}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Committed is the number of messages committed since start.
func (c *Consumer) Committed() int64 {
	return c.committed.Load()
}

func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}
		slog.Debug("kafka message received",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			return errors.Wrapf(err, "handle %s[%d]@%d", msg.Topic, msg.Partition, msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "commit message")
		}
		c.committed.Add(1)
	}
}
