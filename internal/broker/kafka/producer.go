package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w       messageWriter
	retries int
	backoff time.Duration
}

func NewProducer(brokers []string) *Producer {
	return newProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	})
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w, retries: 1, backoff: 150 * time.Millisecond}
}

// WithRetries makes Publish retry a failed write with a linear backoff.
// Kafka может быть не готова сразу после старта docker compose.
func (p *Producer) WithRetries(n int, backoff time.Duration) *Producer {
	if n > 0 {
		p.retries = n
	}
	if backoff > 0 {
		p.backoff = backoff
	}
	return p
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	var err error
	for i := 0; i < p.retries; i++ {
		if err = p.w.WriteMessages(ctx, msg); err == nil {
			return nil
		}
		if i == p.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "kafka publish")
		case <-time.After(time.Duration(i+1) * p.backoff):
		}
	}
	return errors.Wrap(err, "kafka publish")
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
