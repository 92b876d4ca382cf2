// Package memory provides an in-process messaging.Broker for tests and
// local development, with no external dependency.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

// Config configures the in-memory broker.
type Config struct {
	BufferSize int
}

// Broker is a process-local messaging.Broker backed by per-topic channels.
type Broker struct {
	cfg    Config
	mu     sync.Mutex
	topics map[string]chan *messaging.Message
	closed bool
}

func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	return &Broker{cfg: cfg, topics: make(map[string]chan *messaging.Message)}
}

func (b *Broker) channel(topic string) chan *messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan *messaging.Message, b.cfg.BufferSize)
		b.topics[topic] = ch
	}
	return ch
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	return &producer{ch: b.channel(topic), topic: topic}, nil
}

func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	return &consumer{ch: b.channel(topic)}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.topics {
		close(ch)
	}
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	ch    chan *messaging.Message
	topic string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case p.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return messaging.ErrQueueFull(nil)
	}
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	ch chan *messaging.Message
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				continue
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error { return nil }
