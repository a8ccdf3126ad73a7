package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Delivery is a message accepted by the in-memory broker.
type Delivery struct {
	Topic        string
	PartitionKey string
	Message      Message
}

// InMemory is a Client that keeps everything in process. Subscribers are called
// synchronously in publish order. Failures can be injected with FailWith.
type InMemory struct {
	mu        sync.Mutex
	handlers  map[string][]func(Delivery) error
	published []Delivery
	fail      func(Delivery) error
	log       *zap.Logger
}

func NewInMemory(log *zap.Logger) *InMemory {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemory{
		handlers: make(map[string][]func(Delivery) error),
		log:      log,
	}
}

// Subscribe adds a handler for a topic. Handler errors are logged; the message
// stays published.
func (b *InMemory) Subscribe(topic string, handler func(Delivery) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// FailWith makes Publish consult fn first; a non-nil result rejects the message.
// fn may block to simulate a stuck broker.
func (b *InMemory) FailWith(fn func(Delivery) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

func (b *InMemory) Publish(ctx context.Context, topic string, msg Message, partitionKey string) error {
	d := Delivery{Topic: topic, PartitionKey: partitionKey, Message: msg}

	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()

	return await(ctx, func() error {
		if fail != nil {
			if err := fail(d); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		b.published = append(b.published, d)
		handlers := append([]func(Delivery) error(nil), b.handlers[topic]...)
		b.mu.Unlock()

		for _, handler := range handlers {
			if err := handler(d); err != nil {
				b.log.Warn("subscriber failed",
					zap.String("topic", topic),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
		return nil
	})
}

// Published returns a copy of every accepted message in publish order.
func (b *InMemory) Published() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.published...)
}

// PublishedFor filters Published by partition key.
func (b *InMemory) PublishedFor(partitionKey string) []Delivery {
	var out []Delivery
	for _, d := range b.Published() {
		if d.PartitionKey == partitionKey {
			out = append(out, d)
		}
	}
	return out
}

func (b *InMemory) Close() error { return nil }

func (d Delivery) String() string {
	return fmt.Sprintf("%s/%s %s", d.Topic, d.PartitionKey, d.Message.Type)
}

var _ Client = (*InMemory)(nil)
