// Package broker publishes encoded events to a message bus.
package broker

import (
	"context"
	"fmt"
)

// Message is one encoded event plus its transport metadata.
type Message struct {
	ID      string
	Type    string
	Body    []byte
	Headers map[string]string
}

// Client publishes to a topic. partitionKey keeps messages with the same key in
// order on brokers that partition.
type Client interface {
	Publish(ctx context.Context, topic string, msg Message, partitionKey string) error
	Close() error
}

// TemporaryError marks a publish failure worth retrying.
type TemporaryError struct{ Err error }

func (e *TemporaryError) Error() string { return fmt.Sprintf("temporary: %v", e.Err) }

func (e *TemporaryError) Unwrap() error { return e.Err }

// await runs send in its own goroutine so a client that ignores ctx still
// returns once ctx is done.
func await(ctx context.Context, send func() error) error {
	done := make(chan error, 1)
	go func() { done <- send() }()

	select {
	case <-ctx.Done():
		return &TemporaryError{ctx.Err()}
	case err := <-done:
		if err != nil {
			return &TemporaryError{err}
		}
		return nil
	}
}
