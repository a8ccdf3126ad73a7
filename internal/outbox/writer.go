// Package outbox records lifecycle events next to the campaign mutation that
// caused them and relays them to the broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const MaxPayloadBytes = 1 << 20

var ErrInvalidEvent = errors.New("invalid outbox event")

// Appender is the part of a unit of work the writer needs.
type Appender interface {
	InsertOutboxEntry(ctx context.Context, e *model.OutboxEntry) error
}

type Writer struct {
	topic string
	now   func() time.Time
}

func NewWriter(topic string) *Writer {
	return &Writer{topic: topic, now: time.Now}
}

// WithClock overrides the time source.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Append adds a PENDING entry through tx. It must be called with the same tx as
// the mutation the event describes.
func (w *Writer) Append(ctx context.Context, tx Appender, eventType, aggregateID string, payload any) (*model.OutboxEntry, error) {
	if !model.IsKnownEventType(eventType) {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: empty aggregate id", ErrInvalidEvent)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidEvent)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit is %d", ErrInvalidEvent, len(raw), MaxPayloadBytes)
	}

	now := w.now().UTC()
	entry := &model.OutboxEntry{
		ID:            uuid.NewString(),
		Topic:         w.topic,
		EventType:     eventType,
		AggregateID:   aggregateID,
		Payload:       raw,
		Status:        model.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertOutboxEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
