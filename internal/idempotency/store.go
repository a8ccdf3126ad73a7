// Package idempotency remembers the response of a create request under a
// caller-supplied key so a retried request is answered without repeating it.
package idempotency

import (
	"context"
	"errors"
	"time"
)

const (
	// KeyPrefix namespaces idempotency keys in a shared cache.
	KeyPrefix = "idempotency:"

	DefaultTTL        = time.Hour
	DefaultPendingTTL = 30 * time.Second
)

var ErrEmptyKey = errors.New("idempotency key is empty")

type State int

const (
	// Reserved means the caller now owns the key and must Complete or Release it.
	Reserved State = iota
	// Completed means a response is stored; Snapshot holds it.
	Completed
	// InFlight means another request holds the reservation.
	InFlight
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Completed:
		return "completed"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Key      string
	State    State
	Token    string
	Snapshot []byte
}

// Store is an atomic check-and-reserve cache.
//
// Reserve claims an unseen key with a short pending TTL in one atomic step, so two
// concurrent requests with the same new key cannot both proceed.
type Store interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Complete(ctx context.Context, r Reservation, snapshot []byte) error
	Release(ctx context.Context, r Reservation) error
}
