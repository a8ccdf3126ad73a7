package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	snapshot  []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store for tests and single-instance runs.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.snapshot == nil {
			return Reservation{Key: key, State: InFlight}, nil
		}
		return Reservation{Key: key, State: Completed, Snapshot: append([]byte(nil), e.snapshot...)}, nil
	}

	token := uuid.NewString()
	s.entries[key] = memoryEntry{token: token, expiresAt: now.Add(s.pendingTTL)}
	return Reservation{Key: key, State: Reserved, Token: token}, nil
}

func (s *MemoryStore) Complete(_ context.Context, r Reservation, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.Key]
	if !ok || e.snapshot != nil || e.token != r.Token {
		return nil
	}
	s.entries[r.Key] = memoryEntry{
		snapshot:  append([]byte(nil), snapshot...),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[r.Key]; ok && e.snapshot == nil && e.token == r.Token {
		delete(s.entries, r.Key)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
