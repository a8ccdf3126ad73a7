package memstore

import (
	"context"
	"encoding/json"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func undelivered(e *model.OutboxEntry) bool {
	return e.Status == model.OutboxPending || e.Status == model.OutboxFailed
}

func leased(e *model.OutboxEntry, now time.Time) bool {
	return e.LockedUntil != nil && e.LockedUntil.After(now)
}

// Claim follows the same rules as the Postgres query: seq order, due rows only,
// and an aggregate is blocked behind an earlier row that is leased or backing off.
func (s *Store) Claim(_ context.Context, limit int, now time.Time, lease time.Duration, token string) ([]*model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpClaim]; err != nil {
		return nil, err
	}

	blocked := map[string]bool{}
	claimed := []*model.OutboxEntry{}
	for _, e := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if !undelivered(e) {
			continue
		}
		if blocked[e.AggregateID] {
			continue
		}
		if leased(e, now) || e.NextAttemptAt.After(now) {
			blocked[e.AggregateID] = true
			continue
		}
		until := now.Add(lease)
		tok := token
		e.LockedUntil = &until
		e.ClaimToken = &tok
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (s *Store) claimedEntry(id, token string) (*model.OutboxEntry, error) {
	for _, e := range s.outbox {
		if e.ID == id {
			if e.ClaimToken == nil || *e.ClaimToken != token {
				return nil, repository.ErrLeaseLost
			}
			return e, nil
		}
	}
	return nil, repository.ErrLeaseLost
}

func (s *Store) MarkSent(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimedEntry(id, token)
	if err != nil {
		return err
	}
	e.Status = model.OutboxSent
	e.SentAt = &at
	e.UpdatedAt = at
	e.LockedUntil, e.ClaimToken = nil, nil
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, token string, attempts int, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimedEntry(id, token)
	if err != nil {
		return err
	}
	e.Status = model.OutboxFailed
	e.Attempts = attempts
	e.LastError = lastError
	e.NextAttemptAt = nextAttemptAt
	e.UpdatedAt = time.Now()
	e.LockedUntil, e.ClaimToken = nil, nil
	return nil
}

func (s *Store) MarkDead(_ context.Context, id, token string, attempts int, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimedEntry(id, token)
	if err != nil {
		return err
	}
	e.Status = model.OutboxDead
	e.Attempts = attempts
	e.LastError = lastError
	e.UpdatedAt = at
	e.LockedUntil, e.ClaimToken = nil, nil
	return nil
}

func (s *Store) Release(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.claimedEntry(id, token)
	if err != nil {
		return err
	}
	e.LockedUntil, e.ClaimToken = nil, nil
	return nil
}

func (s *Store) ListByStatus(_ context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.OutboxEntry{}
	for _, e := range s.outbox {
		if len(out) >= limit {
			break
		}
		if e.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *Store) Requeue(_ context.Context, id string, now time.Time) (*model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID != id {
			continue
		}
		if e.Status != model.OutboxDead {
			return nil, appErrors.NewConflict("outbox entry %s is %s, only DEAD entries can be requeued", id, e.Status)
		}
		e.Status = model.OutboxPending
		e.Attempts = 0
		e.LastError = ""
		e.NextAttemptAt = now
		e.UpdatedAt = now
		e.LockedUntil, e.ClaimToken = nil, nil
		return cloneEntry(e), nil
	}
	return nil, appErrors.NewOutboxEntryNotFound(id)
}

func cloneEntry(e *model.OutboxEntry) *model.OutboxEntry {
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.LockedUntil != nil {
		t := *e.LockedUntil
		cp.LockedUntil = &t
	}
	if e.ClaimToken != nil {
		tok := *e.ClaimToken
		cp.ClaimToken = &tok
	}
	if e.SentAt != nil {
		t := *e.SentAt
		cp.SentAt = &t
	}
	return &cp
}
