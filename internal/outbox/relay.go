package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/backoff"
	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// Store is the outbox persistence the relay drives.
type Store interface {
	Claim(ctx context.Context, limit int, now time.Time, lease time.Duration, token string) ([]*model.OutboxEntry, error)
	MarkSent(ctx context.Context, id, token string, at time.Time) error
	MarkFailed(ctx context.Context, id, token string, attempts int, lastError string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id, token string, attempts int, lastError string, at time.Time) error
	Release(ctx context.Context, id, token string) error
}

type Config struct {
	Topic          string
	BatchSize      int
	Interval       time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Topic:          "campaigns",
		BatchSize:      100,
		Interval:       time.Second,
		PublishTimeout: 5 * time.Second,
		MaxAttempts:    8,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,
		Lease:          30 * time.Second,
	}
}

// Result summarizes one relay cycle.
type Result struct {
	Claimed  int
	Sent     int
	Failed   int
	Dead     int
	Released int
}

type Relay struct {
	store  Store
	client broker.Client
	cfg    Config
	policy backoff.Policy
	log    *logger.Logger
	now    func() time.Time
}

func NewRelay(store Store, client broker.Client, cfg Config, log *logger.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Lease <= cfg.PublishTimeout {
		cfg.Lease = 6 * cfg.PublishTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{
		store:  store,
		client: client,
		cfg:    cfg,
		policy: backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: true},
		log:    log.Named("relay"),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Tests also use it to drop jitter.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	r.policy.Jitter = false
	return r
}

// Run drains the outbox until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Logger.Warn("relay cycle failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && res.Claimed >= r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it in seq order. After a failed publish
// the aggregate's later rows in the batch are released untouched, so they go out
// after the failed row is retried. Rows not reached before the lease runs short
// are released too.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	token := uuid.NewString()

	claimedAt := r.now()
	entries, err := r.store.Claim(ctx, r.cfg.BatchSize, claimedAt, r.cfg.Lease, token)
	if err != nil {
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	res.Claimed = len(entries)

	// Bookkeeping must land even when ctx is being cancelled.
	bookCtx := context.WithoutCancel(ctx)
	blocked := map[string]bool{}
	// Past this point a publish could outlive the lease and race another relay.
	publishBy := claimedAt.Add(r.cfg.Lease - r.cfg.PublishTimeout)

	for _, e := range entries {
		if blocked[e.AggregateID] || ctx.Err() != nil || r.now().After(publishBy) {
			if err := r.store.Release(bookCtx, e.ID, token); err != nil {
				r.logLeaseError("release", e, err)
			}
			res.Released++
			continue
		}

		pubErr := r.publish(ctx, e)
		if pubErr == nil {
			if err := r.store.MarkSent(bookCtx, e.ID, token, r.now()); err != nil {
				r.logLeaseError("mark sent", e, err)
			}
			res.Sent++
			continue
		}

		blocked[e.AggregateID] = true
		attempts := e.Attempts + 1
		var encodeErr *encodeError
		if attempts >= r.cfg.MaxAttempts || errors.As(pubErr, &encodeErr) {
			if err := r.store.MarkDead(bookCtx, e.ID, token, attempts, pubErr.Error(), r.now()); err != nil {
				r.logLeaseError("mark dead", e, err)
				continue
			}
			r.log.Logger.Error("outbox entry is dead, operator action required",
				zap.String("entry_id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("aggregate_id", e.AggregateID),
				zap.Int("attempts", attempts),
				zap.Error(pubErr),
			)
			res.Dead++
			continue
		}

		next := r.now().Add(r.policy.Delay(attempts))
		if err := r.store.MarkFailed(bookCtx, e.ID, token, attempts, pubErr.Error(), next); err != nil {
			r.logLeaseError("mark failed", e, err)
			continue
		}
		r.log.Logger.Warn("publish failed, will retry",
			zap.String("entry_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.String("aggregate_id", e.AggregateID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(pubErr),
		)
		res.Failed++
	}

	if res.Claimed > 0 {
		r.log.Logger.Debug("relay cycle done",
			zap.Int("claimed", res.Claimed),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("dead", res.Dead),
			zap.Int("released", res.Released),
		)
	}
	return res, nil
}

type encodeError struct{ err error }

func (e *encodeError) Error() string { return e.err.Error() }

func (e *encodeError) Unwrap() error { return e.err }

// publish bounds one attempt by PublishTimeout. The call runs in its own
// goroutine so a client that ignores ctx cannot hold up the batch.
func (r *Relay) publish(ctx context.Context, e *model.OutboxEntry) error {
	body, err := events.Encode(e)
	if err != nil {
		return &encodeError{err}
	}
	topic := e.Topic
	if topic == "" {
		topic = r.cfg.Topic
	}
	msg := broker.Message{ID: e.ID, Type: e.EventType, Body: body, Headers: events.Headers(e)}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.client.Publish(pctx, topic, msg, e.AggregateID) }()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return fmt.Errorf("publish %s: %w", e.ID, pctx.Err())
	}
}

func (r *Relay) logLeaseError(op string, e *model.OutboxEntry, err error) {
	if errors.Is(err, repository.ErrLeaseLost) {
		r.log.Logger.Warn("outbox lease lost", zap.String("op", op), zap.String("entry_id", e.ID))
		return
	}
	r.log.Logger.Error("outbox bookkeeping failed", zap.String("op", op), zap.String("entry_id", e.ID), zap.Error(err))
}
