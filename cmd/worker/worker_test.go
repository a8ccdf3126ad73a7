package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memstore"
)

// MockLoop records that it ran and optionally fails straight away
type MockLoop struct {
	mu      sync.Mutex
	started bool
	err     error
}

func (m *MockLoop) Run(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockLoop) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func TestWorkerRunsBothLoops(t *testing.T) {
	relay := &MockLoop{}
	scheduler := &MockLoop{err: errors.New("store down")}
	w := &Worker{Relay: relay, Scheduler: scheduler, Log: logger.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	if !relay.Started() || !scheduler.Started() {
		t.Errorf("expected both loops to start, relay=%v scheduler=%v", relay.Started(), scheduler.Started())
	}
}

func TestWorkerDeliversPendingEntry(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	writer := outbox.NewWriter("campaigns")
	err := store.Transact(ctx, func(tx repository.CampaignTx) error {
		_, err := writer.Append(ctx, tx, model.EventCampaignCreated, "camp-1", map[string]any{"campaignId": "camp-1"})
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	b := broker.NewInMemory(nil)

	cfg := outbox.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	w := &Worker{Relay: outbox.NewRelay(store, b, cfg, nil), Log: logger.NewNop()}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	// wait until the relay has recorded the delivery
	deadline := time.Now().Add(2 * time.Second)
	for len(store.EntriesFor("camp-1")) == 0 || store.EntriesFor("camp-1")[0].Status != model.OutboxSent {
		if time.Now().After(deadline) {
			t.Fatalf("entry not delivered: %+v", store.Entries())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := len(b.PublishedFor("camp-1")); got != 1 {
		t.Errorf("expected 1 published message, got %d", got)
	}
}
