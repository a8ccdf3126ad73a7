package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memstore.Store
	broker *broker.InMemory
	writer *outbox.Writer
	relay  *outbox.Relay
	clock  *clock
}

func newFixture(t *testing.T, cfg outbox.Config) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)}
	store := memstore.New()
	b := broker.NewInMemory(nil)
	return &fixture{
		store:  store,
		broker: b,
		writer: outbox.NewWriter("campaigns").WithClock(clk.Now),
		relay:  outbox.NewRelay(store, b, cfg, nil).WithClock(clk.Now),
		clock:  clk,
	}
}

func (f *fixture) append(t *testing.T, eventType, aggregateID string, payload map[string]any) {
	t.Helper()
	err := f.store.Transact(context.Background(), func(tx repository.CampaignTx) error {
		_, err := f.writer.Append(context.Background(), tx, eventType, aggregateID, payload)
		return err
	})
	require.NoError(t, err)
}

func publishedTypes(deliveries []broker.Delivery) []string {
	out := []string{}
	for _, d := range deliveries {
		out = append(out, d.Message.Type)
	}
	return out
}

func baseConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Minute
	cfg.PublishTimeout = time.Second
	cfg.Lease = time.Minute
	return cfg
}

func TestRelayPublishesAggregateEventsInOrder(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.append(t, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
	f.append(t, model.EventCampaignCreated, "c2", map[string]any{"campaignId": "c2"})
	f.append(t, model.EventCampaignTriggered, "c1", map[string]any{"campaignId": "c1"})
	f.append(t, model.EventCampaignStatusUpdated, "c1", map[string]any{"campaignId": "c1", "status": "SENDING"})
	f.append(t, model.EventCampaignStatusUpdated, "c1", map[string]any{"campaignId": "c1", "status": "SENT"})

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.Result{Claimed: 5, Sent: 5}, res)

	assert.Equal(t, []string{
		model.EventCampaignCreated,
		model.EventCampaignTriggered,
		model.EventCampaignStatusUpdated,
		model.EventCampaignStatusUpdated,
	}, publishedTypes(f.broker.PublishedFor("c1")))

	last := f.broker.PublishedFor("c1")[3]
	env, err := events.Decode(last.Message.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `"SENT"`, string(env.Fields["status"]))
	assert.Equal(t, "campaigns", last.Topic)
	assert.Equal(t, model.EventCampaignStatusUpdated, last.Message.Headers[events.HeaderEventType])

	for _, e := range f.store.Entries() {
		assert.Equal(t, model.OutboxSent, e.Status)
		assert.NotNil(t, e.SentAt)
	}
}

func TestRelayFailureHoldsBackLaterEventsOfSameCampaign(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.append(t, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
	f.append(t, model.EventCampaignCreated, "c2", map[string]any{"campaignId": "c2"})
	f.append(t, model.EventCampaignTriggered, "c1", map[string]any{"campaignId": "c1"})

	f.broker.FailWith(func(d broker.Delivery) error {
		if d.PartitionKey == "c1" {
			return errors.New("partition leader unavailable")
		}
		return nil
	})

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.Result{Claimed: 3, Sent: 1, Failed: 1, Released: 1}, res)

	c1 := f.store.EntriesFor("c1")
	assert.Equal(t, model.OutboxFailed, c1[0].Status)
	assert.Equal(t, 1, c1[0].Attempts)
	assert.Contains(t, c1[0].LastError, "partition leader unavailable")
	assert.Equal(t, f.clock.Now().Add(time.Second), c1[0].NextAttemptAt)
	assert.Equal(t, model.OutboxPending, c1[1].Status)
	assert.Equal(t, 0, c1[1].Attempts)

	// not due yet: the triggered event must not overtake the created event
	f.broker.FailWith(nil)
	res, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	f.clock.Advance(2 * time.Second)
	res, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{model.EventCampaignCreated, model.EventCampaignTriggered},
		publishedTypes(f.broker.PublishedFor("c1")))
}

func TestRelayBacksOffExponentially(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.append(t, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
	f.broker.FailWith(func(broker.Delivery) error { return errors.New("down") })

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, err := f.relay.RunOnce(context.Background())
		require.NoError(t, err)
		e := f.store.Entries()[0]
		delays = append(delays, e.NextAttemptAt.Sub(f.clock.Now()))
		f.clock.Advance(e.NextAttemptAt.Sub(f.clock.Now()))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestRelayMarksDeadAfterMaxAttempts(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 3
	f := newFixture(t, cfg)
	f.append(t, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
	f.broker.FailWith(func(broker.Delivery) error { return errors.New("down") })

	for i := 0; i < 3; i++ {
		_, err := f.relay.RunOnce(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	e := f.store.Entries()[0]
	assert.Equal(t, model.OutboxDead, e.Status)
	assert.Equal(t, 3, e.Attempts)

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "dead entries are not retried")

	// a dead entry does not hold back later events of its campaign
	f.broker.FailWith(nil)
	f.append(t, model.EventCampaignStatusUpdated, "c1", map[string]any{"campaignId": "c1", "status": "FAILED"})
	res, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRelayStalledPublishDoesNotStallBatch(t *testing.T) {
	cfg := baseConfig()
	cfg.PublishTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.append(t, model.EventCampaignCreated, "stuck", map[string]any{"campaignId": "stuck"})
	f.append(t, model.EventCampaignCreated, "c2", map[string]any{"campaignId": "c2"})

	unblock := make(chan struct{})
	defer close(unblock)
	f.broker.FailWith(func(d broker.Delivery) error {
		if d.PartitionKey == "stuck" {
			<-unblock
		}
		return nil
	})

	start := time.Now()
	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)

	stuck := f.store.EntriesFor("stuck")[0]
	assert.Equal(t, model.OutboxFailed, stuck.Status)
	assert.Contains(t, stuck.LastError, context.DeadlineExceeded.Error())
	assert.Len(t, f.broker.PublishedFor("c2"), 1)
}

func TestRelayDeadLettersUnencodablePayload(t *testing.T) {
	f := newFixture(t, baseConfig())
	err := f.store.Transact(context.Background(), func(tx repository.CampaignTx) error {
		return tx.InsertOutboxEntry(context.Background(), &model.OutboxEntry{
			ID:            "bad",
			EventType:     model.EventCampaignCreated,
			AggregateID:   "c1",
			Payload:       json.RawMessage(`[1,2,3]`),
			Status:        model.OutboxPending,
			NextAttemptAt: f.clock.Now(),
		})
	})
	require.NoError(t, err)

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
	assert.Empty(t, f.broker.Published())
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	cfg := baseConfig()
	cfg.Interval = 10 * time.Millisecond
	store := memstore.New()
	b := broker.NewInMemory(nil)
	writer := outbox.NewWriter("campaigns")
	relay := outbox.NewRelay(store, b, cfg, nil)

	require.NoError(t, store.Transact(context.Background(), func(tx repository.CampaignTx) error {
		_, err := writer.Append(context.Background(), tx, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
		return err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(b.Published()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestWriterValidates(t *testing.T) {
	store := memstore.New()
	writer := outbox.NewWriter("campaigns")
	ctx := context.Background()

	cases := map[string]func(tx repository.CampaignTx) error{
		"unknown event type": func(tx repository.CampaignTx) error {
			_, err := writer.Append(ctx, tx, "campaign.deleted", "c1", map[string]any{})
			return err
		},
		"empty aggregate": func(tx repository.CampaignTx) error {
			_, err := writer.Append(ctx, tx, model.EventCampaignCreated, "", map[string]any{})
			return err
		},
		"not an object": func(tx repository.CampaignTx) error {
			_, err := writer.Append(ctx, tx, model.EventCampaignCreated, "c1", []string{"a"})
			return err
		},
		"too large": func(tx repository.CampaignTx) error {
			_, err := writer.Append(ctx, tx, model.EventCampaignCreated, "c1",
				map[string]any{"blob": strings.Repeat("x", outbox.MaxPayloadBytes)})
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, store.Transact(ctx, fn), outbox.ErrInvalidEvent)
		})
	}
	assert.Empty(t, store.Entries())
}

func TestWriterBuildsPendingEntry(t *testing.T) {
	store := memstore.New()
	at := time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)
	writer := outbox.NewWriter("campaigns").WithClock(func() time.Time { return at })

	require.NoError(t, store.Transact(context.Background(), func(tx repository.CampaignTx) error {
		_, err := writer.Append(context.Background(), tx, model.EventCampaignCreated, "c1", map[string]any{"campaignId": "c1"})
		return err
	}))

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, "campaigns", e.Topic)
	assert.Equal(t, model.OutboxPending, e.Status)
	assert.Equal(t, at, e.NextAttemptAt)
	assert.JSONEq(t, `{"campaignId":"c1"}`, string(e.Payload))
}
