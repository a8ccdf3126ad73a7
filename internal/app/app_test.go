package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/idempotency"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/middleware"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StorageDriver:     DriverMemory,
		IdempotencyDriver: DriverMemory,
		IdempotencyTTL:    time.Hour,
		BrokerDriver:      DriverMemory,
		EventsTopic:       "campaigns",
		Relay: config.RelayConfig{
			BatchSize:      10,
			Interval:       time.Second,
			PublishTimeout: 2 * time.Second,
			MaxAttempts:    4,
			BackoffBase:    time.Second,
			BackoffMax:     time.Minute,
			Lease:          20 * time.Second,
		},
		Scheduler: config.SchedulerConfig{Interval: time.Second, BatchSize: 5},
	}
}

func TestUnknownDrivers(t *testing.T) {
	log := logger.NewNop()

	cfg := memoryConfig()
	cfg.StorageDriver = "cassandra"
	_, err := OpenStorage(cfg, log)
	assert.ErrorContains(t, err, "cassandra")

	cfg = memoryConfig()
	cfg.IdempotencyDriver = "memcached"
	_, _, err = OpenIdempotency(context.Background(), cfg, log)
	assert.ErrorContains(t, err, "memcached")

	cfg = memoryConfig()
	cfg.BrokerDriver = "nats"
	_, err = OpenBroker(cfg, log)
	assert.ErrorContains(t, err, "nats")
}

func TestIdempotencyDrivers(t *testing.T) {
	log := logger.NewNop()
	ctx := context.Background()

	cfg := memoryConfig()
	store, closeFn, err := OpenIdempotency(ctx, cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &idempotency.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	cfg.IdempotencyDriver = DriverNone
	store, _, err = OpenIdempotency(ctx, cfg, log)
	require.NoError(t, err)
	assert.Nil(t, store)

	mr := miniredis.RunT(t)
	cfg.IdempotencyDriver = DriverRedis
	cfg.RedisHost, cfg.RedisPort = mr.Host(), mr.Port()
	store, closeFn, err = OpenIdempotency(ctx, cfg, log)
	require.NoError(t, err)
	defer closeFn()

	r, err := store.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Reserved, r.State)
	assert.True(t, mr.Exists(idempotency.KeyPrefix+"k1"))
}

func TestRelayConfigFromEnvironment(t *testing.T) {
	got := RelayConfig(memoryConfig())
	assert.Equal(t, outbox.Config{
		Topic:          "campaigns",
		BatchSize:      10,
		Interval:       time.Second,
		PublishTimeout: 2 * time.Second,
		MaxAttempts:    4,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		Lease:          20 * time.Second,
	}, got)
}

// The whole in-memory stack: HTTP create and trigger, then the relay and the
// scheduler drain to the in-memory broker.
func TestInMemoryStackEndToEnd(t *testing.T) {
	cfg := memoryConfig()
	log := logger.NewNop()
	ctx := context.Background()

	st, err := OpenStorage(cfg, log)
	require.NoError(t, err)
	cache, _, err := OpenIdempotency(ctx, cfg, log)
	require.NoError(t, err)
	client, err := OpenBroker(cfg, log)
	require.NoError(t, err)

	svc := NewCampaignService(cfg, st, cache, log)
	router := NewRouter(
		&controller.CampaignController{CampaignService: svc, Log: log},
		handler.NewOutboxHandler(st.Outbox, log),
		st.Ping,
		log,
	)

	req := httptest.NewRequest(http.MethodPost, "/campaigns",
		strings.NewReader(`{"name":"Launch","type":"social","content":"We are live","scheduledAt":"2020-01-01T00:00:00Z"}`))
	req.Header.Set(middleware.HeaderRequestID, "rid-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "rid-1", w.Header().Get(middleware.HeaderRequestID))

	triggered, err := NewScheduler(cfg, st, svc, log).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, triggered)

	res, err := outbox.NewRelay(st.Outbox, client, RelayConfig(cfg), log).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	mem := client.(*broker.InMemory)
	published := mem.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "campaigns", published[0].Topic)
	assert.Equal(t, "campaign.created", published[0].Message.Type)
	assert.Equal(t, "campaign.triggered", published[1].Message.Type)
}

func TestHealthz(t *testing.T) {
	log := logger.NewNop()
	st := MemoryStorage(nil)
	router := NewRouter(&controller.CampaignController{}, handler.NewOutboxHandler(nil, log), st.Ping, log)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	down := func(context.Context) error { return errors.New("connection refused") }
	router = NewRouter(&controller.CampaignController{}, handler.NewOutboxHandler(nil, log), down, log)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "0", http.NotFoundHandler(), logger.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestLoggingConsumerDropsRedelivery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	consume := LoggingConsumer(events.NewDeduper(time.Hour), &logger.Logger{Logger: zap.New(core)})

	body, err := events.Encode(&model.OutboxEntry{
		ID:          "evt-1",
		EventType:   model.EventCampaignTriggered,
		AggregateID: "camp-1",
		Payload:     json.RawMessage(`{"campaignId":"camp-1"}`),
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	d := broker.Delivery{Topic: "campaigns", Message: broker.Message{ID: "evt-1", Body: body}}
	require.NoError(t, consume(d))
	require.NoError(t, consume(d))
	assert.Equal(t, 1, logs.FilterMessage("event delivered").Len())

	bad := broker.Delivery{Topic: "campaigns", Message: broker.Message{ID: "x", Body: []byte("not json")}}
	assert.Error(t, consume(bad))
	assert.Equal(t, 1, logs.FilterMessage("undecodable event").Len())
}
