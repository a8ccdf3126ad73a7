// Package app assembles the stores, caches and broker clients selected by
// configuration. The binaries under cmd/ share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/db"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/idempotency"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memstore"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverNone     = "none"
	DriverKafka    = "kafka"
	DriverRabbitMQ = "rabbitmq"
)

// OutboxStore is what the relay and the operator endpoints share.
type OutboxStore interface {
	outbox.Store
	handler.OutboxAdmin
}

// Storage is one backing store seen through every repository contract.
type Storage struct {
	Campaigns repository.CampaignRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	Customers repository.CustomerRepositoryInterface
	Outbox    OutboxStore
	// Ping reports store health for /healthz.
	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenStorage connects the driver named by STORAGE_DRIVER.
func OpenStorage(cfg *config.Config, log *logger.Logger) (*Storage, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case DriverPostgres, "":
		conn, err := db.Open(cfg, log)
		if err != nil {
			return nil, err
		}
		return PostgresStorage(conn), nil
	case DriverMemory:
		log.Logger.Warn("using in-memory storage, data is lost on exit")
		return MemoryStorage(memstore.New()), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func PostgresStorage(conn *sql.DB) *Storage {
	return &Storage{
		Campaigns: &repository.CampaignRepository{DB: conn},
		Templates: &repository.TemplateRepository{DB: conn},
		Customers: &repository.CustomerRepository{DB: conn},
		Outbox:    &repository.OutboxRepository{DB: conn},
		Ping:      conn.PingContext,
		Close:     conn.Close,
	}
}

func MemoryStorage(store *memstore.Store) *Storage {
	return &Storage{
		Campaigns: store,
		Templates: store,
		Customers: store,
		Outbox:    store,
		Ping:      func(context.Context) error { return nil },
		Close:     func() error { return nil },
	}
}

// OpenIdempotency returns the cache named by IDEMPOTENCY_DRIVER. "none"
// disables idempotency keys and yields a nil store.
func OpenIdempotency(ctx context.Context, cfg *config.Config, log *logger.Logger) (idempotency.Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.IdempotencyDriver) {
	case DriverRedis, "":
		client := idempotency.NewRedisClient(idempotency.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		// An unreachable Redis is not fatal: creates proceed without replay protection.
		if err := client.Ping(ctx).Err(); err != nil {
			log.Logger.Warn("redis ping failed, idempotency is best effort until it recovers", zap.Error(err))
		}
		return idempotency.NewRedisStore(client, cfg.IdempotencyTTL), client.Close, nil
	case DriverMemory:
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), noop, nil
	case DriverNone:
		return nil, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown idempotency driver %q", cfg.IdempotencyDriver)
}

// OpenBroker returns the client named by BROKER_DRIVER.
func OpenBroker(cfg *config.Config, log *logger.Logger) (broker.Client, error) {
	switch strings.ToLower(cfg.BrokerDriver) {
	case DriverKafka, "":
		client, err := broker.NewKafkaClient(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		return client, nil
	case DriverRabbitMQ:
		client, err := broker.NewRabbitClient(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		return client, nil
	case DriverMemory:
		b := broker.NewInMemory(log.Logger.Named("broker"))
		b.Subscribe(cfg.EventsTopic, LoggingConsumer(events.NewDeduper(time.Hour), log))
		return b, nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.BrokerDriver)
}

// LoggingConsumer decodes each delivery, drops redeliveries and logs the rest.
func LoggingConsumer(dedup *events.Deduper, log *logger.Logger) func(broker.Delivery) error {
	return func(d broker.Delivery) error {
		env, err := events.Decode(d.Message.Body)
		if err != nil {
			log.Logger.Warn("undecodable event", zap.String("messageId", d.Message.ID), zap.Error(err))
			return err
		}
		if !dedup.FirstDelivery(env) {
			log.Logger.Debug("duplicate event dropped", zap.String("eventId", env.EventID))
			return nil
		}
		log.Logger.Info("event delivered",
			zap.String("eventType", env.EventType),
			zap.String("campaignId", env.CampaignID),
			zap.String("eventId", env.EventID),
		)
		return nil
	}
}

// RelayConfig maps the RELAY_* settings onto the relay.
func RelayConfig(cfg *config.Config) outbox.Config {
	return outbox.Config{
		Topic:          cfg.EventsTopic,
		BatchSize:      cfg.Relay.BatchSize,
		Interval:       cfg.Relay.Interval,
		PublishTimeout: cfg.Relay.PublishTimeout,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		BackoffBase:    cfg.Relay.BackoffBase,
		BackoffMax:     cfg.Relay.BackoffMax,
		Lease:          cfg.Relay.Lease,
	}
}

// NewCampaignService wires the orchestrator over st.
func NewCampaignService(cfg *config.Config, st *Storage, cache idempotency.Store, log *logger.Logger) *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo: st.Campaigns,
		TemplateRepo: st.Templates,
		Audience:     audience.NewResolver(st.Customers),
		Outbox:       outbox.NewWriter(cfg.EventsTopic),
		Idempotency:  cache,
		Log:          log.Named("campaigns"),
	}
}

// NewScheduler wires the scheduled-campaign trigger.
func NewScheduler(cfg *config.Config, st *Storage, svc *service.CampaignService, log *logger.Logger) *service.Scheduler {
	return &service.Scheduler{
		Campaigns: st.Campaigns,
		Trigger:   svc,
		Interval:  cfg.Scheduler.Interval,
		BatchSize: cfg.Scheduler.BatchSize,
		Log:       log,
	}
}
