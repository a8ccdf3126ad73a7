// cmd/server/main.go
package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
)

func main() {
	cfg := config.LoadConfig()
	logg := logger.New(cfg.AppMode)
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Logger.Error("server exited", zap.Error(err))
		logg.Sync()
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	st, err := app.OpenStorage(cfg, logg)
	if err != nil {
		return err
	}
	defer st.Close()

	cache, closeCache, err := app.OpenIdempotency(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer closeCache()

	campaignService := app.NewCampaignService(cfg, st, cache, logg)

	campaignController := &controller.CampaignController{
		CampaignService: campaignService,
		Log:             logg,
	}
	outboxHandler := handler.NewOutboxHandler(st.Outbox, logg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	// In-memory storage is private to this process, so the relay and the
	// scheduler have to run here too.
	if strings.EqualFold(cfg.StorageDriver, app.DriverMemory) {
		client, err := app.OpenBroker(cfg, logg)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := outbox.NewRelay(st.Outbox, client, app.RelayConfig(cfg), logg)
		scheduler := app.NewScheduler(cfg, st, campaignService, logg)
		wg.Add(2)
		go func() { defer wg.Done(); relay.Run(ctx) }()
		go func() { defer wg.Done(); scheduler.Run(ctx) }()
	}

	router := app.NewRouter(campaignController, outboxHandler, st.Ping, logg)
	err = app.Serve(ctx, cfg.AppPort, router, logg)
	cancel()
	wg.Wait()
	return err
}
