package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func main() {
	cfg := config.LoadConfig()
	logg := logger.New(cfg.AppMode)
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStorage(cfg, logg)
	if err != nil {
		log.Fatal("failed to open storage: ", err)
	}
	defer st.Close()

	client, err := app.OpenBroker(cfg, logg)
	if err != nil {
		log.Fatal("failed to connect to broker: ", err)
	}
	defer client.Close()

	// Scheduled triggers skip idempotency keys, so no cache is needed here.
	campaignService := app.NewCampaignService(cfg, st, nil, logg)

	w := &Worker{
		Relay:     outbox.NewRelay(st.Outbox, client, app.RelayConfig(cfg), logg),
		Scheduler: app.NewScheduler(cfg, st, campaignService, logg),
		Log:       logg,
	}
	logg.Logger.Info("worker running",
		zap.String("broker", cfg.BrokerDriver),
		zap.String("topic", cfg.EventsTopic),
	)
	w.Run(ctx)
	logg.Logger.Info("worker stopped")
}

type loop interface {
	Run(ctx context.Context) error
}

// Worker runs the outbox relay and the scheduled-campaign trigger side by side.
type Worker struct {
	Relay     loop
	Scheduler loop
	Log       *logger.Logger
}

var (
	_ loop = (*outbox.Relay)(nil)
	_ loop = (*service.Scheduler)(nil)
)

// Run blocks until ctx is cancelled and both loops have returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, l := range map[string]loop{"relay": w.Relay, "scheduler": w.Scheduler} {
		if l == nil {
			continue
		}
		wg.Add(1)
		go func(name string, l loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.Log.Logger.Error("loop stopped", zap.String("loop", name), zap.Error(err))
			}
		}(name, l)
	}
	wg.Wait()
}
