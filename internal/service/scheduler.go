package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// DueCampaignLister finds SCHEDULED campaigns whose send time has passed.
type DueCampaignLister interface {
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
}

type Triggerer interface {
	TriggerCampaign(ctx context.Context, id string, dryRun bool) (*TriggerResult, error)
}

// Scheduler triggers scheduled campaigns once they are due.
type Scheduler struct {
	Campaigns DueCampaignLister
	Trigger   Triggerer
	Interval  time.Duration
	BatchSize int
	Log       *logger.Logger
	Now       func() time.Time
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log.Logger.Named("scheduler")
}

// RunOnce triggers every due campaign in one batch and returns how many moved
// to SENDING. A Conflict means another worker got there first and is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 50
	}

	due, err := s.Campaigns.ListDueScheduled(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return triggered, ctx.Err()
		}
		res, err := s.Trigger.TriggerCampaign(ctx, c.ID, false)
		switch {
		case err == nil:
			triggered++
			s.logger().Info("scheduled campaign triggered",
				zap.String("campaign_id", c.ID),
				zap.Int("recipients", res.RecipientCount),
			)
		case errors.Is(err, appErrors.ErrConflict):
			s.logger().Debug("scheduled campaign already triggered", zap.String("campaign_id", c.ID))
		default:
			s.logger().Warn("trigger scheduled campaign", zap.String("campaign_id", c.ID), zap.Error(err))
		}
	}
	return triggered, nil
}

// Run calls RunOnce every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("scheduler cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
