// internal/service/campaign_service.go
package service

import (
    "context"
    "encoding/json"
    "strings"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/unclebandit/campaign-dispatch/internal/audience"
    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/idempotency"
    "github.com/unclebandit/campaign-dispatch/internal/logger"
    "github.com/unclebandit/campaign-dispatch/internal/model"
    "github.com/unclebandit/campaign-dispatch/internal/outbox"
    "github.com/unclebandit/campaign-dispatch/internal/repository"
)

const (
    DefaultPageSize = 20
    MaxPageSize     = 100
    // DryRunSampleSize caps the recipients echoed back by a dry run.
    DryRunSampleSize = 10
)

// AudienceResolver turns targeting criteria into recipients.
type AudienceResolver interface {
    Resolve(ctx context.Context, criteria *model.AudienceCriteria) ([]model.Recipient, error)
}

// CampaignService is the campaign orchestrator. Every mutation is written
// together with its outbox event in one unit of work.
type CampaignService struct {
    CampaignRepo repository.CampaignRepositoryInterface
    TemplateRepo repository.TemplateRepositoryInterface
    Audience     AudienceResolver
    Outbox       *outbox.Writer
    // Idempotency may be nil, in which case keys are ignored.
    Idempotency idempotency.Store
    Log         *logger.Logger
    Now         func() time.Time
}

type CreateCampaignInput struct {
    Name           string
    Type           model.CampaignType
    Content        string
    TemplateID     *string
    ScheduledAt    *time.Time
    TargetAudience *model.AudienceCriteria
}

type Pagination struct {
    Page  int `json:"page"`
    Limit int `json:"limit"`
    Total int `json:"total"`
    Pages int `json:"pages"`
}

type CampaignPage struct {
    Items      []*model.Campaign `json:"items"`
    Pagination Pagination        `json:"pagination"`
}

type TriggerResult struct {
    CampaignID     string            `json:"campaignId"`
    RecipientCount int               `json:"recipientCount"`
    Recipients     []model.Recipient `json:"recipients,omitempty"`
    Status         string            `json:"status,omitempty"`
    DryRun         bool              `json:"dryRun,omitempty"`
}

// TriggerStatusTriggered is reported by a successful non-dry-run trigger.
const TriggerStatusTriggered = "triggered"

func (s *CampaignService) now() time.Time {
    if s.Now != nil {
        return s.Now().UTC()
    }
    return time.Now().UTC()
}

func (s *CampaignService) log(ctx context.Context) *zap.Logger {
    if s.Log == nil {
        return zap.NewNop()
    }
    return s.Log.WithContext(ctx)
}

// ====================== Create ======================

// CreateCampaign stores a campaign and its campaign.created event. With an
// idempotency key, a repeated call within the TTL returns the first response
// without touching the store.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput, idempotencyKey string) (*model.Campaign, error) {
    idempotencyKey = strings.TrimSpace(idempotencyKey)
    if idempotencyKey == "" || s.Idempotency == nil {
        return s.createCampaign(ctx, in)
    }

    reservation, err := s.Idempotency.Reserve(ctx, idempotencyKey)
    if err != nil {
        s.log(ctx).Warn("idempotency cache unavailable, creating without it",
            zap.String("idempotency_key", idempotencyKey), zap.Error(err))
        return s.createCampaign(ctx, in)
    }

    switch reservation.State {
    case idempotency.Completed:
        var cached model.Campaign
        if err := json.Unmarshal(reservation.Snapshot, &cached); err != nil {
            return nil, appErrors.NewUnavailable("decode cached response", err)
        }
        s.log(ctx).Info("replayed idempotent create",
            zap.String("idempotency_key", idempotencyKey), zap.String("campaign_id", cached.ID))
        return &cached, nil
    case idempotency.InFlight:
        return nil, appErrors.NewConflict("a request with idempotency key %q is already in progress", idempotencyKey)
    }

    campaign, err := s.createCampaign(ctx, in)
    // The cache is updated outside the transaction, so failures here are only logged.
    cacheCtx := context.WithoutCancel(ctx)
    if err != nil {
        if relErr := s.Idempotency.Release(cacheCtx, reservation); relErr != nil {
            s.log(ctx).Warn("release idempotency key", zap.String("idempotency_key", idempotencyKey), zap.Error(relErr))
        }
        return nil, err
    }
    snapshot, err := json.Marshal(campaign)
    if err == nil {
        err = s.Idempotency.Complete(cacheCtx, reservation, snapshot)
    }
    if err != nil {
        s.log(ctx).Warn("store idempotent response", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
    }
    return campaign, nil
}

func (s *CampaignService) createCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
    if err := validateCreate(in); err != nil {
        return nil, err
    }

    var template *model.Template
    if in.TemplateID != nil {
        t, err := s.TemplateRepo.GetTemplate(ctx, *in.TemplateID)
        if err != nil {
            return nil, appErrors.NewUnavailable("get template", err)
        }
        if t.Type != in.Type {
            return nil, appErrors.NewTemplateTypeMismatch(string(in.Type), string(t.Type))
        }
        template = t
    }

    now := s.now()
    campaign := &model.Campaign{
        ID:             uuid.NewString(),
        Name:           strings.TrimSpace(in.Name),
        Type:           in.Type,
        Content:        in.Content,
        TemplateID:     in.TemplateID,
        Status:         model.InitialStatus(in.ScheduledAt),
        ScheduledAt:    in.ScheduledAt,
        TargetAudience: in.TargetAudience,
        CreatedAt:      now,
        UpdatedAt:      now,
    }

    err := s.CampaignRepo.Transact(ctx, func(tx repository.CampaignTx) error {
        if err := tx.InsertCampaign(ctx, campaign); err != nil {
            return err
        }
        _, err := s.Outbox.Append(ctx, tx, model.EventCampaignCreated, campaign.ID, map[string]any{
            "campaignId":     campaign.ID,
            "name":           campaign.Name,
            "type":           campaign.Type,
            "status":         campaign.Status,
            "scheduledAt":    campaign.ScheduledAt,
            "targetAudience": campaign.TargetAudience,
        })
        return err
    })
    if err != nil {
        return nil, appErrors.NewUnavailable("create campaign", err)
    }

    campaign.Template = template
    s.log(ctx).Info("campaign created",
        zap.String("campaign_id", campaign.ID),
        zap.String("type", string(campaign.Type)),
        zap.String("status", string(campaign.Status)),
    )
    return campaign, nil
}

func validateCreate(in CreateCampaignInput) error {
    if strings.TrimSpace(in.Name) == "" {
        return appErrors.NewValidation("name", "is required")
    }
    if !in.Type.IsValid() {
        return appErrors.NewValidation("type", "must be one of whatsapp, sms, email, social")
    }
    if strings.TrimSpace(in.Content) == "" {
        return appErrors.NewValidation("content", "is required")
    }
    if in.TemplateID != nil && strings.TrimSpace(*in.TemplateID) == "" {
        return appErrors.NewValidation("templateId", "must not be empty")
    }
    return audience.Validate(in.TargetAudience)
}

// ====================== Read ======================

// ListCampaigns returns one page, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context, filter model.CampaignFilter, page, limit int) (*CampaignPage, error) {
    if filter.Type != "" && !filter.Type.IsValid() {
        return nil, appErrors.NewValidation("type", "unknown campaign type")
    }
    if filter.Status != "" {
        status, err := model.ParseCampaignStatus(string(filter.Status))
        if err != nil {
            return nil, appErrors.NewValidation("status", err.Error())
        }
        filter.Status = status
    }
    if page < 1 {
        page = 1
    }
    if limit < 1 {
        limit = DefaultPageSize
    }
    if limit > MaxPageSize {
        limit = MaxPageSize
    }
    offset := (page - 1) * limit

    items, total, err := s.CampaignRepo.ListCampaigns(ctx, filter, offset, limit)
    if err != nil {
        return nil, appErrors.NewUnavailable("list campaigns", err)
    }
    if items == nil {
        items = []*model.Campaign{}
    }

    return &CampaignPage{
        Items: items,
        Pagination: Pagination{
            Page:  page,
            Limit: limit,
            Total: total,
            Pages: (total + limit - 1) / limit,
        },
    }, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
    c, err := s.CampaignRepo.GetByID(ctx, id)
    if err != nil {
        return nil, appErrors.NewUnavailable("get campaign", err)
    }
    return c, nil
}

// ====================== Trigger ======================

// TriggerCampaign resolves the audience and moves the campaign to SENDING with a
// campaign.triggered event. A dry run only reports the audience.
func (s *CampaignService) TriggerCampaign(ctx context.Context, id string, dryRun bool) (*TriggerResult, error) {
    campaign, err := s.GetCampaign(ctx, id)
    if err != nil {
        return nil, err
    }
    if !dryRun && !campaign.Status.IsTriggerable() {
        return nil, appErrors.NewConflict("campaign %s is %s and cannot be triggered", id, campaign.Status)
    }

    recipients, err := s.Audience.Resolve(ctx, campaign.TargetAudience)
    if err != nil {
        return nil, err
    }

    if dryRun {
        sample := recipients
        if len(sample) > DryRunSampleSize {
            sample = sample[:DryRunSampleSize]
        }
        return &TriggerResult{
            CampaignID:     campaign.ID,
            RecipientCount: len(recipients),
            Recipients:     sample,
            DryRun:         true,
        }, nil
    }

    type recipientPayload struct {
        CustomerID string `json:"customerId"`
        Name       string `json:"name"`
        Phone      string `json:"phone"`
        Email      string `json:"email,omitempty"`
    }
    payloadRecipients := make([]recipientPayload, 0, len(recipients))
    for _, r := range recipients {
        payloadRecipients = append(payloadRecipients, recipientPayload{
            CustomerID: r.ID, Name: r.Name, Phone: r.Phone, Email: r.Email,
        })
    }

    // The conditional transition settles races between concurrent triggers.
    err = s.CampaignRepo.Transact(ctx, func(tx repository.CampaignTx) error {
        _, err := tx.TransitionCampaignStatus(ctx, campaign.ID,
            []model.CampaignStatus{model.StatusDraft, model.StatusScheduled}, model.StatusSending, s.now())
        if err != nil {
            return err
        }
        _, err = s.Outbox.Append(ctx, tx, model.EventCampaignTriggered, campaign.ID, map[string]any{
            "campaignId": campaign.ID,
            "name":       campaign.Name,
            "type":       campaign.Type,
            "content":    campaign.Content,
            "recipients": payloadRecipients,
        })
        return err
    })
    if err != nil {
        return nil, appErrors.NewUnavailable("trigger campaign", err)
    }

    s.log(ctx).Info("campaign triggered",
        zap.String("campaign_id", campaign.ID),
        zap.Int("recipients", len(recipients)),
    )
    return &TriggerResult{
        CampaignID:     campaign.ID,
        RecipientCount: len(recipients),
        Status:         TriggerStatusTriggered,
    }, nil
}

// ====================== Status ======================

// UpdateCampaignStatus applies an externally reported status. Moves go forward
// only; repeating the current status is accepted and emits another event.
func (s *CampaignService) UpdateCampaignStatus(ctx context.Context, id string, status string) (*model.Campaign, error) {
    next, err := model.ParseCampaignStatus(status)
    if err != nil {
        return nil, appErrors.NewValidation("status", err.Error())
    }
    if next == model.StatusCancelled {
        return nil, appErrors.NewValidation("status", "CANCELLED is reserved")
    }

    var updated *model.Campaign
    err = s.CampaignRepo.Transact(ctx, func(tx repository.CampaignTx) error {
        c, err := tx.TransitionCampaignStatus(ctx, id, model.StatusesAllowing(next), next, s.now())
        if err != nil {
            return err
        }
        _, err = s.Outbox.Append(ctx, tx, model.EventCampaignStatusUpdated, c.ID, map[string]any{
            "campaignId": c.ID,
            "status":     c.Status,
            "updatedAt":  c.UpdatedAt,
        })
        if err != nil {
            return err
        }
        updated = c
        return nil
    })
    if err != nil {
        return nil, appErrors.NewUnavailable("update campaign status", err)
    }

    s.log(ctx).Info("campaign status updated",
        zap.String("campaign_id", updated.ID),
        zap.String("status", string(updated.Status)),
    )
    return updated, nil
}
