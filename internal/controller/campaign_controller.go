// internal/controller/campaign_controller.go
package controller

import (
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"

    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/logger"
    "github.com/unclebandit/campaign-dispatch/internal/model"
    "github.com/unclebandit/campaign-dispatch/internal/service"
)

// IdempotencyKeyHeader carries the client's idempotency key for POST /campaigns.
const IdempotencyKeyHeader = "Idempotency-Key"

type CampaignController struct {
    CampaignService *service.CampaignService
    Log             *logger.Logger
}

// RegisterRoutes mounts the campaign endpoints on r.
func (c *CampaignController) RegisterRoutes(r chi.Router) {
    r.Route("/campaigns", func(r chi.Router) {
        r.Post("/", c.CreateCampaign)
        r.Get("/", c.ListCampaigns)
        r.Get("/{id}", c.GetCampaign)
        r.Post("/{id}/trigger", c.TriggerCampaign)
        r.Patch("/{id}/status", c.UpdateCampaignStatus)
    })
}

type audienceRequest struct {
    Tags             []string `json:"tags" validate:"omitempty,dive,required"`
    LoyaltyPointsMin *int     `json:"loyaltyPointsMin" validate:"omitempty,min=0"`
    LastOrderDaysAgo *int     `json:"lastOrderDaysAgo" validate:"omitempty,min=0"`
}

type createCampaignRequest struct {
    Name           string           `json:"name" validate:"required,max=255"`
    Type           string           `json:"type" validate:"required,oneof=whatsapp sms email social"`
    Content        string           `json:"content" validate:"required"`
    TemplateID     *string          `json:"templateId" validate:"omitempty,min=1"`
    ScheduledAt    *time.Time       `json:"scheduledAt"`
    TargetAudience *audienceRequest `json:"targetAudience"`
    IdempotencyKey string           `json:"idempotencyKey" validate:"max=255"`
}

func (req createCampaignRequest) input() service.CreateCampaignInput {
    in := service.CreateCampaignInput{
        Name:        req.Name,
        Type:        model.CampaignType(req.Type),
        Content:     req.Content,
        TemplateID:  req.TemplateID,
        ScheduledAt: req.ScheduledAt,
    }
    if req.TargetAudience != nil {
        in.TargetAudience = &model.AudienceCriteria{
            Tags:             req.TargetAudience.Tags,
            LoyaltyPointsMin: req.TargetAudience.LoyaltyPointsMin,
            LastOrderDaysAgo: req.TargetAudience.LastOrderDaysAgo,
        }
    }
    return in
}

// CreateCampaign handles POST /campaigns. The Idempotency-Key header wins over
// the body's idempotencyKey.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
    var body createCampaignRequest
    if err := decodeJSON(r, &body); err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    if err := ValidateRequest(body); err != nil {
        WriteError(w, r, c.Log, err)
        return
    }

    key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
    if key == "" {
        key = body.IdempotencyKey
    }

    campaign, err := c.CampaignService.CreateCampaign(r.Context(), body.input(), key)
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    WriteJSON(w, http.StatusCreated, campaign)
}

// ListCampaigns handles GET /campaigns?type=&status=&page=&limit=.
func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    page, err := queryInt(q.Get("page"), "page")
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    limit, err := queryInt(q.Get("limit"), "limit")
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }

    filter := model.CampaignFilter{
        Type:   model.CampaignType(strings.ToLower(q.Get("type"))),
        Status: model.CampaignStatus(q.Get("status")),
    }
    result, err := c.CampaignService.ListCampaigns(r.Context(), filter, page, limit)
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    WriteJSON(w, http.StatusOK, result)
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
    campaign, err := c.CampaignService.GetCampaign(r.Context(), chi.URLParam(r, "id"))
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    WriteJSON(w, http.StatusOK, campaign)
}

type triggerRequest struct {
    DryRun bool `json:"dryRun"`
}

// TriggerCampaign handles POST /campaigns/{id}/trigger. dryRun comes from the
// query string or the body.
func (c *CampaignController) TriggerCampaign(w http.ResponseWriter, r *http.Request) {
    var body triggerRequest
    if err := decodeJSON(r, &body); err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    dryRun := body.DryRun
    if raw := r.URL.Query().Get("dryRun"); raw != "" {
        v, err := strconv.ParseBool(raw)
        if err != nil {
            WriteError(w, r, c.Log, appErrors.NewValidation("dryRun", "must be true or false"))
            return
        }
        dryRun = v
    }

    result, err := c.CampaignService.TriggerCampaign(r.Context(), chi.URLParam(r, "id"), dryRun)
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    WriteJSON(w, http.StatusOK, result)
}

type statusRequest struct {
    Status string `json:"status" validate:"required"`
}

// UpdateCampaignStatus handles PATCH /campaigns/{id}/status.
func (c *CampaignController) UpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
    var body statusRequest
    if err := decodeJSON(r, &body); err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    if err := ValidateRequest(body); err != nil {
        WriteError(w, r, c.Log, err)
        return
    }

    campaign, err := c.CampaignService.UpdateCampaignStatus(r.Context(), chi.URLParam(r, "id"), body.Status)
    if err != nil {
        WriteError(w, r, c.Log, err)
        return
    }
    WriteJSON(w, http.StatusOK, campaign)
}

func queryInt(raw, field string) (int, error) {
    if raw == "" {
        return 0, nil
    }
    v, err := strconv.Atoi(raw)
    if err != nil {
        return 0, appErrors.NewValidation(field, "must be an integer")
    }
    return v, nil
}
