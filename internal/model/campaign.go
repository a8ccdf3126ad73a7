// internal/model/campaign.go
package model

import (
    "fmt"
    "strings"
    "time"
)

type CampaignType string

const (
    CampaignTypeWhatsApp CampaignType = "whatsapp"
    CampaignTypeSMS      CampaignType = "sms"
    CampaignTypeEmail    CampaignType = "email"
    CampaignTypeSocial   CampaignType = "social"
)

func (t CampaignType) IsValid() bool {
    switch t {
    case CampaignTypeWhatsApp, CampaignTypeSMS, CampaignTypeEmail, CampaignTypeSocial:
        return true
    }
    return false
}

type CampaignStatus string

const (
    StatusDraft     CampaignStatus = "DRAFT"
    StatusScheduled CampaignStatus = "SCHEDULED"
    StatusSending   CampaignStatus = "SENDING"
    StatusSent      CampaignStatus = "SENT"
    StatusFailed    CampaignStatus = "FAILED"
    // StatusCancelled is reserved; nothing transitions into it.
    StatusCancelled CampaignStatus = "CANCELLED"
)

// ParseCampaignStatus accepts any casing ("sent", "SENT").
func ParseCampaignStatus(raw string) (CampaignStatus, error) {
    status := CampaignStatus(strings.ToUpper(strings.TrimSpace(raw)))
    if _, ok := statusRank[status]; !ok {
        return "", fmt.Errorf("unknown campaign status %q", raw)
    }
    return status, nil
}

var statusRank = map[CampaignStatus]int{
    StatusDraft:     0,
    StatusScheduled: 1,
    StatusSending:   2,
    StatusSent:      3,
    StatusFailed:    3,
    StatusCancelled: 3,
}

func (s CampaignStatus) IsTerminal() bool {
    return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// IsTriggerable reports whether a campaign in this status may be triggered.
func (s CampaignStatus) IsTriggerable() bool {
    return s == StatusDraft || s == StatusScheduled
}

// CanTransitionTo enforces forward-only movement through the lifecycle.
// Repeating the current status is allowed so delivery reports can be re-sent.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
    from, ok := statusRank[s]
    if !ok {
        return false
    }
    to, ok := statusRank[next]
    if !ok || next == StatusCancelled {
        return false
    }
    if s.IsTerminal() {
        return next == s
    }
    return to >= from
}

// StatusesAllowing lists every status that may move to next, in rank order.
func StatusesAllowing(next CampaignStatus) []CampaignStatus {
    var out []CampaignStatus
    for _, s := range []CampaignStatus{StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed, StatusCancelled} {
        if s.CanTransitionTo(next) {
            out = append(out, s)
        }
    }
    return out
}

// InitialStatus is SCHEDULED when a send time was supplied, DRAFT otherwise.
func InitialStatus(scheduledAt *time.Time) CampaignStatus {
    if scheduledAt != nil {
        return StatusScheduled
    }
    return StatusDraft
}

type Campaign struct {
    ID             string            `db:"id" json:"id"`
    Name           string            `db:"name" json:"name"`
    Type           CampaignType      `db:"type" json:"type"`
    Content        string            `db:"content" json:"content"`
    TemplateID     *string           `db:"template_id" json:"templateId,omitempty"`
    Template       *Template         `db:"-" json:"template,omitempty"`
    Status         CampaignStatus    `db:"status" json:"status"`
    ScheduledAt    *time.Time        `db:"scheduled_at" json:"scheduledAt"`
    TargetAudience *AudienceCriteria `db:"target_audience" json:"targetAudience"`
    CreatedAt      time.Time         `db:"created_at" json:"createdAt"`
    UpdatedAt      time.Time         `db:"updated_at" json:"updatedAt"`
}

// CampaignFilter narrows a campaign listing; empty fields match everything.
type CampaignFilter struct {
    Type   CampaignType
    Status CampaignStatus
}

type Template struct {
    ID   string       `db:"id" json:"id"`
    Name string       `db:"name" json:"name"`
    Type CampaignType `db:"type" json:"type"`
    Body string       `db:"body" json:"body"`
}
