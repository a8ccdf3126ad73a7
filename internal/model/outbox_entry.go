// internal/model/outbox_entry.go
package model

import (
    "encoding/json"
    "time"
)

type OutboxStatus string

const (
    OutboxPending OutboxStatus = "PENDING"
    OutboxSent    OutboxStatus = "SENT"
    OutboxFailed  OutboxStatus = "FAILED"
    OutboxDead    OutboxStatus = "DEAD"
)

func (s OutboxStatus) IsValid() bool {
    switch s {
    case OutboxPending, OutboxSent, OutboxFailed, OutboxDead:
        return true
    }
    return false
}

// Event types carried on the wire.
const (
    EventCampaignCreated       = "campaign.created"
    EventCampaignTriggered     = "campaign.triggered"
    EventCampaignStatusUpdated = "campaign.status_updated"
    EventCampaignLaunched      = "campaign.launched"
    EventCampaignCompleted     = "campaign.completed"
)

func IsKnownEventType(eventType string) bool {
    switch eventType {
    case EventCampaignCreated, EventCampaignTriggered, EventCampaignStatusUpdated,
        EventCampaignLaunched, EventCampaignCompleted:
        return true
    }
    return false
}

type OutboxEntry struct {
    ID            string          `db:"id" json:"id"`
    Seq           int64           `db:"seq" json:"seq"`
    Topic         string          `db:"topic" json:"topic"`
    EventType     string          `db:"event_type" json:"eventType"`
    AggregateID   string          `db:"aggregate_id" json:"aggregateId"`
    Payload       json.RawMessage `db:"payload" json:"payload"`
    Status        OutboxStatus    `db:"status" json:"status"`
    Attempts      int             `db:"attempts" json:"attempts"`
    LastError     string          `db:"last_error" json:"lastError,omitempty"`
    NextAttemptAt time.Time       `db:"next_attempt_at" json:"nextAttemptAt"`
    LockedUntil   *time.Time      `db:"locked_until" json:"lockedUntil,omitempty"`
    ClaimToken    *string         `db:"claim_token" json:"-"`
    CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
    UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
    SentAt        *time.Time      `db:"sent_at" json:"sentAt,omitempty"`
}
