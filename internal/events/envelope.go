// Package events defines the wire format of campaign lifecycle events.
//
// An event is the outbox payload object with metadata fields added alongside:
//
//	{"eventId":"...","eventType":"campaign.created","version":"1.0",
//	 "source":"campaign-service","occurredAt":"...","dedupKey":"...",
//	 "campaignId":"...", ...}
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	Version = "1.0"
	Source  = "campaign-service"

	HeaderEventType    = "event-type"
	HeaderEventVersion = "event-version"
	HeaderEventSource  = "event-source"
)

var reservedFields = []string{"eventId", "eventType", "version", "source", "occurredAt", "dedupKey"}

var ErrUnsupportedVersion = errors.New("unsupported event version")

// Envelope is a decoded event.
type Envelope struct {
	EventID    string
	EventType  string
	Version    string
	Source     string
	OccurredAt time.Time
	DedupKey   string
	CampaignID string
	// Fields holds every field of the event, metadata included.
	Fields map[string]json.RawMessage
}

// DedupKey identifies an event by type, aggregate and payload content, so a
// redelivered event maps to the same key.
func DedupKey(eventType, aggregateID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write([]byte(aggregateID))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode renders an outbox entry as a wire event.
func Encode(entry *model.OutboxEntry) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not a JSON object: %w", entry.ID, err)
		}
	}
	for _, name := range reservedFields {
		delete(fields, name)
	}

	meta := map[string]any{
		"eventId":    entry.ID,
		"eventType":  entry.EventType,
		"version":    Version,
		"source":     Source,
		"occurredAt": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		"dedupKey":   DedupKey(entry.EventType, entry.AggregateID, entry.Payload),
	}
	for name, value := range meta {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}
	if _, ok := fields["campaignId"]; !ok && entry.AggregateID != "" {
		raw, _ := json.Marshal(entry.AggregateID)
		fields["campaignId"] = raw
	}
	return json.Marshal(fields)
}

// Headers are the transport headers sent with an encoded event.
func Headers(entry *model.OutboxEntry) map[string]string {
	return map[string]string{
		HeaderEventType:    entry.EventType,
		HeaderEventVersion: Version,
		HeaderEventSource:  Source,
	}
}

// Decode parses a wire event. Unknown fields are kept; an unknown event type or
// a different major version is an error.
func Decode(data []byte) (*Envelope, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	env := &Envelope{Fields: fields}
	for name, dst := range map[string]*string{
		"eventId":    &env.EventID,
		"eventType":  &env.EventType,
		"version":    &env.Version,
		"source":     &env.Source,
		"dedupKey":   &env.DedupKey,
		"campaignId": &env.CampaignID,
	} {
		if raw, ok := fields[name]; ok {
			if err := json.Unmarshal(raw, dst); err != nil {
				return nil, fmt.Errorf("decode event field %s: %w", name, err)
			}
		}
	}
	if raw, ok := fields["occurredAt"]; ok {
		if err := json.Unmarshal(raw, &env.OccurredAt); err != nil {
			return nil, fmt.Errorf("decode event field occurredAt: %w", err)
		}
	}

	if !model.IsKnownEventType(env.EventType) {
		return nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
	if major(env.Version) != major(Version) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	return env, nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
