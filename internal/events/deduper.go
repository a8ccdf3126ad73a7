package events

import (
	"sync"
	"time"
)

// Deduper drops events a consumer has already handled. Delivery is
// at-least-once, so consumers are expected to run every event through one.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Key prefers the envelope's dedupKey and falls back to event type plus campaign id.
func (d *Deduper) Key(env *Envelope) string {
	if env.DedupKey != "" {
		return env.DedupKey
	}
	return env.EventType + "|" + env.CampaignID
}

// FirstDelivery records env and reports whether it had not been seen within the TTL.
func (d *Deduper) FirstDelivery(env *Envelope) bool {
	key := d.Key(env)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > 10000 {
		d.evict(now)
	}
	return true
}

func (d *Deduper) evict(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	for key, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
