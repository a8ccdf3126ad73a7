// Package memstore is an in-process implementation of the repository
// contracts. It backs STORAGE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// Store operations that can be made to fail with FailOn.
const (
	OpInsertCampaign    = "InsertCampaign"
	OpTransition        = "TransitionCampaignStatus"
	OpInsertOutboxEntry = "InsertOutboxEntry"
	OpGetCampaign       = "GetByID"
	OpClaim             = "Claim"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	templates map[string]*model.Template
	customers map[string]model.Customer
	lastOrder map[string]time.Time
	outbox    []*model.OutboxEntry
	seq       int64
	failures  map[string]error
}

func New() *Store {
	return &Store{
		campaigns: make(map[string]*model.Campaign),
		templates: make(map[string]*model.Template),
		customers: make(map[string]model.Customer),
		lastOrder: make(map[string]time.Time),
		failures:  make(map[string]error),
	}
}

// FailOn makes op return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) AddTemplate(t model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = &t
}

func (s *Store) AddCustomer(c model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Tags = append([]string(nil), c.Tags...)
	s.customers[c.ID] = c
}

// AddOrder records an order placed by customerID at the given time.
func (s *Store) AddOrder(customerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastOrder[customerID]; !ok || at.After(last) {
		s.lastOrder[customerID] = at
	}
}

// Entries returns copies of every outbox row in seq order.
func (s *Store) Entries() []model.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEntry, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, *cloneEntry(e))
	}
	return out
}

// EntriesFor returns the outbox rows of one aggregate in seq order.
func (s *Store) EntriesFor(aggregateID string) []model.OutboxEntry {
	var out []model.OutboxEntry
	for _, e := range s.Entries() {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) CampaignCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.campaigns)
}

// ====================== Campaigns ======================

func (s *Store) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpGetCampaign]; err != nil {
		return nil, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return s.withTemplate(c), nil
}

func (s *Store) ListCampaigns(_ context.Context, filter model.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []*model.Campaign{}
	for _, c := range s.campaigns {
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit < 0 || end > total {
		end = total
	}
	page := make([]*model.Campaign, 0, end-offset)
	for _, c := range matched[offset:end] {
		page = append(page, s.withTemplate(c))
	}
	return page, total, nil
}

func (s *Store) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := []*model.Campaign{}
	for _, c := range s.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, s.withTemplate(c))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) withTemplate(c *model.Campaign) *model.Campaign {
	cp := cloneCampaign(c)
	if cp.TemplateID != nil {
		if t, ok := s.templates[*cp.TemplateID]; ok {
			tc := *t
			cp.Template = &tc
		}
	}
	return cp
}

// ====================== Unit of work ======================

// Transact holds the store lock for the whole of fn and applies the staged
// writes only if fn returns nil.
func (s *Store) Transact(ctx context.Context, fn func(tx repository.CampaignTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, campaigns: map[string]*model.Campaign{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, c := range tx.campaigns {
		s.campaigns[id] = c
	}
	for _, e := range tx.outbox {
		s.seq++
		e.Seq = s.seq
		s.outbox = append(s.outbox, e)
	}
	return nil
}

type memTx struct {
	store     *Store
	campaigns map[string]*model.Campaign
	outbox    []*model.OutboxEntry
}

func (t *memTx) lookup(id string) (*model.Campaign, bool) {
	if c, ok := t.campaigns[id]; ok {
		return c, true
	}
	c, ok := t.store.campaigns[id]
	return c, ok
}

func (t *memTx) InsertCampaign(_ context.Context, c *model.Campaign) error {
	if err := t.store.failures[OpInsertCampaign]; err != nil {
		return err
	}
	if _, exists := t.lookup(c.ID); exists {
		return appErrors.NewConflict("campaign %s already exists", c.ID)
	}
	if c.TemplateID != nil {
		if _, ok := t.store.templates[*c.TemplateID]; !ok {
			return appErrors.NewTemplateNotFound(*c.TemplateID)
		}
	}
	cp := cloneCampaign(c)
	cp.Template = nil
	t.campaigns[c.ID] = cp
	return nil
}

func (t *memTx) TransitionCampaignStatus(_ context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
	if err := t.store.failures[OpTransition]; err != nil {
		return nil, err
	}
	current, ok := t.lookup(id)
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, appErrors.NewConflict("campaign %s is %s and cannot move to %s", id, current.Status, to)
	}

	next := cloneCampaign(current)
	next.Status = to
	next.UpdatedAt = at
	t.campaigns[id] = next
	return t.store.withTemplate(next), nil
}

func (t *memTx) InsertOutboxEntry(_ context.Context, e *model.OutboxEntry) error {
	if err := t.store.failures[OpInsertOutboxEntry]; err != nil {
		return err
	}
	t.outbox = append(t.outbox, cloneEntry(e))
	return nil
}

// ====================== Recipient directory ======================

func (s *Store) FindRecipients(_ context.Context, q model.RecipientQuery) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Recipient{}
	for _, c := range s.customers {
		var last *time.Time
		if at, ok := s.lastOrder[c.ID]; ok {
			last = &at
		}
		if audience.Matches(c, last, q) {
			out = append(out, c.Recipient())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	if c.TemplateID != nil {
		id := *c.TemplateID
		cp.TemplateID = &id
	}
	if c.ScheduledAt != nil {
		at := *c.ScheduledAt
		cp.ScheduledAt = &at
	}
	if c.TargetAudience != nil {
		a := *c.TargetAudience
		a.Tags = append([]string(nil), c.TargetAudience.Tags...)
		if a.LoyaltyPointsMin != nil {
			v := *a.LoyaltyPointsMin
			a.LoyaltyPointsMin = &v
		}
		if a.LastOrderDaysAgo != nil {
			v := *a.LastOrderDaysAgo
			a.LastOrderDaysAgo = &v
		}
		cp.TargetAudience = &a
	}
	if c.Template != nil {
		t := *c.Template
		cp.Template = &t
	}
	return &cp
}

var (
	_ repository.CampaignRepositoryInterface = (*Store)(nil)
	_ repository.TemplateRepositoryInterface = (*Store)(nil)
	_ repository.CustomerRepositoryInterface = (*Store)(nil)
	_ repository.OutboxRepositoryInterface   = (*Store)(nil)
)
