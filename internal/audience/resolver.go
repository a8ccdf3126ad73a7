// Package audience turns campaign targeting criteria into a recipient list.
package audience

import (
	"context"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// Directory finds opted-in customers matching a query. Every populated field of
// the query must hold for a customer to be returned.
type Directory interface {
	FindRecipients(ctx context.Context, q model.RecipientQuery) ([]model.Recipient, error)
}

type Resolver struct {
	directory Directory
	now       func() time.Time
}

func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory, now: time.Now}
}

// WithClock overrides the time source used for lastOrderDaysAgo.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the recipients for criteria. Nil criteria selects every
// opted-in customer.
func (r *Resolver) Resolve(ctx context.Context, criteria *model.AudienceCriteria) ([]model.Recipient, error) {
	q, err := r.Query(criteria)
	if err != nil {
		return nil, err
	}
	recipients, err := r.directory.FindRecipients(ctx, q)
	if err != nil {
		return nil, appErrors.NewUnavailable("resolve audience", err)
	}
	if recipients == nil {
		recipients = []model.Recipient{}
	}
	return recipients, nil
}

// Query normalizes criteria. Zero values and an empty tag list apply no filter.
func (r *Resolver) Query(criteria *model.AudienceCriteria) (model.RecipientQuery, error) {
	var q model.RecipientQuery
	if criteria == nil {
		return q, nil
	}
	if err := Validate(criteria); err != nil {
		return q, err
	}

	q.Tags = normalizeTags(criteria.Tags)
	if criteria.LoyaltyPointsMin != nil {
		q.LoyaltyPointsMin = *criteria.LoyaltyPointsMin
	}
	if days := criteria.LastOrderDaysAgo; days != nil && *days > 0 {
		since := r.now().AddDate(0, 0, -*days)
		q.OrderedSince = &since
	}
	return q, nil
}

// Validate rejects negative thresholds.
func Validate(criteria *model.AudienceCriteria) error {
	if criteria == nil {
		return nil
	}
	if v := criteria.LoyaltyPointsMin; v != nil && *v < 0 {
		return appErrors.NewValidation("targetAudience.loyaltyPointsMin", "must not be negative")
	}
	if v := criteria.LastOrderDaysAgo; v != nil && *v < 0 {
		return appErrors.NewValidation("targetAudience.lastOrderDaysAgo", "must not be negative")
	}
	return nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Matches applies q to a single customer. lastOrderAt is the customer's most
// recent order, nil if none. In-memory directories use it; SQL ones express the
// same predicate in their WHERE clause.
func Matches(c model.Customer, lastOrderAt *time.Time, q model.RecipientQuery) bool {
	if !c.MarketingConsent {
		return false
	}
	if len(q.Tags) > 0 && !hasAnyTag(c.Tags, q.Tags) {
		return false
	}
	if c.LoyaltyPoints < q.LoyaltyPointsMin {
		return false
	}
	if q.OrderedSince != nil && (lastOrderAt == nil || lastOrderAt.Before(*q.OrderedSince)) {
		return false
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
