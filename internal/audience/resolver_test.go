package audience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// fakeDirectory filters an in-memory customer list with audience.Matches.
type fakeDirectory struct {
	customers []model.Customer
	lastOrder map[string]time.Time
	lastQuery model.RecipientQuery
	err       error
}

func (f *fakeDirectory) FindRecipients(_ context.Context, q model.RecipientQuery) ([]model.Recipient, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Recipient
	for _, c := range f.customers {
		var last *time.Time
		if at, ok := f.lastOrder[c.ID]; ok {
			last = &at
		}
		if audience.Matches(c, last, q) {
			out = append(out, c.Recipient())
		}
	}
	return out, nil
}

func intPtr(v int) *int { return &v }

func ids(recipients []model.Recipient) []string {
	out := []string{}
	for _, r := range recipients {
		out = append(out, r.ID)
	}
	return out
}

var now = time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)

func newDirectory() *fakeDirectory {
	return &fakeDirectory{
		customers: []model.Customer{
			{ID: "C1", Name: "Asha", Phone: "+254700000001", Tags: []string{"a"}, LoyaltyPoints: 50, MarketingConsent: true},
			{ID: "C2", Name: "Brian", Phone: "+254700000002", Tags: []string{"b"}, LoyaltyPoints: 150, MarketingConsent: true},
			{ID: "C3", Name: "Chidi", Email: "chidi@example.com", Tags: []string{"a", "b"}, LoyaltyPoints: 500, MarketingConsent: false},
		},
		lastOrder: map[string]time.Time{
			"C1": now.AddDate(0, 0, -3),
			"C2": now.AddDate(0, 0, -40),
		},
	}
}

func TestResolveFiltersCombineWithAnd(t *testing.T) {
	resolver := audience.NewResolver(newDirectory()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	got, err := resolver.Resolve(ctx, &model.AudienceCriteria{Tags: []string{"a"}, LoyaltyPointsMin: intPtr(100)})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = resolver.Resolve(ctx, &model.AudienceCriteria{Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, ids(got))
}

func TestResolveWithoutCriteriaReturnsOptedIn(t *testing.T) {
	resolver := audience.NewResolver(newDirectory())

	got, err := resolver.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C1", "C2"}, ids(got))
}

func TestResolveRecentOrders(t *testing.T) {
	dir := newDirectory()
	resolver := audience.NewResolver(dir).WithClock(func() time.Time { return now })

	got, err := resolver.Resolve(context.Background(), &model.AudienceCriteria{LastOrderDaysAgo: intPtr(30)})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1"}, ids(got))
	require.NotNil(t, dir.lastQuery.OrderedSince)
	assert.Equal(t, now.AddDate(0, 0, -30), *dir.lastQuery.OrderedSince)
}

func TestResolveZeroValuesApplyNoFilter(t *testing.T) {
	dir := newDirectory()
	resolver := audience.NewResolver(dir)

	got, err := resolver.Resolve(context.Background(), &model.AudienceCriteria{
		Tags:             []string{" ", ""},
		LoyaltyPointsMin: intPtr(0),
		LastOrderDaysAgo: intPtr(0),
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Nil(t, dir.lastQuery.Tags)
	assert.Nil(t, dir.lastQuery.OrderedSince)
}

func TestResolveRejectsNegativeThresholds(t *testing.T) {
	resolver := audience.NewResolver(newDirectory())

	_, err := resolver.Resolve(context.Background(), &model.AudienceCriteria{LoyaltyPointsMin: intPtr(-1)})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = resolver.Resolve(context.Background(), &model.AudienceCriteria{LastOrderDaysAgo: intPtr(-7)})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestResolveDirectoryFailureIsUnavailable(t *testing.T) {
	dir := newDirectory()
	dir.err = errors.New("connection refused")

	_, err := audience.NewResolver(dir).Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, appErrors.ErrUnavailable)
}

func TestResolveDedupesTags(t *testing.T) {
	dir := newDirectory()
	_, err := audience.NewResolver(dir).Resolve(context.Background(), &model.AudienceCriteria{Tags: []string{"a", " a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dir.lastQuery.Tags)
}
