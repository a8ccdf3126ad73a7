package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/broker"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/outbox"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/repository/memstore"
)

var t0 = time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)

// deadEntry writes one event and lets a failing relay exhaust its attempts.
func deadEntry(t *testing.T, store *memstore.Store) *model.OutboxEntry {
	t.Helper()
	ctx := context.Background()
	w := outbox.NewWriter("campaigns").WithClock(func() time.Time { return t0 })

	var entry *model.OutboxEntry
	err := store.Transact(ctx, func(tx repository.CampaignTx) error {
		var err error
		entry, err = w.Append(ctx, tx, model.EventCampaignCreated, "camp-1", map[string]any{"campaignId": "camp-1"})
		return err
	})
	require.NoError(t, err)

	b := broker.NewInMemory(nil)
	b.FailWith(func(broker.Delivery) error { return errors.New("broker down") })
	relay := outbox.NewRelay(store, b, outbox.Config{MaxAttempts: 1}, nil).WithClock(func() time.Time { return t0 })
	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Dead)
	return entry
}

func newServer(store *memstore.Store) http.Handler {
	h := handler.NewOutboxHandler(store, nil)
	h.Now = func() time.Time { return t0.Add(time.Hour) }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestListDeadEntries(t *testing.T) {
	store := memstore.New()
	entry := deadEntry(t, store)
	srv := newServer(store)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/outbox", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status model.OutboxStatus   `json:"status"`
		Items  []*model.OutboxEntry `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, model.OutboxDead, body.Status)
	require.Len(t, body.Items, 1)
	assert.Equal(t, entry.ID, body.Items[0].ID)
	assert.Equal(t, "broker down", body.Items[0].LastError)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/outbox?status=sent&limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Empty(t, body.Items)
}

func TestListRejectsBadQuery(t *testing.T) {
	srv := newServer(memstore.New())
	for _, path := range []string{"/outbox?status=LOST", "/outbox?limit=0", "/outbox?limit=x"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestRequeueDeadEntry(t *testing.T) {
	store := memstore.New()
	entry := deadEntry(t, store)
	srv := newServer(store)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/outbox/"+entry.ID+"/requeue", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got model.OutboxEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// a second requeue finds nothing dead
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/outbox/"+entry.ID+"/requeue", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/outbox/missing/requeue", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// the requeued entry is delivered on the next cycle
	b := broker.NewInMemory(nil)
	relay := outbox.NewRelay(store, b, outbox.DefaultConfig(), nil).WithClock(func() time.Time { return t0.Add(2 * time.Hour) })
	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, b.PublishedFor("camp-1"), 1)
}
