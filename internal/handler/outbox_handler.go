// internal/handler/outbox_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/controller"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OutboxAdmin is the part of the outbox store operators need.
type OutboxAdmin interface {
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEntry, error)
	Requeue(ctx context.Context, id string, now time.Time) (*model.OutboxEntry, error)
}

// OutboxHandler exposes dead-letter inspection and requeue.
type OutboxHandler struct {
	Repo OutboxAdmin
	Log  *logger.Logger
	Now  func() time.Time
}

// NewOutboxHandler creates an OutboxHandler backed by repo
func NewOutboxHandler(repo OutboxAdmin, log *logger.Logger) *OutboxHandler {
	return &OutboxHandler{Repo: repo, Log: log, Now: time.Now}
}

func (h *OutboxHandler) RegisterRoutes(r chi.Router) {
	r.Get("/outbox", h.ListEntriesHandler)
	r.Post("/outbox/{id}/requeue", h.RequeueHandler)
}

// ListEntriesHandler returns entries in one status, oldest first. Status defaults to DEAD.
func (h *OutboxHandler) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	status := model.OutboxDead
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = model.OutboxStatus(strings.ToUpper(raw))
		if !status.IsValid() {
			controller.WriteError(w, r, h.Log, appErrors.NewValidation("status", "must be one of PENDING, SENT, FAILED, DEAD"))
			return
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 {
			controller.WriteError(w, r, h.Log, appErrors.NewValidation("limit", "must be a positive integer"))
			return
		}
		limit = min(l, maxListLimit)
	}

	entries, err := h.Repo.ListByStatus(r.Context(), status, limit)
	if err != nil {
		controller.WriteError(w, r, h.Log, appErrors.NewUnavailable("list outbox entries", err))
		return
	}
	if entries == nil {
		entries = []*model.OutboxEntry{}
	}

	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"items":  entries,
	})
}

// RequeueHandler puts a DEAD entry back in line with a fresh attempt budget.
func (h *OutboxHandler) RequeueHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	entry, err := h.Repo.Requeue(r.Context(), id, now())
	if err != nil {
		controller.WriteError(w, r, h.Log, appErrors.NewUnavailable("requeue outbox entry", err))
		return
	}

	if h.Log != nil {
		h.Log.WithContext(r.Context()).Info("outbox entry requeued",
			zap.String("entry_id", entry.ID),
			zap.String("aggregate_id", entry.AggregateID),
			zap.String("event_type", entry.EventType),
		)
	}
	controller.WriteJSON(w, http.StatusOK, entry)
}
