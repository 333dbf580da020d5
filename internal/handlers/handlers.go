// Package handlers exposes the operator API: source status, the webhook
// intake that enqueues immediate runs, the enable/disable gate, the activity
// feed, and the realtime event stream.
package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/models"
	"github.com/PortNumber53/social-relay/internal/store"
)

type Handler struct {
	store  *store.Store
	cfg    *config.Config
	rt     *realtimeHub
	logger *log.Logger

	// trigger requests an immediate single-source run on the scheduler loop.
	// Buffered; a full channel means a run is already pending.
	trigger chan string
}

func New(st *store.Store, cfg *config.Config, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		store:   st,
		cfg:     cfg,
		rt:      newRealtimeHub(logger),
		logger:  logger,
		trigger: make(chan string, 16),
	}
}

// TriggerCh is consumed by the scheduler loop in main.
func (h *Handler) TriggerCh() <-chan string { return h.trigger }

// Emit forwards a scheduler event to connected websocket clients.
func (h *Handler) Emit(event string, payload map[string]any) {
	h.rt.broadcast(event, payload)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sourceView struct {
	ID       string              `json:"id"`
	Platform string              `json:"platform"`
	Enabled  bool                `json:"enabled"`
	Priority string              `json:"priority,omitempty"`
	Interval int                 `json:"intervalMinutes"`
	State    *models.SourceState `json:"state,omitempty"`
}

// ListSources merges the configured sources with their state rows.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.Sources.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byID := make(map[string]*models.SourceState, len(states))
	for i := range states {
		byID[states[i].SourceID] = &states[i]
	}

	out := make([]sourceView, 0, len(h.cfg.Sources))
	for _, src := range h.cfg.Sources {
		out = append(out, sourceView{
			ID:       src.ID,
			Platform: src.Platform,
			Enabled:  src.Enabled,
			Priority: src.Priority,
			Interval: src.Interval(),
			State:    byID[src.ID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// TriggerSource is the webhook intake: it enqueues an immediate run for one
// source on the same pipeline the poller uses.
func (h *Handler) TriggerSource(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	src, ok := h.cfg.ByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if !src.Enabled {
		writeError(w, http.StatusConflict, "source is not enabled")
		return
	}
	select {
	case h.trigger <- id:
		h.logger.Printf("[API] trigger enqueued source=%s", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "sourceId": id})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": false, "sourceId": id, "reason": "trigger_backlog"})
	}
}

// DisableSource sets the operator gate; the scheduler skips the source until
// it is re-enabled.
func (h *Handler) DisableSource(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, true)
}

func (h *Handler) EnableSource(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, false)
}

func (h *Handler) setDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := pathVar(r, "id")
	if _, ok := h.cfg.ByID(id); !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if err := h.store.Sources.SetDisabled(r.Context(), id, disabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Printf("[API] source=%s disabled=%v", id, disabled)
	writeJSON(w, http.StatusOK, map[string]any{"sourceId": id, "disabled": disabled})
}

// RecentActivity returns the newest activity_log entries.
func (h *Handler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.store.Activity.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

// Shutdown closes realtime connections.
func (h *Handler) Shutdown(ctx context.Context) {
	h.rt.closeAll()
}
