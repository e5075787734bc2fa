package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/storage"
	"github.com/example/report-form-engine/internal/types"
)

// RevisionNotifier announces saved revisions to the report's presence room.
type RevisionNotifier interface {
	NotifyRevision(ctx context.Context, report types.ReportID, revision int64)
}

// Store is the persistence surface the API needs.
type Store interface {
	SaveDraft(ctx context.Context, id types.ReportID, patch types.Report) (types.Report, error)
	SaveGoals(ctx context.Context, report types.ReportID, regionID string, goals []types.Goal) ([]types.Goal, error)
	Fetch(ctx context.Context, id types.ReportID) (types.Report, []types.Goal, error)
}

// Handler exposes the report save/fetch API.
//
// Routes:
//
//	GET  /reports/{id}         load the report and its goals
//	PUT  /reports/{id}/draft   persist a draft patch, returns the canonical report
//	PUT  /reports/{id}/goals   replace the goal set, returns resolved goals
//	POST /reports              create a report from a draft patch
type Handler struct {
	store    Store
	notifier RevisionNotifier
	logger   zerolog.Logger
}

// NewHandler builds the API handler.
func NewHandler(store Store, notifier RevisionNotifier, logger zerolog.Logger) *Handler {
	return &Handler{store: store, notifier: notifier, logger: logger}
}

type fetchResponse struct {
	Report types.Report `json:"report"`
	Goals  []types.Goal `json:"goals"`
}

type goalsRequest struct {
	Goals    []types.Goal `json:"goals"`
	RegionID string       `json:"regionId"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "reports" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		h.saveDraft(w, r, "")
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.fetch(w, r, types.ReportID(parts[1]))
	case len(parts) == 3 && parts[2] == "draft" && r.Method == http.MethodPut:
		h.saveDraft(w, r, types.ReportID(parts[1]))
	case len(parts) == 3 && parts[2] == "goals" && r.Method == http.MethodPut:
		h.saveGoals(w, r, types.ReportID(parts[1]))
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, id types.ReportID) {
	report, goals, err := h.store.Fetch(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("report", string(id)).Msg("fetch failed")
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	h.respond(w, fetchResponse{Report: report, Goals: goals})
}

func (h *Handler) saveDraft(w http.ResponseWriter, r *http.Request, id types.ReportID) {
	var patch types.Report
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid report patch", http.StatusBadRequest)
		return
	}

	canonical, err := h.store.SaveDraft(r.Context(), id, patch)
	if err != nil {
		h.logger.Error().Err(err).Str("report", string(id)).Msg("draft save failed")
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyRevision(r.Context(), canonical.ID, canonical.Revision)
	}
	h.respond(w, canonical)
}

func (h *Handler) saveGoals(w http.ResponseWriter, r *http.Request, id types.ReportID) {
	var req goalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid goals payload", http.StatusBadRequest)
		return
	}

	goals, err := h.store.SaveGoals(r.Context(), id, req.RegionID, req.Goals)
	if err != nil {
		h.logger.Error().Err(err).Str("report", string(id)).Msg("goals save failed")
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	h.respond(w, goals)
}

func (h *Handler) respond(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
