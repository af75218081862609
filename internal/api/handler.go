// Package api serves the read-only status endpoints the admin console
// polls, plus the manual run-now entry point. Mutations to schedules
// and rules stay with the console's own backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/engine"
)

const defaultListLimit = 200

type Store interface {
	ListSchedules(ctx context.Context, limit int) ([]domain.ScheduleDefinition, error)
	ListRuns(ctx context.Context, scheduleID uuid.UUID, limit int) ([]domain.ScheduleRun, error)
	ListRules(ctx context.Context, limit int) ([]domain.AutomationRule, error)
	Ping(ctx context.Context) error
}

// Runner executes a schedule on demand.
type Runner interface {
	RunNow(ctx context.Context, scheduleID uuid.UUID) (engine.Outcome, error)
}

type Handler struct {
	store  Store
	runner Runner
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(store Store, runner Runner) *Handler {
	return &Handler{store: store, runner: runner}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == "/healthz":
		h.handleHealth(w, r)
	case path == "/v1/schedules" && r.Method == http.MethodGet:
		h.handleListSchedules(w, r)
	case path == "/v1/rules" && r.Method == http.MethodGet:
		h.handleListRules(w, r)
	case strings.HasPrefix(path, "/v1/schedules/") && strings.HasSuffix(path, "/runs") && r.Method == http.MethodGet:
		h.handleListRuns(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/schedules/"), "/runs"))
	case strings.HasPrefix(path, "/v1/schedules/") && strings.HasSuffix(path, "/run") && r.Method == http.MethodPost:
		h.handleRunNow(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/schedules/"), "/run"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.store.ListSchedules(r.Context(), defaultListLimit)
	if err != nil {
		log.Printf("api: list schedules: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]scheduleView, 0, len(schedules))
	for _, s := range schedules {
		views = append(views, toScheduleView(s))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context(), defaultListLimit)
	if err != nil {
		log.Printf("api: list rules: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, toRuleView(rule))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	runs, err := h.store.ListRuns(r.Context(), id, defaultListLimit)
	if err != nil {
		log.Printf("api: list runs for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleRunNow(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	outcome, err := h.runner.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, engine.ErrScheduleInactive):
		writeError(w, http.StatusConflict, "schedule is not active")
		return
	case errors.Is(err, engine.ErrLeaseHeld):
		writeError(w, http.StatusConflict, "schedule is being processed by another runner")
		return
	case err != nil:
		log.Printf("api: run now %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, runNowResponse{
		Status:   string(outcome.Status),
		Reason:   outcome.Reason,
		Attempts: outcome.Attempts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
