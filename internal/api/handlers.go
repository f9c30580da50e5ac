package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/taskdb"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

const defaultHistoryLimit = 20

type startRequest struct {
	PollIntervalMs    int64 `json:"pollIntervalMs"`
	MaxTasksPerMinute int   `json:"maxTasksPerMinute"`
}

type modeRequest struct {
	// An empty request toggles the current mode.
	Enabled          *bool `json:"enabled"`
	DigestIntervalMs int64 `json:"digestIntervalMs"`
}

type reviewRequest struct {
	Decision dispatch.Decision `json:"decision"`
}

// GovernanceResponse is the body of GET /api/v1/governance.
type GovernanceResponse struct {
	Breaker governance.Snapshot       `json:"breaker"`
	Trust   []governance.TrustProfile `json:"trust"`
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.dispatcher.Start(r.Context(), dispatch.StartOptions{
		PollInterval:      time.Duration(req.PollIntervalMs) * time.Millisecond,
		MaxTasksPerMinute: req.MaxTasksPerMinute,
	})
	switch {
	case errors.Is(err, dispatch.ErrInvalidOptions):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("starting dispatcher", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start dispatcher")
		return
	}
	respondJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Stop(r.Context()); err != nil {
		s.logger.Error("stopping dispatcher", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to stop dispatcher")
		return
	}
	respondJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DigestIntervalMs != 0 {
		if err := s.dispatcher.SetDigestInterval(time.Duration(req.DigestIntervalMs) * time.Millisecond); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var enabled bool
	switch {
	case req.Enabled != nil:
		enabled = *req.Enabled
	case req.DigestIntervalMs != 0:
		respondJSON(w, http.StatusOK, s.dispatcher.Status())
		return
	default:
		enabled = !s.dispatcher.Status().DispatchMode
	}
	if err := s.dispatcher.ToggleDispatchMode(r.Context(), enabled); err != nil {
		s.logger.Error("toggling dispatch mode", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to toggle dispatch mode")
		return
	}
	respondJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleListReviews(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.PendingReviews())
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.dispatcher.ResolvePendingReview(r.Context(), taskID, req.Decision)
	switch {
	case errors.Is(err, dispatch.ErrInvalidDecision):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrReviewNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("resolving review", "task", taskID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to resolve review")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"task_id":  taskID,
		"decision": string(req.Decision),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.dispatcher.History(limit))
}

func (s *Server) handleGovernance(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, GovernanceResponse{
		Breaker: s.dispatcher.Breaker().Snapshot(),
		Trust:   s.dispatcher.Trust().Profiles(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.ResetBreaker(r.Context()))
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Mode {
	case "", taskdb.ModeSequential, taskdb.ModeParallel:
	default:
		respondError(w, http.StatusBadRequest, "mode must be sequential or parallel")
		return
	}

	res, err := s.workflows.RunWorkflow(r.Context(), req)
	if err != nil {
		s.respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handlePlanWorkflow plans the comma-separated ids, or every task when none
// are given.
func (s *Server) handlePlanWorkflow(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	plan, err := s.workflows.PlanWorkflow(r.Context(), ids)
	if err != nil {
		s.respondWorkflowError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) respondWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskdb.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrCircularDependency):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("workflow request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "workflow failed")
	}
}
