// Package httpapi exposes the scheduler's HTTP contract: task submission
// and pull-based status reads.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/service"
)

type Server struct {
	Router   *service.Router
	Store    port.TaskStore
	Registry *service.LaneRegistry
	Auth     *Authenticator
	Log      *zap.Logger
}

type generateRequest struct {
	Model      string                  `json:"model"`
	Parameters domain.GenerationParams `json:"parameters"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/generate", s.handleGenerate)
		r.Get("/status/{task_id}", s.handleStatus)
		r.Get("/lanes", s.handleLanes)
	})

	return r
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRequestError(w, domain.NewValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	task, outcome, err := s.Router.Submit(r.Context(), req.Model, req.Parameters)
	if err != nil {
		var reqErr *domain.RequestError
		if errors.As(err, &reqErr) {
			writeRequestError(w, reqErr)
			return
		}
		s.Log.Error("Submit failed",
			zap.String("model", req.Model),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := s.Store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeRequestError(w, &domain.RequestError{
				Code:       "not_found",
				Detail:     fmt.Sprintf("no task with id %q", id),
				UserAction: "Check the task id and retry.",
			})
			return
		}
		s.Log.Error("Status lookup failed", zap.String("task_id", id), zap.Error(err))
		writeInternalError(w)
		return
	}

	resp := map[string]any{
		"status":   task.Status,
		"progress": task.Progress,
	}
	if task.ErrorMessage != "" {
		resp["error_msg"] = task.ErrorMessage
	}
	if task.ResultLocation != "" {
		resp["result_location"] = task.ResultLocation
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLanes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Lanes())
}
