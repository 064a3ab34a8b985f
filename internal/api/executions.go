package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/exectrack/internal/exectrack"
	"github.com/soochol/exectrack/internal/services"
)

// registerExecution adds an execution to the registry. A missing id is
// generated and returned in the response body.
func (s *Server) registerExecution(w http.ResponseWriter, r *http.Request) {
	var exec exectrack.Execution
	if err := json.NewDecoder(r.Body).Decode(&exec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if exec.ExecutionID == "" {
		exec.ExecutionID = exectrack.GenerateID("exec")
	}

	stored, err := s.registry.RegisterExecution(r.Context(), &exec)
	switch {
	case errors.Is(err, services.ErrDuplicateExecution):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, services.ErrInvalidExecution):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, services.ErrRegistryDisposed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) listActiveExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetActiveExecutions())
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.registry.GetActiveExecution(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not active")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// startExecution moves a pending execution to executing. Starting an
// execution that is already executing returns it unchanged.
func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	exec, _ := s.registry.MarkExecuting(chi.URLParam(r, "id"))
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not active")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) completeExecution(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.registry.CompleteExecution(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not active")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) failExecution(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	rec, ok := s.registry.FailExecution(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if !ok {
		writeError(w, http.StatusNotFound, "execution not active")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.CancelExecution(r.Context(), id) {
		writeError(w, http.StatusNotFound, "execution not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"executionId": id, "status": string(exectrack.StatusCancelled)})
}

func (s *Server) listCompletedExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetCompletedExecutions())
}

func (s *Server) clearCompletedExecutions(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearHistory(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getExecutionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStatistics())
}

type correlateRequest struct {
	ExecutionID string `json:"executionId"`
	Content     string `json:"content"`
}

type correlateResponse struct {
	Strategy  exectrack.CorrelationStrategy `json:"strategy"`
	Execution *exectrack.Execution          `json:"execution"`
}

// correlate reports which active execution a signal with the given id and
// content would match, without changing any state.
func (s *Server) correlate(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	exec, strategy := s.registry.SmartCorrelate(req.ExecutionID, req.Content)
	writeJSON(w, http.StatusOK, correlateResponse{Strategy: strategy, Execution: exec})
}
