// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	jssandbox "github.com/buke/js-sandbox"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// runTaskRequest is the JSON body for POST /v1/tasks.
type runTaskRequest struct {
	Source string `json:"source"`
	Quota  int64  `json:"quota"` // 0 selects the dispatcher default
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []jssandbox.TaskView `json:"tasks"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.Quota < 0 {
		s.writeError(w, http.StatusBadRequest, "quota must not be negative")
		return
	}

	task, err := s.dispatcher.Run(r.Context(), req.Source, req.Quota)
	if err != nil {
		s.writeTaskError(w, "run task", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, jssandbox.NewView(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTaskError(w, "get task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, total, err := s.dispatcher.List(r.Context(), filter, jssandbox.Page{Offset: offset, Limit: limit})
	if err != nil {
		s.writeTaskError(w, "list tasks", err)
		return
	}

	if views == nil {
		views = []jssandbox.TaskView{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  views,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCountTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.dispatcher.Count(r.Context())
	if err != nil {
		s.writeTaskError(w, "count tasks", err)
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		s.writeTaskError(w, "cancel task", err)
		return
	}

	view, err := s.dispatcher.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, "get canceled task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeTaskError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps dispatcher errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jssandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jssandbox.ErrStateConflict):
		return http.StatusConflict
	case jssandbox.IsCompilationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jssandbox.ErrPolicyViolation):
		return http.StatusForbidden
	case errors.Is(err, jssandbox.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeTaskError writes err with its mapped status. Unexpected errors are
// logged and hidden from the client.
func (s *Server) writeTaskError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, zap.Error(err))
		s.writeError(w, status, "failed to "+op)
		return
	}
	s.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseStatusFilter parses a comma-separated status list. Empty means all.
func parseStatusFilter(raw string) (jssandbox.Filter, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []jssandbox.Status
	for _, name := range strings.Split(raw, ",") {
		st, err := jssandbox.ParseStatus(name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return jssandbox.StatusFilter(statuses...), nil
}
