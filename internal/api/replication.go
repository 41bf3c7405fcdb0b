package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/store"
)

// defaultPurgeAge applies when a purge request names no older_than.
const defaultPurgeAge = 7 * 24 * time.Hour

// TasksResponse is the body of GET /v1/replication/tasks.
type TasksResponse struct {
	Tasks []replication.Task `json:"tasks"`
}

// PurgeResponse is the body of POST /v1/replication/purge.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := replication.Filter{Status: replication.Status(q.Get("status"))}
	if t := q.Get("table"); t != "" {
		table, err := s.facade.Registry().Resolve(t)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		filter.Table = table
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid limit %q", l))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.facade.Tasks(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []replication.Task{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.facade.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	task, err := s.facade.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	age := defaultPurgeAge
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := config.ParseDuration(v)
		if err != nil {
			writeStoreError(w, r, &store.ValidationError{Field: "older_than", Reason: err.Error()})
			return
		}
		age = d
	}
	n, err := s.facade.Purge(r.Context(), age)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	logFor(r.Context()).Info("purged replication tasks", "count", n, "older_than", age)
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}
