package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/store"
)

// DegradedHeader is set on read responses served by the backup store.
const DegradedHeader = "X-Festdb-Degraded"

// RecordResponse is the body of a successful insert or update.
type RecordResponse struct {
	Record store.Record `json:"record"`
	// ReplicationError is set when the write committed but its replication
	// task could not be stored; resync the record to repair.
	ReplicationError string `json:"replication_error,omitempty"`
}

// RemoveResponse is the body of a successful delete.
type RemoveResponse struct {
	Noop             bool   `json:"noop"`
	ReplicationError string `json:"replication_error,omitempty"`
}

// table resolves the {table} path parameter, accepting aliases.
func (s *Server) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := s.facade.Registry().Resolve(chi.URLParam(r, "table"))
	if err != nil {
		writeStoreError(w, r, err)
		return "", false
	}
	return name, true
}

// restrictedTables sends requests for tables holding secret fields through
// guard. Unknown tables pass through and fail in the handler.
func (s *Server) restrictedTables(guard func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := guard(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reg := s.facade.Registry()
			if name, err := reg.Resolve(chi.URLParam(r, "table")); err == nil && reg.Restricted(name) {
				guarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseQuery reads where=field:op:value (repeatable), order=field[:desc]
// (repeatable) and limit=n.
func parseQuery(table string, v url.Values) (store.Query, error) {
	var q store.Query
	for _, w := range v["where"] {
		p, err := store.ParsePredicate(w)
		if err != nil {
			return q, &store.ValidationError{Table: table, Reason: err.Error()}
		}
		q.Where = append(q.Where, p)
	}
	for _, o := range v["order"] {
		ord, err := store.ParseOrder(o)
		if err != nil {
			return q, &store.ValidationError{Table: table, Reason: err.Error()}
		}
		q.OrderBy = append(q.OrderBy, ord)
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return q, &store.ValidationError{Table: table, Reason: fmt.Sprintf("invalid limit %q", l)}
		}
		q.Limit = n
	}
	return q, nil
}

// decodeBody decodes a JSON object body into dst, writing the error
// response itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) markDegraded(w http.ResponseWriter, degraded bool) {
	s.metrics.RecordRead(degraded)
	if degraded {
		w.Header().Set(DegradedHeader, "true")
	}
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	q, err := parseQuery(table, r.URL.Query())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	res, err := s.facade.Read(r.Context(), table, q)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.markDegraded(w, res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	res, err := s.facade.ReadOne(r.Context(), table, chi.URLParam(r, "id"))
	if err != nil {
		s.markDegraded(w, res.Degraded)
		writeStoreError(w, r, err)
		return
	}
	s.markDegraded(w, res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

// replicationError splits a write error into the part the client must
// see as a failure and the part that only concerns replication.
func (s *Server) replicationError(r *http.Request, err error) (fatal error, warning string) {
	if err == nil {
		return nil, ""
	}
	if errors.Is(err, replication.ErrEnqueue) {
		s.metrics.RecordEnqueueError()
		logFor(r.Context()).Error("write not queued for replication", "err", err)
		return nil, err.Error()
	}
	return err, ""
}

func (s *Server) handleInsertRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	var fields store.Record
	if !decodeBody(w, r, &fields) {
		return
	}
	rec, err := s.facade.Insert(r.Context(), table, fields)
	fatal, warning := s.replicationError(r, err)
	if fatal != nil {
		writeStoreError(w, r, fatal)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusCreated, RecordResponse{Record: rec, ReplicationError: warning})
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	var fields store.Record
	if !decodeBody(w, r, &fields) {
		return
	}
	rec, err := s.facade.Update(r.Context(), table, chi.URLParam(r, "id"), fields)
	fatal, warning := s.replicationError(r, err)
	if fatal != nil {
		writeStoreError(w, r, fatal)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusOK, RecordResponse{Record: rec, ReplicationError: warning})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	res, err := s.facade.Remove(r.Context(), table, chi.URLParam(r, "id"))
	fatal, warning := s.replicationError(r, err)
	if fatal != nil {
		writeStoreError(w, r, fatal)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusOK, RemoveResponse{Noop: res.Noop, ReplicationError: warning})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	task, err := s.facade.Resync(r.Context(), table, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// BackfillResponse reports how many tasks a backfill queued.
type BackfillResponse struct {
	Table  string `json:"table"`
	Queued int    `json:"queued"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	n, err := s.facade.Backfill(r.Context(), table)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BackfillResponse{Table: table, Queued: n})
}
