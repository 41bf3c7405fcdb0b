package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/techfest/festdb/internal/dateparse"
	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

// festRoutes mounts the site's canned queries under /v1/fest.
func (s *Server) festRoutes(r chi.Router) {
	r.Get("/events", s.festList(s.fest.Events))
	r.Get("/events/published", s.festList(s.fest.PublishedEvents))
	r.Get("/events/{id}", s.handleFestEvent)
	r.Get("/events/{id}/registrations", s.handleEventRegistrations)
	r.Get("/registrations", s.festList(s.fest.Registrations))
	r.Post("/registrations", s.handleRegister)
	r.Get("/tests", s.festList(s.fest.Tests))
	r.Get("/tests/active", s.handleActiveTests)
	r.Get("/institutions", s.handleInstitutions)
	r.Get("/news", s.festList(s.fest.News))
	r.Get("/news/featured", s.festList(s.fest.FeaturedNews))
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res facade.Result, err error) {
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.markDegraded(w, res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) festList(query func(context.Context) (facade.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query(r.Context())
		s.writeResult(w, r, res, err)
	}
}

func (s *Server) handleFestEvent(w http.ResponseWriter, r *http.Request) {
	res, err := s.fest.Event(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.markDegraded(w, res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEventRegistrations(w http.ResponseWriter, r *http.Request) {
	res, err := s.fest.RegistrationsForEvent(r.Context(), chi.URLParam(r, "id"))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var fields store.Record
	if !decodeBody(w, r, &fields) {
		return
	}
	rec, err := s.fest.Register(r.Context(), fields)
	fatal, warning := s.replicationError(r, err)
	if fatal != nil {
		writeStoreError(w, r, fatal)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusCreated, RecordResponse{Record: rec, ReplicationError: warning})
}

// parseInstant accepts a timestamp or a day expression such as "today"
// or "+2d".
func parseInstant(v string) (time.Time, error) {
	if t, err := schema.ParseTime(v); err == nil {
		return t, nil
	}
	return dateparse.Parse(v)
}

func (s *Server) handleActiveTests(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			writeStoreError(w, r, &store.ValidationError{Table: schema.TableTests, Field: "at", Reason: err.Error()})
			return
		}
		at = t
	}
	res, err := s.fest.ActiveTests(r.Context(), at)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleInstitutions(w http.ResponseWriter, r *http.Request) {
	var (
		res facade.Result
		err error
	)
	if typ := r.URL.Query().Get("type"); typ != "" {
		res, err = s.fest.InstitutionsByType(r.Context(), typ)
	} else {
		res, err = s.fest.Institutions(r.Context())
	}
	s.writeResult(w, r, res, err)
}
