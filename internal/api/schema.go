package api

import (
	"net/http"
	"strings"

	"github.com/techfest/festdb/internal/schema"
)

// TableSchema describes one registered table.
type TableSchema struct {
	Name   string             `json:"name"`
	Fields []schema.FieldSpec `json:"fields"`
}

// SchemaResponse is the body of GET /v1/schema.
type SchemaResponse struct {
	Tables []TableSchema `json:"tables"`
}

func wantsMarkdown(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/markdown")
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	reg := s.facade.Registry()
	if wantsMarkdown(r) {
		var sb strings.Builder
		for i, name := range reg.Tables() {
			md, err := reg.Markdown(name)
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(md)
		}
		writeMarkdown(w, sb.String())
		return
	}

	resp := SchemaResponse{Tables: []TableSchema{}}
	for _, name := range reg.Tables() {
		fields, err := reg.Describe(name)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		resp.Tables = append(resp.Tables, TableSchema{Name: name, Fields: fields})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchemaTable(w http.ResponseWriter, r *http.Request) {
	table, ok := s.table(w, r)
	if !ok {
		return
	}
	reg := s.facade.Registry()
	if wantsMarkdown(r) {
		md, err := reg.Markdown(table)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeMarkdown(w, md)
		return
	}
	fields, err := reg.Describe(table)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TableSchema{Name: table, Fields: fields})
}

func writeMarkdown(w http.ResponseWriter, md string) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}
