// Package export dumps every table through the facade as JSON.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/store"
)

// Table is the export of one table.
type Table struct {
	Name     string         `json:"name"`
	Count    int            `json:"count"`
	Degraded bool           `json:"degraded"`
	Source   string         `json:"source,omitempty"`
	Error    string         `json:"error,omitempty"`
	Records  []store.Record `json:"records"`
}

// Dump is a full export.
type Dump struct {
	ExportedAt time.Time `json:"exported_at"`
	Tables     []Table   `json:"tables"`
}

// Failed returns the tables that could not be read.
func (d Dump) Failed() []string {
	var out []string
	for _, t := range d.Tables {
		if t.Error != "" {
			out = append(out, t.Name)
		}
	}
	return out
}

// Run reads tables (every registered table when empty). A table that
// cannot be read is recorded with its error and does not stop the export.
func Run(ctx context.Context, f *facade.Facade, tables []string) Dump {
	if len(tables) == 0 {
		tables = f.Registry().Tables()
	}
	d := Dump{ExportedAt: time.Now().UTC()}
	for _, name := range tables {
		t := Table{Name: name, Records: []store.Record{}}
		res, err := f.Read(ctx, name, store.Query{})
		if err != nil {
			t.Error = err.Error()
		} else {
			t.Records = res.Records
			t.Count = len(res.Records)
			t.Degraded = res.Degraded
			t.Source = res.Source
		}
		d.Tables = append(d.Tables, t)
	}
	return d
}

// Write encodes d as indented JSON.
func Write(w io.Writer, d Dump) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// WriteFile writes d to path via a temp file and rename, so a crash never
// leaves a truncated export.
func WriteFile(path string, d Dump) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "export-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := Write(tmp, d); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// DefaultPath names an export file in dir stamped with t.
func DefaultPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("festdb-%s.json", t.UTC().Format("20060102T150405Z")))
}
