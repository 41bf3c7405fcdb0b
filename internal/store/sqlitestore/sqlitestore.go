// Package sqlitestore is a document-style store adapter on SQLite. Every
// record is kept as a JSON document keyed by (table, id); filters and
// ordering run through json_extract.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go modernc driver. "sqlite3" selects
// mattn/go-sqlite3 when the binary links it.
const DefaultDriver = "sqlite"

const schemaVersion = 1

const baseSchema = `
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_records_tbl_created ON records(tbl, created_at);
`

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations run in order against databases older than schemaVersion.
var migrations = []migration{}

// Store implements store.Store on a SQLite database.
type Store struct {
	store.RevisionCounter

	conn   *sql.DB
	reg    *schema.Registry
	name   string
	driver string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithDriver selects the database/sql driver name.
func WithDriver(driver string) Option {
	return func(s *Store) { s.driver = driver }
}

// WithName sets the adapter name used in errors and health reports.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithClock overrides the time source for system timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string, reg *schema.Registry, opts ...Option) (*Store, error) {
	s := &Store{reg: reg, name: "sqlite", driver: DefaultDriver, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open(s.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(baseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.conn = conn
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}
	var current int
	var raw string
	if err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw); err == nil {
		fmt.Sscanf(raw, "%d", &current)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := s.conn.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	if current < schemaVersion {
		_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, fmt.Sprintf("%d", schemaVersion))
		return err
	}
	return nil
}

// Name implements store.Store.
func (s *Store) Name() string { return s.name }

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return store.Unavailable(s.name, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	q, err := store.PrepareQuery(s.reg, table, q)
	if err != nil {
		return nil, err
	}
	query, args := buildSelect(table, q)
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, store.Unavailable(s.name, err)
		}
		rec, err := s.decode(table, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	return out, nil
}

// buildSelect renders the filtered read. Field paths are bound as
// parameters, so only operators and directions are spliced into the text.
func buildSelect(table string, q store.Query) (string, []any) {
	var sb strings.Builder
	args := []any{table}
	sb.WriteString("SELECT doc FROM records WHERE tbl = ?")
	for _, p := range q.Where {
		fmt.Fprintf(&sb, " AND json_extract(doc, ?) %s ?", p.Op.SQL())
		args = append(args, jsonPath(p.Field), bindValue(p.Value))
	}
	sb.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, "json_extract(doc, ?) %s NULLS LAST, ", dir)
		args = append(args, jsonPath(o.Field))
	}
	if len(q.OrderBy) == 0 {
		sb.WriteString("created_at ASC, ")
	}
	sb.WriteString("id ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return sb.String(), args
}

func jsonPath(field string) string {
	return `$."` + field + `"`
}

// bindValue maps booleans onto the integers json_extract yields for them.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// ReadOne implements store.Store.
func (s *Store) ReadOne(ctx context.Context, table, id string) (store.Record, error) {
	if !s.reg.Has(table) {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	var doc string
	err := s.conn.QueryRowContext(ctx, `SELECT doc FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(table, id)
	}
	if err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	return s.decode(table, doc)
}

// Insert implements store.Store. Inserting an id that already exists is a
// validation error.
func (s *Store) Insert(ctx context.Context, table string, fields store.Record) (store.Record, error) {
	rec, err := store.PrepareInsert(s.reg, table, fields, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, rec.ID(), err)
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO records (tbl, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tbl, id) DO NOTHING`,
		table, rec.ID(), string(doc), rec[schema.FieldCreatedAt], rec[schema.FieldUpdatedAt])
	if err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &store.ValidationError{Table: table, Field: schema.FieldID, Reason: "id already exists"}
	}
	s.Bump()
	slog.Debug("insert", "store", s.name, "table", table, "id", rec.ID())
	return rec, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, table, id string, fields store.Record) (store.Record, error) {
	changes, err := store.PrepareUpdate(s.reg, table, id, fields, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(table, id)
	}
	if err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	existing, err := s.decode(table, doc)
	if err != nil {
		return nil, err
	}
	rec := store.Merge(existing, changes)
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET doc = ?, updated_at = ? WHERE tbl = ? AND id = ?`,
		string(encoded), rec[schema.FieldUpdatedAt], table, id); err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	s.Bump()
	return rec, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, table string, snapshot store.Record) (store.Record, error) {
	rec, err := store.PrepareSnapshot(s.reg, table, snapshot, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, rec.ID(), err)
	}
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO records (tbl, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tbl, id) DO UPDATE SET doc = excluded.doc, created_at = excluded.created_at, updated_at = excluded.updated_at`,
		table, rec.ID(), string(doc), rec[schema.FieldCreatedAt], rec[schema.FieldUpdatedAt]); err != nil {
		return nil, store.Unavailable(s.name, err)
	}
	s.Bump()
	slog.Debug("upsert", "store", s.name, "table", table, "id", rec.ID())
	return rec, nil
}

// Remove implements store.Store. Removing a missing id is a no-op.
func (s *Store) Remove(ctx context.Context, table, id string) (store.RemoveResult, error) {
	if !s.reg.Has(table) {
		return store.RemoveResult{}, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	res, err := s.conn.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id)
	if err != nil {
		return store.RemoveResult{}, store.Unavailable(s.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.RemoveResult{}, store.Unavailable(s.name, err)
	}
	if n == 0 {
		return store.RemoveResult{Noop: true}, nil
	}
	s.Bump()
	return store.RemoveResult{}, nil
}

func (s *Store) decode(table, doc string) (store.Record, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", table, err)
	}
	return s.reg.NormalizeRecord(table, raw)
}
