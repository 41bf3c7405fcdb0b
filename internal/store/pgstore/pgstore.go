// Package pgstore is the PostgreSQL store adapter. Each registered table
// maps to a typed relational table; rows come back through to_jsonb and
// are normalized by the registry.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

const (
	pgErrUnique         = "23505"
	pgErrUndefinedTable = "42P01"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	store.RevisionCounter

	pool   *pgxpool.Pool
	reg    *schema.Registry
	name   string
	now    func() time.Time
	tables schemaGate
}

// Option configures a Store.
type Option func(*Store)

// WithName sets the adapter name used in errors and health reports.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithClock overrides the time source for system timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates a pool for dsn. Connections are made lazily, so an
// unreachable server surfaces on first use rather than here.
func Open(ctx context.Context, dsn string, reg *schema.Registry, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &Store{pool: pool, reg: reg, name: "postgres", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.tables.create = s.createTables
	return s, nil
}

// EnsureSchema creates every registered table that does not exist yet. It
// is also attempted lazily before data calls until it has succeeded once.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.tables.ensure(ctx)
}

func (s *Store) createTables(ctx context.Context) error {
	for _, table := range s.reg.Tables() {
		fields, err := s.reg.Describe(table)
		if err != nil {
			return err
		}
		for _, stmt := range createTable(table, fields) {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return store.Unavailable(s.name, fmt.Errorf("create %s: %w", table, err))
			}
		}
	}
	return nil
}

// Name implements store.Store.
func (s *Store) Name() string { return s.name }

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable(s.name, err)
	}
	return s.tables.ensure(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Read implements store.Store.
func (s *Store) Read(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	q, err := store.PrepareQuery(s.reg, table, q)
	if err != nil {
		return nil, err
	}
	fields, err := s.reg.Describe(table)
	if err != nil {
		return nil, err
	}
	query, args, err := buildSelect(table, specsOf(fields), q)
	if err != nil {
		return nil, err
	}
	if err := s.tables.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify(table, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var doc map[string]any
		if err := rows.Scan(&doc); err != nil {
			return nil, s.classify(table, err)
		}
		rec, err := s.reg.NormalizeRecord(table, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(table, err)
	}
	return out, nil
}

// ReadOne implements store.Store.
func (s *Store) ReadOne(ctx context.Context, table, id string) (store.Record, error) {
	if !s.reg.Has(table) {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	query := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE t.%s = $1", ident(table), ident(schema.FieldID))
	if err := s.tables.ensure(ctx); err != nil {
		return nil, err
	}
	return s.queryRecord(ctx, table, id, query, id)
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, table string, fields store.Record) (store.Record, error) {
	rec, err := store.PrepareInsert(s.reg, table, fields, s.now())
	if err != nil {
		return nil, err
	}
	specs, _ := s.reg.Describe(table)
	query, args, err := buildInsert(table, specs, rec)
	if err != nil {
		return nil, err
	}
	if err := s.tables.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := s.queryRecord(ctx, table, rec.ID(), query, args...)
	if err != nil {
		return nil, err
	}
	s.Bump()
	slog.Debug("insert", "store", s.name, "table", table, "id", out.ID())
	return out, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, table, id string, fields store.Record) (store.Record, error) {
	changes, err := store.PrepareUpdate(s.reg, table, id, fields, s.now())
	if err != nil {
		return nil, err
	}
	specs, _ := s.reg.Describe(table)
	query, args, err := buildUpdate(table, specs, id, changes)
	if err != nil {
		return nil, err
	}
	if err := s.tables.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := s.queryRecord(ctx, table, id, query, args...)
	if err != nil {
		return nil, err
	}
	s.Bump()
	return out, nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, table string, snapshot store.Record) (store.Record, error) {
	rec, err := store.PrepareSnapshot(s.reg, table, snapshot, s.now())
	if err != nil {
		return nil, err
	}
	specs, _ := s.reg.Describe(table)
	query, args, err := buildUpsert(table, specs, rec)
	if err != nil {
		return nil, err
	}
	if err := s.tables.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := s.queryRecord(ctx, table, rec.ID(), query, args...)
	if err != nil {
		return nil, err
	}
	s.Bump()
	return out, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, table, id string) (store.RemoveResult, error) {
	if !s.reg.Has(table) {
		return store.RemoveResult{}, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	if err := s.tables.ensure(ctx); err != nil {
		return store.RemoveResult{}, err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", ident(table), ident(schema.FieldID)), id)
	if err != nil {
		return store.RemoveResult{}, s.classify(table, err)
	}
	if tag.RowsAffected() == 0 {
		return store.RemoveResult{Noop: true}, nil
	}
	s.Bump()
	return store.RemoveResult{}, nil
}

func (s *Store) queryRecord(ctx context.Context, table, id, query string, args ...any) (store.Record, error) {
	var doc map[string]any
	err := s.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound(table, id)
	}
	if err != nil {
		return nil, s.classify(table, err)
	}
	return s.reg.NormalizeRecord(table, doc)
}

// classify maps constraint and data errors onto validation errors. Anything
// else, including timeouts and connection loss, is an outage. A missing
// table is an outage too and re-arms table creation.
func (s *Store) classify(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgErrUndefinedTable:
			s.tables.reset()
		case pgErr.Code == pgErrUnique:
			return &store.ValidationError{Table: table, Field: schema.FieldID, Reason: "id already exists"}
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return &store.ValidationError{Table: table, Field: pgErr.ColumnName, Reason: pgErr.Message}
		}
	}
	if pgconn.Timeout(err) {
		return store.Unavailable(s.name, fmt.Errorf("%s: %w", table, err))
	}
	return store.Unavailable(s.name, err)
}
