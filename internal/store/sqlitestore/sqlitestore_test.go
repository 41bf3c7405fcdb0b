package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
	"github.com/techfest/festdb/internal/store/storetest"
)

func TestContractModernc(t *testing.T) {
	storetest.RunContract(t, func(t *testing.T, reg *schema.Registry) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "backup.db"), reg)
		require.NoError(t, err)
		return s
	})
}

func TestContractMattn(t *testing.T) {
	storetest.RunContract(t, func(t *testing.T, reg *schema.Registry) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "backup.db"), reg, WithDriver("sqlite3"), WithName("backup"))
		require.NoError(t, err)
		return s
	})
}

func TestContractInMemory(t *testing.T) {
	storetest.RunContract(t, func(t *testing.T, reg *schema.Registry) store.Store {
		s, err := Open(":memory:", reg)
		require.NoError(t, err)
		return s
	})
}

func TestBuildSelect(t *testing.T) {
	q := store.Query{
		Where:   []store.Predicate{store.Eq("is_active", true), store.Cmp("order", store.OpLt, 5.0)},
		OrderBy: []store.Order{store.Desc("order")},
		Limit:   10,
	}
	sql, args := buildSelect(schema.TableInstitutions, q)
	assert.Equal(t,
		`SELECT doc FROM records WHERE tbl = ? AND json_extract(doc, ?) = ? AND json_extract(doc, ?) < ?`+
			` ORDER BY json_extract(doc, ?) DESC NULLS LAST, id ASC LIMIT ?`, sql)
	assert.Equal(t, []any{schema.TableInstitutions, `$."is_active"`, 1, `$."order"`, 5.0, `$."order"`, 10}, args)

	sql, args = buildSelect(schema.TableNews, store.Query{})
	assert.Equal(t, `SELECT doc FROM records WHERE tbl = ? ORDER BY created_at ASC, id ASC`, sql)
	assert.Equal(t, []any{schema.TableNews}, args)
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "backup.db")
	reg := schema.Default()

	s, err := Open(path, reg)
	require.NoError(t, err)
	rec, err := s.Insert(ctx, schema.TableInstitutions, storetest.Institution("NIT", 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, reg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.ReadOne(ctx, schema.TableInstitutions, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	// Revisions count mutations since open.
	assert.Equal(t, int64(0), s.Revision())
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "backup.db"), schema.Default())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ReadOne(ctx, schema.TableInstitutions, "x")
	assert.True(t, store.IsUnavailable(err), "got %v", err)
	assert.True(t, store.IsUnavailable(s.Ping(ctx)))
}

func TestUnknownFieldsInStoredDocsAreDropped(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", schema.Default())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.conn.Exec(`INSERT INTO records (tbl, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		schema.TableInstitutions, "legacy",
		`{"id":"legacy","name":"Old","type":"college","sponsor":"acme","logo":null,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`,
		"2024-01-01T00:00:00.000000Z", "2024-01-01T00:00:00.000000Z")
	require.NoError(t, err)

	got, err := s.ReadOne(ctx, schema.TableInstitutions, "legacy")
	require.NoError(t, err)
	assert.Equal(t, store.Record{
		"id": "legacy", "name": "Old", "type": "college",
		"created_at": "2024-01-01T00:00:00.000000Z", "updated_at": "2024-01-01T00:00:00.000000Z",
	}, got)
}
