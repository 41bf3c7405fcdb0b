package backend

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Primary.DSN = filepath.Join(dir, "primary.db")
	cfg.Backup = config.StoreConfig{Driver: config.DriverSQLite3, DSN: filepath.Join(dir, "backup.db")}
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Replication.PollInterval = config.Duration(10 * time.Millisecond)
	return cfg
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOpenReplicatesThroughWorkers(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t), quiet())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))

	rec, err := b.Facade.Insert(ctx, schema.TableNews, store.Record{
		"title":        "Hackathon registrations open",
		"content":      "Teams of up to four.",
		"category":     "Announcement",
		"author_name":  "Fest Team",
		"author_email": "team@fest.example",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := b.Backup.ReadOne(ctx, schema.TableNews, rec.ID())
		return err == nil && got["title"] == rec["title"]
	}, 5*time.Second, 10*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(closeCtx))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replication.Workers = 0
	_, err := Open(context.Background(), cfg, quiet())
	assert.ErrorContains(t, err, "replication.workers")
}

func TestUnreachablePostgresPrimaryIsNotFatal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Primary = config.StoreConfig{
		Driver: config.DriverPostgres,
		DSN:    "postgres://fest@127.0.0.1:1/fest?connect_timeout=1",
	}
	cfg.Server.RequestTimeout = config.Duration(2 * time.Second)

	b, err := Open(ctx, cfg, quiet())
	require.NoError(t, err)
	defer b.Close(ctx)

	_, err = b.Backup.Upsert(ctx, schema.TableInstitutions, store.Record{
		"id": "inst-1", "name": "NIT", "type": "college",
		"created_at": "2025-01-01T00:00:00Z", "updated_at": "2025-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	res, err := b.Facade.Read(ctx, schema.TableInstitutions, store.Query{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Records, 1)

	h, err := b.Facade.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.PrimaryReachable)
	assert.True(t, h.BackupReachable)
}
