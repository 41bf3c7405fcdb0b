package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfest/festdb/internal/api"
	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store/sqlitestore"
	"github.com/techfest/festdb/internal/store/storetest"
)

type harness struct {
	client  *Client
	facade  *facade.Facade
	primary *storetest.Faulty
	coord   *replication.Coordinator
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	open := func(name string) *storetest.Faulty {
		s, err := sqlitestore.Open(":memory:", schema.Default(), sqlitestore.WithName(name))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return storetest.NewFaulty(s)
	}
	primary, backup := open("primary"), open("backup")

	j, err := replication.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	coord := replication.NewCoordinator(j, backup, replication.Config{}, replication.WithLogger(logger))
	f := facade.New(schema.Default(), primary, backup, j, facade.WithLogger(logger))

	cfg := config.Default().Server
	cfg.RateLimit = 0
	cfg.AdminToken = token
	srv := api.NewServer(cfg, f, api.WithLogger(logger), api.WithCoordinator(coord))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &harness{client: New(hs.URL+"/", token), facade: f, primary: primary, coord: coord}
}

func institution(name string) Record {
	return Record{"name": name, "type": "university"}
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	c := h.client

	created, err := c.Insert(ctx, "institutions", institution("IIT"))
	require.NoError(t, err)
	id := created.Record.ID()
	require.NotEmpty(t, id)
	assert.Empty(t, created.ReplicationError)

	got, err := c.Get(ctx, "institutions", id)
	require.NoError(t, err)
	assert.Equal(t, "IIT", got.Record["name"])
	assert.False(t, got.Degraded)

	upd, err := c.Update(ctx, "institutions", id, Record{"student_count": 1200})
	require.NoError(t, err)
	assert.Equal(t, float64(1200), upd.Record["student_count"])

	list, err := c.List(ctx, "institutions", Query{Where: []string{"type:eq:university"}, Order: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, list.Records, 1)

	rm, err := c.Delete(ctx, "institutions", id)
	require.NoError(t, err)
	assert.False(t, rm.Noop)

	_, err = c.Get(ctx, "institutions", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	_, err := h.client.Insert(ctx, "institutions", Record{"name": "X", "type": "school"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "validation_error", apiErr.Code)
	assert.Equal(t, 400, apiErr.Status)

	_, err = h.client.List(ctx, "sponsors", Query{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDegradedRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	_, err := h.client.Insert(ctx, "institutions", institution("IIT"))
	require.NoError(t, err)
	_, err = h.coord.DrainOnce(ctx)
	require.NoError(t, err)

	h.primary.SetDown(true)
	list, err := h.client.List(ctx, "institutions", Query{})
	require.NoError(t, err)
	assert.True(t, list.Degraded)
	assert.Equal(t, "backup", list.Source)
	assert.Len(t, list.Records, 1)
}

func TestHealthDecodesUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	health, err := h.client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.PrimaryReachable)
	assert.True(t, health.BackupReachable)
}

func TestAdminCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok")
	c := h.client

	created, err := c.Insert(ctx, "institutions", institution("IIT"))
	require.NoError(t, err)

	tasks, err := c.Tasks(ctx, "pending", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, created.Record.ID(), tasks[0].RecordID)
	assert.Equal(t, "insert", tasks[0].Op)

	detail, err := c.Task(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, detail.History)

	task, err := c.Resync(ctx, "institutions", created.Record.ID())
	require.NoError(t, err)
	assert.Equal(t, "pending", task.Status)

	n, err := c.Backfill(ctx, "institutions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	purged, err := c.Purge(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, purged)

	noAuth := New(c.BaseURL, "")
	_, err = noAuth.Tasks(ctx, "", "", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSchemaCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	tables, err := h.client.Schema(ctx)
	require.NoError(t, err)
	assert.Len(t, tables, len(schema.Default().Tables()))

	md, err := h.client.SchemaMarkdown(ctx, "news")
	require.NoError(t, err)
	assert.Contains(t, md, "## news_updates")

	ts, err := h.client.TableSchema(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, schema.TableNews, ts.Name)
	assert.NotEmpty(t, ts.Fields)

	_, err = h.client.TableSchema(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangeStream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	stream, err := h.client.Changes(ctx, "")
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool { return h.facade.Hub().Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	created, err := h.client.Insert(ctx, "institutions", institution("IIT"))
	require.NoError(t, err)

	change, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, schema.TableInstitutions, change.Table)
	assert.Equal(t, "insert", change.Op)
	assert.Equal(t, created.Record.ID(), change.ID)

	_, err = h.client.Changes(ctx, "sponsors")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalClient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	srv := api.NewServer(config.Default().Server, h.facade)
	local := NewLocal(srv.Handler(), "")

	created, err := local.Insert(ctx, "institutions", institution("BITS"))
	require.NoError(t, err)

	got, err := h.client.Get(ctx, "institutions", created.Record.ID())
	require.NoError(t, err)
	assert.Equal(t, "BITS", got.Record["name"])

	_, err = local.Changes(ctx, "")
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestLocalClientErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	cfg := config.Default().Server
	cfg.AdminToken = "tok"
	srv := api.NewServer(cfg, h.facade)

	_, err := NewLocal(srv.Handler(), "tok").Get(ctx, "institutions", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewLocal(srv.Handler(), "wrong").Tasks(ctx, "", "", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResponseBuffer(t *testing.T) {
	tr := handlerTransport{h: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Festdb-Degraded", "true")
		io.WriteString(w, "hello")
		w.WriteHeader(http.StatusTeapot)
	})}
	req := httptest.NewRequest("GET", localBaseURL+"/v1/health", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "status is fixed by the first write")
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, "true", resp.Header.Get("X-Festdb-Degraded"))
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Same(t, req, resp.Request)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}
