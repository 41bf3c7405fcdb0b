package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/replication"
)

type received struct {
	header http.Header
	body   []byte
}

func recorder(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	got := make(chan received, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header, body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func change(table, id string) facade.Change {
	return facade.Change{Table: table, Op: replication.OpInsert, ID: id, At: time.Now().UTC()}
}

func TestDispatch_Success(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)

	payload := Payload{Timestamp: "2026-02-18T10:00:00Z", Changes: []facade.Change{change("events", "e1")}}
	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "", payload); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	r := <-got
	if r.header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", r.header.Get("Content-Type"))
	}
	if r.header.Get(HeaderTimestamp) == "" {
		t.Error("timestamp header missing")
	}
	if r.header.Get(HeaderSignature) != "" {
		t.Error("signature should be absent without secret")
	}

	var p Payload
	if err := json.Unmarshal(r.body, &p); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(p.Changes) != 1 || p.Changes[0].ID != "e1" {
		t.Errorf("body changes = %+v", p.Changes)
	}
}

func TestDispatch_WithSecret(t *testing.T) {
	srv, got := recorder(t, http.StatusNoContent)

	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "test-hmac-key", Payload{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r := <-got
	sig := r.header.Get(HeaderSignature)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature = %q, want sha256= prefix", sig)
	}
	ts := r.header.Get(HeaderTimestamp)
	if !Verify("test-hmac-key", ts, sig, r.body) {
		t.Error("signature does not verify")
	}
	if Verify("other-key", ts, sig, r.body) {
		t.Error("signature verifies with the wrong key")
	}
	if Verify("test-hmac-key", ts, sig, append(r.body, ' ')) {
		t.Error("signature verifies a modified body")
	}
}

func TestDispatch_ServerError(t *testing.T) {
	srv, _ := recorder(t, http.StatusInternalServerError)

	err := Dispatch(context.Background(), srv.Client(), srv.URL, "", Payload{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %q, want to contain 'status 500'", err.Error())
	}
}

func testConfig(url string) config.WebhookConfig {
	cfg := config.Default().Webhook
	cfg.URL = url
	cfg.BatchInterval = config.Duration(20 * time.Millisecond)
	return cfg
}

func startDispatcher(t *testing.T, d *Dispatcher, hub *facade.Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return func() {
		cancel()
		<-done
	}
}

func TestDispatcherBatchesByInterval(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	hub := facade.NewHub()
	d := New(testConfig(srv.URL), hub)
	stop := startDispatcher(t, d, hub)
	defer stop()

	hub.Publish(change("events", "e1"))
	hub.Publish(change("news_updates", "n1"))

	select {
	case r := <-got:
		var p Payload
		if err := json.Unmarshal(r.body, &p); err != nil {
			t.Fatal(err)
		}
		if len(p.Changes) != 2 {
			t.Fatalf("batch has %d changes, want 2", len(p.Changes))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestDispatcherFiltersTablesAndFlushesOnStop(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	hub := facade.NewHub()
	cfg := testConfig(srv.URL)
	cfg.BatchInterval = config.Duration(time.Hour)
	cfg.Tables = []string{"events"}
	d := New(cfg, hub)
	stop := startDispatcher(t, d, hub)

	hub.Publish(change("news_updates", "n1"))
	hub.Publish(change("events", "e1"))
	// Let the dispatcher take both before stopping it.
	time.Sleep(50 * time.Millisecond)
	stop()

	r := <-got
	var p Payload
	if err := json.Unmarshal(r.body, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Changes) != 1 || p.Changes[0].Table != "events" {
		t.Fatalf("delivered %+v, want only the events change", p.Changes)
	}
	if s := d.Stats(); s.Batches != 1 || s.Changes != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatcherBatchSize(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	hub := facade.NewHub()
	cfg := testConfig(srv.URL)
	cfg.BatchInterval = config.Duration(time.Hour)
	cfg.BatchSize = 2
	d := New(cfg, hub)
	stop := startDispatcher(t, d, hub)
	defer stop()

	hub.Publish(change("events", "e1"))
	hub.Publish(change("events", "e2"))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("full batch was not sent")
	}
}

func TestDispatcherCountsFailures(t *testing.T) {
	srv, got := recorder(t, http.StatusBadGateway)
	hub := facade.NewHub()
	d := New(testConfig(srv.URL), hub)
	stop := startDispatcher(t, d, hub)

	hub.Publish(change("events", "e1"))
	<-got
	stop()

	if s := d.Stats(); s.Failed != 1 || s.Batches != 0 {
		t.Errorf("stats = %+v", s)
	}
}
