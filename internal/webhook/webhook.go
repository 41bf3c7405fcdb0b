// Package webhook posts batches of committed changes to an HTTP endpoint.
// Delivery is best effort: a batch that fails is logged and dropped.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/facade"
)

// Request headers.
const (
	HeaderTimestamp = "X-Festdb-Timestamp"
	HeaderSignature = "X-Festdb-Signature"
)

// flushTimeout bounds the final delivery after the dispatcher is stopped.
const flushTimeout = 5 * time.Second

// Payload is the webhook POST body.
type Payload struct {
	Timestamp string          `json:"timestamp"`
	Changes   []facade.Change `json:"changes"`
}

// Stats counts deliveries.
type Stats struct {
	Batches int64 `json:"batches"`
	Changes int64 `json:"changes"`
	Failed  int64 `json:"failed"`
}

// Dispatcher subscribes to a change hub and forwards what it sees.
type Dispatcher struct {
	cfg    config.WebhookConfig
	hub    *facade.Hub
	tables map[string]bool
	client *http.Client
	logger *slog.Logger

	batches atomic.Int64
	changes atomic.Int64
	failed  atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHTTPClient replaces the HTTP client; its timeout is left alone.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New returns a dispatcher for cfg. cfg.Tables must hold resolved table
// names.
func New(cfg config.WebhookConfig, hub *facade.Hub, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		hub:    hub,
		client: &http.Client{Timeout: cfg.Timeout.Std()},
		logger: slog.Default(),
	}
	if len(cfg.Tables) > 0 {
		d.tables = make(map[string]bool, len(cfg.Tables))
		for _, t := range cfg.Tables {
			d.tables[t] = true
		}
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Batches: d.batches.Load(), Changes: d.changes.Load(), Failed: d.failed.Load()}
}

// Run forwards changes until ctx is done, posting a batch when it reaches
// the configured size or the batch interval passes. Pending changes are
// flushed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	ch, cancel := d.hub.Subscribe("", d.cfg.BatchSize*4)
	defer cancel()

	ticker := time.NewTicker(d.cfg.BatchInterval.Std())
	defer ticker.Stop()

	var batch []facade.Change
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		d.send(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			fctx, done := context.WithTimeout(context.Background(), flushTimeout)
			flush(fctx)
			done()
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if d.tables != nil && !d.tables[c.Table] {
				continue
			}
			batch = append(batch, c)
			if len(batch) >= d.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, batch []facade.Change) {
	p := Payload{Timestamp: time.Now().UTC().Format(time.RFC3339), Changes: batch}
	if err := Dispatch(ctx, d.client, d.cfg.URL, d.cfg.Secret, p); err != nil {
		d.failed.Add(1)
		d.logger.Warn("webhook delivery failed", "changes", len(batch), "err", err)
		return
	}
	d.batches.Add(1)
	d.changes.Add(int64(len(batch)))
	d.logger.Debug("webhook delivered", "changes", len(batch))
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, ts, signature string, body []byte) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// Dispatch performs one POST of payload to url.
// Returns nil on success (2xx status).
func Dispatch(ctx context.Context, client *http.Client, url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "festdb-webhook/1")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, ts, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}
