package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	rateLimited   atomic.Int64
	degradedReads atomic.Int64
	writes        atomic.Int64
	enqueueErrors atomic.Int64
	streams       atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	RateLimited   int64   `json:"rate_limited"`
	DegradedReads int64   `json:"degraded_reads"`
	Writes        int64   `json:"writes"`
	EnqueueErrors int64   `json:"enqueue_errors"`
	OpenStreams   int64   `json:"open_streams"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordRateLimited increments the rejected-by-limiter counter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Add(1)
}

// RecordRead counts a read, noting whether the backup served it.
func (m *Metrics) RecordRead(degraded bool) {
	if degraded {
		m.degradedReads.Add(1)
	}
}

// RecordWrite counts a committed primary write.
func (m *Metrics) RecordWrite() {
	m.writes.Add(1)
}

// RecordEnqueueError counts a write whose replication task was not stored.
func (m *Metrics) RecordEnqueueError() {
	m.enqueueErrors.Add(1)
}

// StreamOpened and StreamClosed track live change streams.
func (m *Metrics) StreamOpened() { m.streams.Add(1) }

func (m *Metrics) StreamClosed() { m.streams.Add(-1) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		RateLimited:   m.rateLimited.Load(),
		DegradedReads: m.degradedReads.Load(),
		Writes:        m.writes.Load(),
		EnqueueErrors: m.enqueueErrors.Load(),
		OpenStreams:   m.streams.Load(),
	}
}
