package facade

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/store"
)

// Change describes a committed primary write.
type Change struct {
	Table  string         `json:"table"`
	Op     replication.Op `json:"op"`
	ID     string         `json:"id"`
	Record store.Record   `json:"record,omitempty"`
	At     time.Time      `json:"at"`
}

type subscriber struct {
	table string
	ch    chan Change
}

// Hub fans committed changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the change.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for changes to table, or to every table when table
// is empty. The cancel func unregisters and closes the channel.
func (h *Hub) Subscribe(table string, buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{table: table, ch: make(chan Change, buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers c to every matching subscriber.
func (h *Hub) Publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.table != "" && s.table != c.Table {
			continue
		}
		select {
		case s.ch <- c:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
