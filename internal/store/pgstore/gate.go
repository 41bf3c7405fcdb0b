package pgstore

import (
	"context"
	"sync"
	"sync/atomic"
)

// schemaGate runs table creation until it succeeds once. A server that was
// down at startup gets its tables on the first call after it comes back.
type schemaGate struct {
	mu     sync.Mutex
	ready  atomic.Bool
	create func(context.Context) error
}

func (g *schemaGate) ensure(ctx context.Context) error {
	if g.ready.Load() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready.Load() {
		return nil
	}
	if err := g.create(ctx); err != nil {
		return err
	}
	g.ready.Store(true)
	return nil
}

// reset makes the next call recreate missing tables.
func (g *schemaGate) reset() { g.ready.Store(false) }
