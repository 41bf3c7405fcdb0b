package storetest

import (
	"context"
	"errors"
	"sync"

	"github.com/techfest/festdb/internal/store"
)

// ErrInjected is the cause carried by injected outages.
var ErrInjected = errors.New("injected outage")

// Faulty wraps a store and fails calls on demand. SetDown fails everything
// until cleared; FailNext fails a fixed number of upcoming data calls.
type Faulty struct {
	store.Store

	mu       sync.Mutex
	down     bool
	failNext int
	calls    map[string]int
}

// NewFaulty wraps s.
func NewFaulty(s store.Store) *Faulty {
	return &Faulty{Store: s, calls: make(map[string]int)}
}

// SetDown toggles a full outage.
func (f *Faulty) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// FailNext makes the next n data calls fail.
func (f *Faulty) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

// Calls returns how many times op was attempted, including failures.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.down {
		return store.Unavailable(f.Store.Name(), ErrInjected)
	}
	if f.failNext > 0 {
		f.failNext--
		return store.Unavailable(f.Store.Name(), ErrInjected)
	}
	return nil
}

func (f *Faulty) Read(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	if err := f.check("read"); err != nil {
		return nil, err
	}
	return f.Store.Read(ctx, table, q)
}

func (f *Faulty) ReadOne(ctx context.Context, table, id string) (store.Record, error) {
	if err := f.check("read_one"); err != nil {
		return nil, err
	}
	return f.Store.ReadOne(ctx, table, id)
}

func (f *Faulty) Insert(ctx context.Context, table string, fields store.Record) (store.Record, error) {
	if err := f.check("insert"); err != nil {
		return nil, err
	}
	return f.Store.Insert(ctx, table, fields)
}

func (f *Faulty) Update(ctx context.Context, table, id string, fields store.Record) (store.Record, error) {
	if err := f.check("update"); err != nil {
		return nil, err
	}
	return f.Store.Update(ctx, table, id, fields)
}

func (f *Faulty) Upsert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	if err := f.check("upsert"); err != nil {
		return nil, err
	}
	return f.Store.Upsert(ctx, table, rec)
}

func (f *Faulty) Remove(ctx context.Context, table, id string) (store.RemoveResult, error) {
	if err := f.check("remove"); err != nil {
		return store.RemoveResult{}, err
	}
	return f.Store.Remove(ctx, table, id)
}

// Ping only reflects SetDown.
func (f *Faulty) Ping(ctx context.Context) error {
	f.mu.Lock()
	down := f.down
	f.calls["ping"]++
	f.mu.Unlock()
	if down {
		return store.Unavailable(f.Store.Name(), ErrInjected)
	}
	return f.Store.Ping(ctx)
}
