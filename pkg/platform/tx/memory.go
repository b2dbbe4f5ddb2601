package tx

import (
	"context"
	"sync"
)

// Snapshotter is implemented by memory stores that can capture and restore
// their full state, giving memory-backed tests the same rollback semantics
// the SQL transactor gets from the database.
type Snapshotter interface {
	Snapshot() any
	Restore(snapshot any)
}

type memTxKey struct{}

// MemoryTransactor serializes units of work over a set of memory stores and
// rolls all of them back together when the unit fails.
type MemoryTransactor struct {
	mu     sync.Mutex
	stores []Snapshotter
}

// NewMemoryTransactor wraps the given stores. Every store mutated inside an
// InTx call must be listed here or its writes survive a rollback.
func NewMemoryTransactor(stores ...Snapshotter) *MemoryTransactor {
	return &MemoryTransactor{stores: stores}
}

// InTx snapshots every store, runs fn, and restores the snapshots when fn
// fails. Nested calls join the outer unit.
func (t *MemoryTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshots := make([]any, len(t.stores))
	for i, s := range t.stores {
		snapshots[i] = s.Snapshot()
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, struct{}{})); err != nil {
		for i, s := range t.stores {
			s.Restore(snapshots[i])
		}
		return err
	}
	return nil
}
