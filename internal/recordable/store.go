package recordable

import "context"

// Store is the entity-store collaborator. The core only needs three
// capabilities from it: persist-if-not-persisted, load-by-reference, and
// best-effort cached-counter adjustment. Persisted recordables are immutable;
// re-persisting a changed payload under the same id fails with
// sentinel.ErrReadOnly, and no update or destroy surface exists at all.
type Store interface {
	// Persist writes rec if it has not been persisted yet, assigning an id
	// when unset. Persisting an already-stored recordable with an unchanged
	// payload is a no-op; a changed payload is a read-only violation.
	Persist(ctx context.Context, rec Recordable) error

	// Load decodes the recordable behind ref. Missing rows surface
	// sentinel.ErrNotFound.
	Load(ctx context.Context, ref Ref) (Recordable, error)

	// AdjustCounter adds delta to a cached counter. Types that do not track
	// the counter are skipped silently; the write is a single commutative
	// increment, safe under concurrent writers.
	AdjustCounter(ctx context.Context, ref Ref, counter Counter, delta int) error

	// CounterValue reads a cached counter, zero when untracked.
	CounterValue(ctx context.Context, ref Ref, counter Counter) (int, error)
}
