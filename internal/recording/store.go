package recording

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
)

// Store is the persistence contract for recordings and their events. Stores
// are pure I/O: tree invariants (acyclicity, same-root parents) and cascade
// ordering are enforced by the operations service, and every store method
// joins an enclosing transaction when one is in the context.
//
// Soft-deleted recordings are invisible to reads unless includeTrashed is
// passed; there is no implicit default scope.
type Store interface {
	CreateRecording(ctx context.Context, rec *Recording) error
	GetRecording(ctx context.Context, id uuid.UUID, includeTrashed bool) (*Recording, error)

	// UpdateRecordable repoints the recording at a new current snapshot.
	// Revisions are the only permitted mutation of recordable linkage.
	UpdateRecordable(ctx context.Context, id uuid.UUID, ref recordable.Ref, now time.Time) error

	// SetParent re-parents the recording; nil makes it a root.
	SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, now time.Time) error

	// SetTrashed toggles the soft-delete marker.
	SetTrashed(ctx context.Context, id uuid.UUID, trashedAt *time.Time, now time.Time) error

	// DeleteRecording removes the row and every event attached to it.
	DeleteRecording(ctx context.Context, id uuid.UUID) error

	ChildrenOf(ctx context.Context, id uuid.UUID, includeTrashed bool) ([]*Recording, error)
	ListRecordings(ctx context.Context, q Query) ([]*Recording, error)

	// ListByRecordableType lists recordings wrapping the given recordable
	// type; the access resolver uses it to enumerate grant recordings.
	ListByRecordableType(ctx context.Context, typ string, includeTrashed bool) ([]*Recording, error)

	// FindRootByContainer resolves the deprecated container grouping to its
	// root recording.
	FindRootByContainer(ctx context.Context, container recordable.Ref) (*Recording, error)

	// CreateEvent appends an event. A duplicate (recording_id,
	// idempotency_key) surfaces sentinel.ErrConflict so the caller can
	// re-query and return the original.
	CreateEvent(ctx context.Context, event *Event) error
	FindEventByIdempotencyKey(ctx context.Context, recordingID uuid.UUID, key string) (*Event, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)
}
