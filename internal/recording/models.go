// Package recording holds the tree-node and audit-event models at the heart
// of trellis, plus the store contract their persistence sits behind.
package recording

import (
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
)

// Actions logged by the operations layer. The column is free-form; callers
// may log their own tags through LogEvent.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionTrashed   = "trashed"
	ActionDeleted   = "deleted"
	ActionRestored  = "restored"
	ActionReverted  = "reverted"
	ActionMoved     = "moved"
	ActionCopied    = "copied"
	ActionCommented = "commented"
)

// Recording is one node in a forest of trees, one tree per root recording.
// It wraps the current recordable snapshot with tree linkage and soft-delete
// state. Roots reference themselves through RootRecordingID.
type Recording struct {
	ID              uuid.UUID
	Recordable      recordable.Ref
	RootRecordingID uuid.UUID

	// Container is the deprecated grouping alias, populated only on roots
	// created through the container-based API. Root-recording grouping is
	// canonical; container lookups resolve to a root at the edge.
	Container *recordable.Ref

	ParentRecordingID *uuid.UUID
	TrashedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsRoot reports whether the recording heads its own tree.
func (r *Recording) IsRoot() bool {
	return r.ParentRecordingID == nil
}

// Trashed reports whether the recording is soft-deleted.
func (r *Recording) Trashed() bool {
	return r.TrashedAt != nil
}

// Event is one immutable audit entry describing a single change to a
// recording. Events are append-only; they are destroyed only as a cascade of
// hard-deleting their recording.
type Event struct {
	ID          uuid.UUID
	RecordingID uuid.UUID
	Action      string

	// Recordable is the recording's snapshot as of this event;
	// PreviousRecordable is the prior snapshot when the event swapped it.
	Recordable         recordable.Ref
	PreviousRecordable *recordable.Ref

	// Actor is who acted; Impersonator is who was really acting while
	// impersonating Actor. Both optional.
	Actor        *recordable.Ref
	Impersonator *recordable.Ref

	// OccurredAt is the logical event time, distinct from row creation.
	OccurredAt time.Time

	Metadata       map[string]any
	IdempotencyKey *string
	CreatedAt      time.Time
}
