// Package recordable defines the entity side of the recording layer: the
// polymorphic reference type, the Recordable contract every versioned entity
// implements, and the closed-world registry of recordable types.
package recordable

import (
	"fmt"

	"github.com/google/uuid"
)

// Ref is a polymorphic reference to a recordable (or to an actor). The type
// discriminator plus id pair is the only thing the core ever persists about
// an entity it does not own.
type Ref struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// NewRef builds a reference from a discriminator and id.
func NewRef(typ string, id uuid.UUID) Ref {
	return Ref{Type: typ, ID: id}
}

// RefOf builds a reference to a recordable.
func RefOf(rec Recordable) Ref {
	return Ref{Type: rec.RecordableType(), ID: rec.RecordableID()}
}

// IsZero reports whether the reference points at nothing.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == uuid.Nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Recordable is implemented by every versioned entity tracked by a recording.
// Implementations are plain structs with JSON-serializable fields; the id is
// assigned by the entity store on first persist and never changes afterwards.
type Recordable interface {
	RecordableType() string
	RecordableID() uuid.UUID
	SetRecordableID(id uuid.UUID)
}

// Counter names the cached counters a recordable type may opt into.
type Counter string

const (
	// CounterRecordings counts active (non-trashed) recordings pointing at
	// the recordable.
	CounterRecordings Counter = "recordings_count"

	// CounterEvents counts events whose current snapshot is the recordable.
	CounterEvents Counter = "events_count"
)
