// Package access implements role grants, access boundaries, and the
// tree-walking resolver that computes an actor's effective role on a
// recording.
package access

import (
	"github.com/google/uuid"

	"trellis/internal/recordable"
)

// Recordable type discriminators owned by this package. Grants and
// boundaries are ordinary recordables: editing one means revising the
// recording that wraps it, which preserves grant history in the event log.
const (
	TypeAccess         = "access"
	TypeAccessBoundary = "access_boundary"
)

// Role is a grantable permission level, ordered view < edit < admin.
type Role string

const (
	RoleView  Role = "view"
	RoleEdit  Role = "edit"
	RoleAdmin Role = "admin"
)

// Rank returns the role's ordering and whether the role is recognized.
// Unknown roles are unranked and never satisfy any requirement.
func (r Role) Rank() (int, bool) {
	switch r {
	case RoleView:
		return 0, true
	case RoleEdit:
		return 1, true
	case RoleAdmin:
		return 2, true
	default:
		return 0, false
	}
}

// Meets reports whether r satisfies a required minimum role. Either side
// being unranked yields false.
func (r Role) Meets(minimum Role) bool {
	rank, ok := r.Rank()
	if !ok {
		return false
	}
	minRank, ok := minimum.Rank()
	if !ok {
		return false
	}
	return rank >= minRank
}

// Access is a role grant: actor plus role. Where the grant's recording sits
// in the tree decides what it covers.
type Access struct {
	ID    uuid.UUID      `json:"id"`
	Actor recordable.Ref `json:"actor"`
	Role  Role           `json:"role"`
}

func (a *Access) RecordableType() string       { return TypeAccess }
func (a *Access) RecordableID() uuid.UUID      { return a.ID }
func (a *Access) SetRecordableID(id uuid.UUID) { a.ID = id }

// AccessBoundary is a permission firewall. A recording wrapping one blocks
// upward role inheritance for its descendants unless the inherited role
// meets MinimumRole; an empty MinimumRole means no passthrough at all.
type AccessBoundary struct {
	ID          uuid.UUID `json:"id"`
	MinimumRole Role      `json:"minimum_role,omitempty"`
}

func (b *AccessBoundary) RecordableType() string       { return TypeAccessBoundary }
func (b *AccessBoundary) RecordableID() uuid.UUID      { return b.ID }
func (b *AccessBoundary) SetRecordableID(id uuid.UUID) { b.ID = id }

// RegisterTypes adds the access recordable types to a registry. Every
// deployment needs them; grants are stored as one recordable type among the
// caller's own.
func RegisterTypes(registry *recordable.Registry) error {
	if err := registry.Register(recordable.Descriptor{
		Type: TypeAccess,
		New:  func() recordable.Recordable { return &Access{} },
	}); err != nil {
		return err
	}
	return registry.Register(recordable.Descriptor{
		Type: TypeAccessBoundary,
		New:  func() recordable.Recordable { return &AccessBoundary{} },
	})
}
