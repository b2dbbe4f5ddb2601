package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
)

// Store persists device sessions. Implementations return
// sentinel.ErrNotFound for missing rows and sentinel.ErrConflict when a
// create collides on the (actor, fingerprint) uniqueness key.
type Store interface {
	Create(ctx context.Context, sess *DeviceSession) error
	Find(ctx context.Context, actor recordable.Ref, fingerprintHash string) (*DeviceSession, error)

	// FindForUpdate loads the session holding an exclusive row lock for
	// the remainder of the surrounding transaction.
	FindForUpdate(ctx context.Context, id uuid.UUID) (*DeviceSession, error)

	SetRoot(ctx context.Context, id, rootRecordingID uuid.UUID, lastActiveAt time.Time) error
	Touch(ctx context.Context, id uuid.UUID, lastActiveAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}
