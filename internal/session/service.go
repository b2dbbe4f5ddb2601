package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trellis/internal/access"
	"trellis/internal/recordable"
	"trellis/internal/recording"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/sentinel"
	"trellis/pkg/platform/tx"
)

// Service implements find-or-create session resolution and the row-locked
// root switch. Fingerprints are hashed before they reach the store.
type Service struct {
	store      Store
	recordings recording.Store
	resolver   access.Checker
	transactor tx.Transactor
	logger     *slog.Logger
	clock      func() time.Time
}

func NewService(store Store, recordings recording.Store, resolver access.Checker, transactor tx.Transactor, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		recordings: recordings,
		resolver:   resolver,
		transactor: transactor,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithClock pins the clock; tests only.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Resolve finds or creates the session for (actor, device fingerprint). On
// create it defaults to the actor's first accessible root; an actor with no
// accessible roots gets no session (nil, nil). A create losing the race to
// a concurrent request retries the lookup exactly once.
func (s *Service) Resolve(ctx context.Context, actor recordable.Ref, fingerprint, userAgent string) (*DeviceSession, error) {
	if actor.IsZero() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "actor is required")
	}
	if fingerprint == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "device fingerprint is required")
	}
	hash := FingerprintHash(fingerprint)

	sess, err := s.store.Find(ctx, actor, hash)
	if err == nil {
		if touchErr := s.store.Touch(ctx, sess.ID, s.clock()); touchErr != nil {
			// Staleness of last_active_at is tolerable; the lookup is not.
			s.logger.WarnContext(ctx, "touch session failed",
				"session_id", sess.ID, "error", touchErr)
		}
		return sess, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	roots, err := s.resolver.RootRecordingIDsFor(ctx, actor, access.RoleView)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, nil
	}

	now := s.clock()
	sess = &DeviceSession{
		ID:                uuid.New(),
		Actor:             actor,
		DeviceFingerprint: hash,
		RootRecordingID:   roots[0],
		UserAgent:         truncateUserAgent(userAgent),
		DeviceName:        deviceName(userAgent),
		LastActiveAt:      now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// A concurrent request created it first; theirs wins.
			return s.store.Find(ctx, actor, hash)
		}
		return nil, err
	}
	return sess, nil
}

// SwitchTo repoints the session at a new root. The session row stays locked
// while access is revalidated, so two concurrent switches cannot interleave
// into an inconsistent root/last-active pair.
func (s *Service) SwitchTo(ctx context.Context, actor recordable.Ref, fingerprint string, newRootID uuid.UUID, minimum access.Role) (*DeviceSession, error) {
	if minimum == "" {
		minimum = access.RoleView
	}
	hash := FingerprintHash(fingerprint)

	sess, err := s.store.Find(ctx, actor, hash)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(dErrors.CodeNotFound, "session not found", err)
		}
		return nil, err
	}
	newRoot, err := s.recordings.GetRecording(ctx, newRootID, false)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(dErrors.CodeNotFound, "root recording not found", err)
		}
		return nil, err
	}
	if !newRoot.IsRoot() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "recording is not a root")
	}

	err = s.transactor.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.FindForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		roots, err := s.resolver.RootRecordingIDsFor(ctx, actor, minimum)
		if err != nil {
			return err
		}
		if !containsRoot(roots, newRootID) {
			return dErrors.Newf(dErrors.CodeForbidden, "requires %s access to root", minimum)
		}
		now := s.clock()
		if err := s.store.SetRoot(ctx, locked.ID, newRootID, now); err != nil {
			return err
		}
		sess = locked
		sess.RootRecordingID = newRootID
		sess.LastActiveAt = now
		sess.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// RootRecordingResolver answers "which tree is this actor browsing" with a
// self-healing fallback: a stored root the actor can no longer see is
// atomically replaced with their current first accessible root.
type RootRecordingResolver struct {
	sessions *Service
}

func NewRootRecordingResolver(sessions *Service) *RootRecordingResolver {
	return &RootRecordingResolver{sessions: sessions}
}

func (r *RootRecordingResolver) RootFor(ctx context.Context, actor recordable.Ref, fingerprint, userAgent string) (uuid.UUID, error) {
	s := r.sessions

	sess, err := s.Resolve(ctx, actor, fingerprint, userAgent)
	if err != nil {
		return uuid.Nil, err
	}
	if sess == nil {
		return uuid.Nil, dErrors.New(dErrors.CodeForbidden, "no accessible root recordings")
	}

	roots, err := s.resolver.RootRecordingIDsFor(ctx, actor, access.RoleView)
	if err != nil {
		return uuid.Nil, err
	}
	if containsRoot(roots, sess.RootRecordingID) {
		return sess.RootRecordingID, nil
	}
	if len(roots) == 0 {
		return uuid.Nil, dErrors.New(dErrors.CodeForbidden, "no accessible root recordings")
	}

	// Access to the stored root was revoked since last use; repoint under
	// the same row lock SwitchTo takes.
	healed := roots[0]
	err = s.transactor.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.FindForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		return s.store.SetRoot(ctx, locked.ID, healed, s.clock())
	})
	if err != nil {
		return uuid.Nil, err
	}
	return healed, nil
}

func containsRoot(roots []uuid.UUID, id uuid.UUID) bool {
	for _, r := range roots {
		if r == id {
			return true
		}
	}
	return false
}
