package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trellis/internal/notify"
	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/pkg/platform/sentinel"
)

// Trash soft-deletes a recording, optionally cascading depth-first through
// its descendants so no child is ever left attached to a trashed parent
// without its own trashed marker. Trashing an already-trashed recording is
// a deliberate no-op with no event.
func (s *Service) Trash(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	start := s.cfg.Clock()
	event, err := s.trash(ctx, recordingID, opts)
	s.metrics.ObserveOperation(recording.ActionTrashed, err, start)
	return event, err
}

func (s *Service) trash(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	if rec.Trashed() {
		return nil, nil
	}
	cascade := s.cascadeEnabled(opts.Cascade)

	return s.withIdempotency(ctx, rec.ID, opts.IdempotencyKey, func(ctx context.Context) (*recording.Event, []notify.Notification, error) {
		walk := newCascadeWalk(s, opts)
		event, err := walk.trashNode(ctx, rec, cascade, true)
		return event, walk.notifications, err
	})
}

// Restore clears the soft-delete marker, cascading symmetrically: the node
// itself first, then its trashed descendants, so no child is active under a
// trashed parent mid-operation. Restoring an active recording is a no-op
// with no event.
func (s *Service) Restore(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	start := s.cfg.Clock()
	event, err := s.restore(ctx, recordingID, opts)
	s.metrics.ObserveOperation(recording.ActionRestored, err, start)
	return event, err
}

func (s *Service) restore(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	if !rec.Trashed() {
		return nil, nil
	}
	cascade := s.cascadeEnabled(opts.Cascade)

	return s.withIdempotency(ctx, rec.ID, opts.IdempotencyKey, func(ctx context.Context) (*recording.Event, []notify.Notification, error) {
		walk := newCascadeWalk(s, opts)
		event, err := walk.restoreNode(ctx, rec, cascade, true)
		return event, walk.notifications, err
	})
}

// HardDelete logs a "deleted" event, then physically removes the recording
// and every event attached to it, cascading depth-first when asked so
// children go before their parent and nothing is ever orphaned.
func (s *Service) HardDelete(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	start := s.cfg.Clock()
	event, err := s.hardDelete(ctx, recordingID, opts)
	s.metrics.ObserveOperation(recording.ActionDeleted, err, start)
	return event, err
}

func (s *Service) hardDelete(ctx context.Context, recordingID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	cascade := s.cascadeEnabled(opts.Cascade)

	return s.withIdempotency(ctx, rec.ID, opts.IdempotencyKey, func(ctx context.Context) (*recording.Event, []notify.Notification, error) {
		walk := newCascadeWalk(s, opts)
		event, err := walk.deleteNode(ctx, rec, cascade, true)
		return event, walk.notifications, err
	})
}

// withIdempotency brackets a transactional operation with the same replay
// protocol RecordEvent uses: pre-check before the write, and recovery from
// a unique-violation race by re-querying the winning event after rollback.
func (s *Service) withIdempotency(ctx context.Context, recordingID uuid.UUID, key string, fn func(ctx context.Context) (*recording.Event, []notify.Notification, error)) (*recording.Event, error) {
	if key != "" {
		existing, err := s.recordings.FindEventByIdempotencyKey(ctx, recordingID, key)
		if err == nil {
			return s.replay(existing, key)
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}

	var (
		event    *recording.Event
		notified []notify.Notification
	)
	txErr := s.transactor.InTx(ctx, func(ctx context.Context) error {
		var err error
		event, notified, err = fn(ctx)
		return err
	})
	if txErr != nil {
		if errors.Is(txErr, errIdempotencyRace) && key != "" {
			existing, err := s.recordings.FindEventByIdempotencyKey(ctx, recordingID, key)
			if err != nil {
				return nil, fmt.Errorf("idempotency race requery: %w", err)
			}
			return s.replay(existing, key)
		}
		return nil, txErr
	}
	s.emit(notified)
	return event, nil
}

// cascadeWalk carries the shared state of one cascade: the visited set that
// keeps the walk terminating even over a corrupted (cyclic) tree, and the
// notifications to emit after commit.
type cascadeWalk struct {
	s             *Service
	opts          OpOptions
	visited       map[uuid.UUID]bool
	notifications []notify.Notification
}

func newCascadeWalk(s *Service, opts OpOptions) *cascadeWalk {
	return &cascadeWalk{s: s, opts: opts, visited: make(map[uuid.UUID]bool)}
}

func (w *cascadeWalk) log(ctx context.Context, rec *recording.Recording, action string, isTop bool) (*recording.Event, error) {
	key := ""
	if isTop {
		// The caller's idempotency key covers the whole cascade through
		// its top-level event.
		key = w.opts.IdempotencyKey
	}
	event, err := w.s.appendEvent(ctx, rec, appendArgs{
		action:         action,
		recordable:     rec.Recordable,
		actor:          w.actor(ctx),
		impersonator:   w.impersonator(ctx),
		occurredAt:     w.opts.OccurredAt,
		metadata:       w.topMetadata(isTop),
		idempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	w.notifications = append(w.notifications, notify.FromEvent(event, rec))
	w.s.invalidateRoles(ctx, rec)
	if !isTop && w.s.metrics != nil {
		w.s.metrics.CascadedNodes.Inc()
	}
	return event, nil
}

func (w *cascadeWalk) actor(ctx context.Context) *recordable.Ref {
	if w.opts.Actor != nil {
		return w.opts.Actor
	}
	if w.s.cfg.ActorProvider != nil {
		return w.s.cfg.ActorProvider(ctx)
	}
	return nil
}

func (w *cascadeWalk) impersonator(ctx context.Context) *recordable.Ref {
	if w.opts.Impersonator != nil {
		return w.opts.Impersonator
	}
	if w.s.cfg.ImpersonatorProvider != nil {
		return w.s.cfg.ImpersonatorProvider(ctx)
	}
	return nil
}

func (w *cascadeWalk) topMetadata(isTop bool) map[string]any {
	if isTop {
		return w.opts.Metadata
	}
	return nil
}

// trashNode trashes children before logging the parent's own event so a
// reader never sees an active child under a trashed parent's event.
func (w *cascadeWalk) trashNode(ctx context.Context, rec *recording.Recording, cascade, isTop bool) (*recording.Event, error) {
	if w.visited[rec.ID] {
		return nil, nil
	}
	w.visited[rec.ID] = true

	if cascade {
		// Include trashed children: an already-trashed intermediate may
		// still hold active descendants deeper down.
		children, err := w.s.recordings.ChildrenOf(ctx, rec.ID, true)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, err := w.trashNode(ctx, child, cascade, false); err != nil {
				return nil, err
			}
		}
	}
	if rec.Trashed() {
		// Concurrently (or previously) trashed: deliberate no-op.
		return nil, nil
	}

	now := w.s.cfg.Clock()
	if err := w.s.recordings.SetTrashed(ctx, rec.ID, &now, now); err != nil {
		return nil, err
	}
	if err := w.s.entities.AdjustCounter(ctx, rec.Recordable, recordable.CounterRecordings, -1); err != nil {
		return nil, err
	}
	rec.TrashedAt = &now
	return w.log(ctx, rec, recording.ActionTrashed, isTop)
}

func (w *cascadeWalk) restoreNode(ctx context.Context, rec *recording.Recording, cascade, isTop bool) (*recording.Event, error) {
	if w.visited[rec.ID] {
		return nil, nil
	}
	w.visited[rec.ID] = true

	if !rec.Trashed() {
		return nil, nil
	}
	now := w.s.cfg.Clock()
	if err := w.s.recordings.SetTrashed(ctx, rec.ID, nil, now); err != nil {
		return nil, err
	}
	if err := w.s.entities.AdjustCounter(ctx, rec.Recordable, recordable.CounterRecordings, 1); err != nil {
		return nil, err
	}
	rec.TrashedAt = nil
	event, err := w.log(ctx, rec, recording.ActionRestored, isTop)
	if err != nil {
		return nil, err
	}

	if cascade {
		children, err := w.s.recordings.ChildrenOf(ctx, rec.ID, true)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !child.Trashed() {
				continue
			}
			if _, err := w.restoreNode(ctx, child, cascade, false); err != nil {
				return nil, err
			}
		}
	}
	return event, nil
}

// deleteNode removes children first so no event or row ever references a
// missing parent snapshot mid-operation.
func (w *cascadeWalk) deleteNode(ctx context.Context, rec *recording.Recording, cascade, isTop bool) (*recording.Event, error) {
	if w.visited[rec.ID] {
		return nil, nil
	}
	w.visited[rec.ID] = true

	if cascade {
		children, err := w.s.recordings.ChildrenOf(ctx, rec.ID, true)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, err := w.deleteNode(ctx, child, cascade, false); err != nil {
				return nil, err
			}
		}
	}

	event, err := w.log(ctx, rec, recording.ActionDeleted, isTop)
	if err != nil {
		return nil, err
	}

	// Every event of the recording is about to be destroyed with it; give
	// back their events_count contributions, the new "deleted" one
	// included.
	events, err := w.s.recordings.ListEvents(ctx, recording.EventQuery{RecordingID: rec.ID})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := w.s.entities.AdjustCounter(ctx, e.Recordable, recordable.CounterEvents, -1); err != nil {
			return nil, err
		}
	}
	if !rec.Trashed() {
		if err := w.s.entities.AdjustCounter(ctx, rec.Recordable, recordable.CounterRecordings, -1); err != nil {
			return nil, err
		}
	}
	if err := w.s.recordings.DeleteRecording(ctx, rec.ID); err != nil {
		return nil, err
	}
	return event, nil
}
