package service

import (
	"context"

	"github.com/google/uuid"

	"trellis/internal/access"
	"trellis/internal/notify"
	"trellis/internal/recordable"
	"trellis/internal/recording"
	dErrors "trellis/pkg/domain-errors"
)

// MoveTo reparents a recording under a new parent within the same root. The
// capability gate, parent allowlist, cycle check, and access checks all run
// before any write, so a rejected move leaves no event behind. The "moved"
// event and the parent pointer change commit atomically.
func (s *Service) MoveTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	start := s.cfg.Clock()
	event, err := s.moveTo(ctx, recordingID, newParentID, opts)
	s.metrics.ObserveOperation(recording.ActionMoved, err, start)
	return event, err
}

func (s *Service) moveTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, false)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	if err := s.registry.AssertCapability(rec.Recordable.Type, recordable.CapabilityMove); err != nil {
		return nil, err
	}
	newParent, err := s.recordings.GetRecording(ctx, newParentID, false)
	if err != nil {
		return nil, s.translateNotFound(err, "destination recording")
	}
	if !s.registry.ParentAllowed(rec.Recordable.Type, recordable.CapabilityMove, newParent.Recordable.Type) {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"%s cannot be moved under %s", rec.Recordable.Type, newParent.Recordable.Type)
	}
	if newParent.RootRecordingID != rec.RootRecordingID {
		return nil, dErrors.New(dErrors.CodeBadRequest,
			"destination belongs to a different root")
	}
	if rec.IsRoot() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "a root recording cannot be moved")
	}
	if err := s.assertNoCycle(ctx, rec.ID, newParent); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, opts, rec.ID, access.RoleEdit); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, opts, newParent.ID, access.RoleEdit); err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"to_parent_recording_id": newParent.ID.String(),
	}
	if rec.ParentRecordingID != nil {
		metadata["from_parent_recording_id"] = rec.ParentRecordingID.String()
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	return s.withIdempotency(ctx, rec.ID, opts.IdempotencyKey, func(ctx context.Context) (*recording.Event, []notify.Notification, error) {
		walk := newCascadeWalk(s, opts)
		event, err := s.appendEvent(ctx, rec, appendArgs{
			action:         recording.ActionMoved,
			recordable:     rec.Recordable,
			actor:          walk.actor(ctx),
			impersonator:   walk.impersonator(ctx),
			occurredAt:     opts.OccurredAt,
			metadata:       metadata,
			idempotencyKey: opts.IdempotencyKey,
		})
		if err != nil {
			return nil, nil, err
		}
		parentID := newParent.ID
		if err := s.recordings.SetParent(ctx, rec.ID, &parentID, s.cfg.Clock()); err != nil {
			return nil, nil, err
		}
		moved := *rec
		moved.ParentRecordingID = &parentID
		return event, []notify.Notification{notify.FromEvent(event, &moved)}, nil
	})
}

// CopyTo duplicates a recordable and records the duplicate as a fresh
// recording under the destination parent. The copy gets its own history: a
// single "copied" event whose metadata links back to the source.
func (s *Service) CopyTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	start := s.cfg.Clock()
	event, err := s.copyTo(ctx, recordingID, newParentID, opts)
	s.metrics.ObserveOperation(recording.ActionCopied, err, start)
	return event, err
}

func (s *Service) copyTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, false)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	if err := s.registry.AssertCapability(rec.Recordable.Type, recordable.CapabilityCopy); err != nil {
		return nil, err
	}
	newParent, err := s.recordings.GetRecording(ctx, newParentID, false)
	if err != nil {
		return nil, s.translateNotFound(err, "destination recording")
	}
	if !s.registry.ParentAllowed(rec.Recordable.Type, recordable.CapabilityCopy, newParent.Recordable.Type) {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"%s cannot be copied under %s", rec.Recordable.Type, newParent.Recordable.Type)
	}
	if err := s.requireRole(ctx, opts, rec.ID, access.RoleView); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, opts, newParent.ID, access.RoleEdit); err != nil {
		return nil, err
	}

	source, err := s.entities.Load(ctx, rec.Recordable)
	if err != nil {
		return nil, s.translateNotFound(err, "recordable")
	}
	dup, err := s.registry.Dup(source)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "duplicate recordable", err)
	}

	root, err := s.recordings.GetRecording(ctx, newParent.RootRecordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "destination root")
	}

	metadata := map[string]any{
		"copied_from_recording_id":    rec.ID.String(),
		"copied_from_recordable_type": rec.Recordable.Type,
		"copied_from_recordable_id":   rec.Recordable.ID.String(),
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	args := RecordArgs{
		Action:          recording.ActionCopied,
		Recordable:      dup,
		RootRecording:   root,
		ParentRecording: newParent,
		Metadata:        metadata,
	}
	opts.Metadata = nil
	opts.apply(&args)
	args.Metadata = metadata
	return s.recordEvent(ctx, args)
}

// assertNoCycle walks ancestors from the destination; finding the moved
// node on that path means the move would detach a subtree into a loop.
func (s *Service) assertNoCycle(ctx context.Context, movedID uuid.UUID, dest *recording.Recording) error {
	visited := map[uuid.UUID]bool{}
	node := dest
	for node != nil {
		if node.ID == movedID {
			return dErrors.New(dErrors.CodeValidation, "move would create a cycle")
		}
		if visited[node.ID] || node.IsRoot() || node.ParentRecordingID == nil {
			return nil
		}
		visited[node.ID] = true
		parent, err := s.recordings.GetRecording(ctx, *node.ParentRecordingID, true)
		if err != nil {
			return s.translateNotFound(err, "ancestor recording")
		}
		node = parent
	}
	return nil
}

// requireRole checks the acting identity against the resolver, mapping a
// missing role to a forbidden domain error.
func (s *Service) requireRole(ctx context.Context, opts OpOptions, recordingID uuid.UUID, required access.Role) error {
	if s.resolver == nil {
		return nil
	}
	actor := opts.Actor
	if actor == nil && s.cfg.ActorProvider != nil {
		actor = s.cfg.ActorProvider(ctx)
	}
	ok, err := s.resolver.Allowed(ctx, actor, recordingID, required)
	if err != nil {
		return err
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeForbidden, "requires %s access", required)
	}
	return nil
}
