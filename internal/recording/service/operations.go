package service

import (
	"context"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/internal/recording"
	dErrors "trellis/pkg/domain-errors"
)

// Build mutates a freshly instantiated or duplicated recordable before it is
// persisted; the recording layer never interprets payload fields itself.
type Build func(rec recordable.Recordable) error

// Record creates a new recording for a recordable under a root aggregate,
// logging a "created" event. Pass either an instance or a registered type
// name to instantiate.
func (s *Service) Record(ctx context.Context, rec recordable.Recordable, root *recording.Recording, parent *recording.Recording, build Build, opts OpOptions) (*recording.Event, error) {
	if rec == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "recordable is required")
	}
	if build != nil {
		if err := build(rec); err != nil {
			return nil, dErrors.Wrap(dErrors.CodeValidation, "build recordable", err)
		}
	}
	args := RecordArgs{
		Action:          recording.ActionCreated,
		Recordable:      rec,
		RootRecording:   root,
		ParentRecording: parent,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// RecordType is Record for callers holding only a type discriminator.
func (s *Service) RecordType(ctx context.Context, typ string, root *recording.Recording, parent *recording.Recording, build Build, opts OpOptions) (*recording.Event, error) {
	d, ok := s.registry.Descriptor(typ)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "recordable type %q is not registered", typ)
	}
	return s.Record(ctx, d.New(), root, parent, build, opts)
}

// RecordRoot creates a recording that heads its own tree. Roots are how
// aggregates come into existence; every other operation requires one.
// The container reference is the deprecated grouping alias and may be nil.
func (s *Service) RecordRoot(ctx context.Context, rec recordable.Recordable, container *recordable.Ref, build Build, opts OpOptions) (*recording.Event, error) {
	if rec == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "recordable is required")
	}
	if build != nil {
		if err := build(rec); err != nil {
			return nil, dErrors.Wrap(dErrors.CodeValidation, "build recordable", err)
		}
	}
	args := RecordArgs{
		Action:     recording.ActionCreated,
		Recordable: rec,
		Container:  container,
		asRoot:     true,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// Revise duplicates the recording's current recordable through the
// registry's duplication strategy, applies the builder, and swaps the
// recording onto the new snapshot with an "updated" event. The previous
// snapshot stays untouched, preserving history.
func (s *Service) Revise(ctx context.Context, recordingID uuid.UUID, build Build, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	current, err := s.entities.Load(ctx, rec.Recordable)
	if err != nil {
		return nil, s.translateNotFound(err, "recordable")
	}
	dup, err := s.registry.Dup(current)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeValidation, "duplicate recordable", err)
	}
	if build != nil {
		if err := build(dup); err != nil {
			return nil, dErrors.Wrap(dErrors.CodeValidation, "build recordable", err)
		}
	}
	args := RecordArgs{
		Action:     recording.ActionUpdated,
		Recordable: dup,
		Recording:  rec,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// LogEvent appends an event without changing the recordable: the
// side-channel actions ("reviewed", "commented", custom tags) that audit
// something happening to a recording rather than a revision of it.
func (s *Service) LogEvent(ctx context.Context, recordingID uuid.UUID, action string, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	args := RecordArgs{
		Action:    action,
		Recording: rec,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// Revert repoints the recording at an already-persisted snapshot, usually a
// previous event's recordable, with a "reverted" event. The type
// immutability rule still applies.
func (s *Service) Revert(ctx context.Context, recordingID uuid.UUID, to recordable.Ref, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	target, err := s.entities.Load(ctx, to)
	if err != nil {
		return nil, s.translateNotFound(err, "recordable")
	}
	args := RecordArgs{
		Action:     recording.ActionReverted,
		Recordable: target,
		Recording:  rec,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// Comment attaches a comment recordable as a child recording of the target,
// gated on the target type's comment capability.
func (s *Service) Comment(ctx context.Context, recordingID uuid.UUID, comment recordable.Recordable, build Build, opts OpOptions) (*recording.Event, error) {
	rec, err := s.recordings.GetRecording(ctx, recordingID, false)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	if err := s.registry.AssertCapability(rec.Recordable.Type, recordable.CapabilityComment); err != nil {
		return nil, err
	}
	if comment == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "comment recordable is required")
	}
	if build != nil {
		if err := build(comment); err != nil {
			return nil, dErrors.Wrap(dErrors.CodeValidation, "build recordable", err)
		}
	}
	root, err := s.recordings.GetRecording(ctx, rec.RootRecordingID, true)
	if err != nil {
		return nil, s.translateNotFound(err, "root recording")
	}
	args := RecordArgs{
		Action:          recording.ActionCommented,
		Recordable:      comment,
		RootRecording:   root,
		ParentRecording: rec,
	}
	opts.apply(&args)
	return s.RecordEvent(ctx, args)
}

// Recordings runs a validated recording query. The order safelist is
// enforced here so every caller path gets the injection guard.
func (s *Service) Recordings(ctx context.Context, q recording.Query) ([]*recording.Recording, error) {
	if err := q.ValidateOrder(s.registry); err != nil {
		return nil, err
	}
	return s.recordings.ListRecordings(ctx, q)
}

// Events runs an event query, most recent first.
func (s *Service) Events(ctx context.Context, q recording.EventQuery) ([]*recording.Event, error) {
	return s.recordings.ListEvents(ctx, q)
}

// Recording fetches one node.
func (s *Service) Recording(ctx context.Context, id uuid.UUID, includeTrashed bool) (*recording.Recording, error) {
	rec, err := s.recordings.GetRecording(ctx, id, includeTrashed)
	if err != nil {
		return nil, s.translateNotFound(err, "recording")
	}
	return rec, nil
}
