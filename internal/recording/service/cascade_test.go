package service

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"trellis/internal/recordable"
	"trellis/internal/recording"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/sentinel"
)

type CascadeSuite struct {
	ServiceSuite

	root *recording.Recording
	a    *recording.Recording
	b    *recording.Recording
	c    *recording.Recording
}

func TestCascadeSuite(t *testing.T) {
	suite.Run(t, new(CascadeSuite))
}

// SetupTest builds root -> a -> b, plus c directly under a.
func (s *CascadeSuite) SetupTest() {
	s.ServiceSuite.SetupTest()
	s.svc = s.newService(Config{CascadeByDefault: true})
	s.root = s.recordRoot("plans")
	s.a = s.record(s.root, nil, "a")
	s.b = s.record(s.root, s.a, "b")
	s.c = s.record(s.root, s.a, "c")
}

func (s *CascadeSuite) reload(rec *recording.Recording) *recording.Recording {
	got, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
	s.Require().NoError(err)
	return got
}

func (s *CascadeSuite) TestTrashCascades() {
	event, err := s.svc.Trash(s.ctx, s.a.ID, OpOptions{Actor: &s.actor, IdempotencyKey: "trash-a"})
	s.Require().NoError(err)
	s.Equal(recording.ActionTrashed, event.Action)
	s.Equal(s.a.ID, event.RecordingID)

	s.True(s.reload(s.a).Trashed())
	s.True(s.reload(s.b).Trashed())
	s.True(s.reload(s.c).Trashed())
	s.False(s.reload(s.root).Trashed())

	// Trashed nodes drop out of the active count but keep their events.
	for _, rec := range []*recording.Recording{s.a, s.b, s.c} {
		s.Equal(0, s.counter(rec, recordable.CounterRecordings))
	}
	s.Equal(1, s.counter(s.root, recordable.CounterRecordings))

	s.Run("every node gets its own trashed event", func() {
		for _, rec := range []*recording.Recording{s.a, s.b, s.c} {
			events, err := s.svc.Events(s.ctx, recording.EventQuery{
				RecordingID: rec.ID,
				Action:      recording.ActionTrashed,
			})
			s.Require().NoError(err)
			s.Len(events, 1)
		}
	})

	s.Run("only the top event carries the idempotency key", func() {
		top, err := s.recordings.FindEventByIdempotencyKey(s.ctx, s.a.ID, "trash-a")
		s.Require().NoError(err)
		s.Equal(event.ID, top.ID)

		_, err = s.recordings.FindEventByIdempotencyKey(s.ctx, s.b.ID, "trash-a")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("trashing again is a no-op", func() {
		again, err := s.svc.Trash(s.ctx, s.a.ID, OpOptions{})
		s.Require().NoError(err)
		s.Nil(again)
	})
}

func (s *CascadeSuite) TestTrashWithoutCascade() {
	off := false
	event, err := s.svc.Trash(s.ctx, s.a.ID, OpOptions{Cascade: &off})
	s.Require().NoError(err)
	s.Require().NotNil(event)

	s.True(s.reload(s.a).Trashed())
	s.False(s.reload(s.b).Trashed())
	s.False(s.reload(s.c).Trashed())
}

func (s *CascadeSuite) TestCascadeFollowsConfiguredDefault() {
	svc := s.newService(Config{CascadeByDefault: false})
	_, err := svc.Trash(s.ctx, s.a.ID, OpOptions{})
	s.Require().NoError(err)

	s.True(s.reload(s.a).Trashed())
	s.False(s.reload(s.b).Trashed())
	s.False(s.reload(s.c).Trashed())
}

func (s *CascadeSuite) TestTrashDescendsThroughTrashedChild() {
	// d sits below b; trashing b alone leaves d active, so a later cascade
	// from a must walk through the trashed b to reach it.
	d := s.record(s.root, s.b, "d")

	off := false
	_, err := s.svc.Trash(s.ctx, s.b.ID, OpOptions{Cascade: &off})
	s.Require().NoError(err)
	s.False(s.reload(d).Trashed())

	_, err = s.svc.Trash(s.ctx, s.a.ID, OpOptions{})
	s.Require().NoError(err)

	s.True(s.reload(s.a).Trashed())
	s.True(s.reload(s.b).Trashed())
	s.True(s.reload(s.c).Trashed())
	s.True(s.reload(d).Trashed())

	s.Run("the already-trashed child logs no second event", func() {
		events, err := s.svc.Events(s.ctx, recording.EventQuery{
			RecordingID: s.b.ID,
			Action:      recording.ActionTrashed,
		})
		s.Require().NoError(err)
		s.Len(events, 1)
	})
}

func (s *CascadeSuite) TestRestoreCascades() {
	_, err := s.svc.Trash(s.ctx, s.a.ID, OpOptions{})
	s.Require().NoError(err)

	event, err := s.svc.Restore(s.ctx, s.a.ID, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)
	s.Equal(recording.ActionRestored, event.Action)

	s.False(s.reload(s.a).Trashed())
	s.False(s.reload(s.b).Trashed())
	s.False(s.reload(s.c).Trashed())
	for _, rec := range []*recording.Recording{s.a, s.b, s.c} {
		s.Equal(1, s.counter(rec, recordable.CounterRecordings))
	}
}

func (s *CascadeSuite) TestRestoreOnlyRevivesTrashedDescendants() {
	// b was trashed on its own before the parent went; restoring the parent
	// without cascade leaves the subtree alone.
	_, err := s.svc.Trash(s.ctx, s.b.ID, OpOptions{})
	s.Require().NoError(err)
	_, err = s.svc.Trash(s.ctx, s.a.ID, OpOptions{})
	s.Require().NoError(err)

	off := false
	_, err = s.svc.Restore(s.ctx, s.a.ID, OpOptions{Cascade: &off})
	s.Require().NoError(err)

	s.False(s.reload(s.a).Trashed())
	s.True(s.reload(s.b).Trashed())
	s.True(s.reload(s.c).Trashed())
}

func (s *CascadeSuite) TestRestoreActiveIsNoOp() {
	event, err := s.svc.Restore(s.ctx, s.a.ID, OpOptions{})
	s.Require().NoError(err)
	s.Nil(event)
}

func (s *CascadeSuite) TestHardDelete() {
	aSnapshot := s.a.Recordable

	event, err := s.svc.HardDelete(s.ctx, s.a.ID, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)
	s.Equal(recording.ActionDeleted, event.Action)

	for _, rec := range []*recording.Recording{s.a, s.b, s.c} {
		_, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
		s.ErrorIs(err, sentinel.ErrNotFound)

		events, err := s.svc.Events(s.ctx, recording.EventQuery{RecordingID: rec.ID})
		s.Require().NoError(err)
		s.Empty(events)
	}
	s.NotNil(s.reload(s.root))

	// The snapshots survive but their cached counts are fully unwound.
	v, err := s.entities.CounterValue(s.ctx, aSnapshot, recordable.CounterEvents)
	s.Require().NoError(err)
	s.Equal(0, v)
	v, err = s.entities.CounterValue(s.ctx, aSnapshot, recordable.CounterRecordings)
	s.Require().NoError(err)
	s.Equal(0, v)
}

func (s *CascadeSuite) TestHardDeleteTrashedDoesNotDoubleCount() {
	_, err := s.svc.Trash(s.ctx, s.c.ID, OpOptions{})
	s.Require().NoError(err)
	cSnapshot := s.c.Recordable

	_, err = s.svc.HardDelete(s.ctx, s.c.ID, OpOptions{})
	s.Require().NoError(err)

	// Already at zero from the trash; the delete must not go negative.
	v, err := s.entities.CounterValue(s.ctx, cSnapshot, recordable.CounterRecordings)
	s.Require().NoError(err)
	s.Equal(0, v)
}

func (s *CascadeSuite) TestLifecycleMissingRecording() {
	_, err := s.svc.Trash(s.ctx, s.a.Recordable.ID, OpOptions{})
	s.True(dErrors.IsCode(err, dErrors.CodeNotFound))
}
