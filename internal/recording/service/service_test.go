package service

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trellis/internal/access"
	"trellis/internal/recordable"
	recordablestore "trellis/internal/recordable/store"
	"trellis/internal/recording"
	recordingstore "trellis/internal/recording/store"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/tx"
)

// note is the recordable type the tests revolve around.
type note struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
}

func (n *note) RecordableType() string       { return "note" }
func (n *note) RecordableID() uuid.UUID      { return n.ID }
func (n *note) SetRecordableID(id uuid.UUID) { n.ID = id }

// binder is a second type used for capability and type-immutability checks.
type binder struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (b *binder) RecordableType() string       { return "binder" }
func (b *binder) RecordableID() uuid.UUID      { return b.ID }
func (b *binder) SetRecordableID(id uuid.UUID) { b.ID = id }

type ServiceSuite struct {
	suite.Suite

	registry   *recordable.Registry
	entities   *recordablestore.InMemoryStore
	recordings *recordingstore.InMemoryStore
	resolver   *access.Resolver
	svc        *Service

	actor recordable.Ref
	ctx   context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.registry = recordable.NewRegistry()
	s.Require().NoError(access.RegisterTypes(s.registry))
	s.registry.MustRegister(recordable.Descriptor{
		Type: "note",
		New:  func() recordable.Recordable { return &note{} },
		Capabilities: []recordable.Capability{
			recordable.CapabilityMove,
			recordable.CapabilityCopy,
			recordable.CapabilityComment,
		},
		AllowedParents: map[recordable.Capability][]string{
			recordable.CapabilityMove: {"note", "binder"},
			recordable.CapabilityCopy: {"note", "binder"},
		},
		TracksRecordingsCount: true,
		TracksEventsCount:     true,
		QueryColumns:          []string{"title"},
	})
	s.registry.MustRegister(recordable.Descriptor{
		Type:                  "binder",
		New:                   func() recordable.Recordable { return &binder{} },
		TracksRecordingsCount: true,
	})

	s.entities = recordablestore.NewMemory(s.registry)
	s.recordings = recordingstore.NewMemory().WithEntityStore(s.entities)
	s.resolver = access.NewResolver(s.recordings, s.entities, nil)
	s.svc = s.newService(Config{})

	s.actor = recordable.NewRef("user", uuid.New())
	s.ctx = context.Background()
}

func (s *ServiceSuite) newService(cfg Config) *Service {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	transactor := tx.NewMemoryTransactor(s.entities, s.recordings)
	return New(cfg, s.registry, s.entities, s.recordings, s.resolver, transactor, nil, nil, logger)
}

// recordRoot creates a fresh tree and returns its root recording.
func (s *ServiceSuite) recordRoot(title string) *recording.Recording {
	event, err := s.svc.RecordRoot(s.ctx, &note{Title: title}, nil, nil, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)
	root, err := s.recordings.GetRecording(s.ctx, event.RecordingID, true)
	s.Require().NoError(err)
	return root
}

// record creates a recording under root (or parent when given).
func (s *ServiceSuite) record(root, parent *recording.Recording, title string) *recording.Recording {
	event, err := s.svc.Record(s.ctx, &note{Title: title}, root, parent, nil, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)
	rec, err := s.recordings.GetRecording(s.ctx, event.RecordingID, true)
	s.Require().NoError(err)
	return rec
}

// grant attaches an access grant for actor directly under node.
func (s *ServiceSuite) grant(root, node *recording.Recording, actor recordable.Ref, role access.Role) {
	_, err := s.svc.Record(s.ctx, &access.Access{Actor: actor, Role: role}, root, node, nil, OpOptions{})
	s.Require().NoError(err)
}

func (s *ServiceSuite) counter(rec *recording.Recording, counter recordable.Counter) int {
	v, err := s.entities.CounterValue(s.ctx, rec.Recordable, counter)
	s.Require().NoError(err)
	return v
}

func (s *ServiceSuite) TestRecordRoot() {
	root := s.recordRoot("plans")

	s.True(root.IsRoot())
	s.Equal(root.ID, root.RootRecordingID)
	s.Nil(root.ParentRecordingID)
	s.Equal("note", root.Recordable.Type)
	s.Equal(1, s.counter(root, recordable.CounterRecordings))
	s.Equal(1, s.counter(root, recordable.CounterEvents))

	events, err := s.svc.Events(s.ctx, recording.EventQuery{RecordingID: root.ID})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(recording.ActionCreated, events[0].Action)
	s.Equal(&s.actor, events[0].Actor)
}

func (s *ServiceSuite) TestRecordUnderRoot() {
	root := s.recordRoot("plans")

	s.Run("defaults to the root as parent", func() {
		rec := s.record(root, nil, "week 1")
		s.Require().NotNil(rec.ParentRecordingID)
		s.Equal(root.ID, *rec.ParentRecordingID)
		s.Equal(root.ID, rec.RootRecordingID)
	})

	s.Run("nested parent", func() {
		parent := s.record(root, nil, "week 2")
		child := s.record(root, parent, "monday")
		s.Equal(parent.ID, *child.ParentRecordingID)
	})

	s.Run("rejects a parent from another root", func() {
		other := s.recordRoot("other")
		stranger := s.record(other, nil, "elsewhere")

		_, err := s.svc.Record(s.ctx, &note{Title: "x"}, root, stranger, nil, OpOptions{})
		s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))
	})

	s.Run("requires a root", func() {
		_, err := s.svc.Record(s.ctx, &note{Title: "x"}, nil, nil, nil, OpOptions{})
		s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ServiceSuite) TestRecordableImmutableOncePersisted() {
	root := s.recordRoot("plans")

	current, err := s.entities.Load(s.ctx, root.Recordable)
	s.Require().NoError(err)
	mutated := current.(*note)
	mutated.Title = "changed in place"

	_, err = s.svc.Record(s.ctx, mutated, root, nil, nil, OpOptions{})
	s.True(dErrors.IsCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRevise() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "draft")
	original := rec.Recordable

	event, err := s.svc.Revise(s.ctx, rec.ID, func(r recordable.Recordable) error {
		r.(*note).Title = "final"
		return nil
	}, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)

	s.Equal(recording.ActionUpdated, event.Action)
	s.Require().NotNil(event.PreviousRecordable)
	s.Equal(original, *event.PreviousRecordable)
	s.NotEqual(original.ID, event.Recordable.ID)

	// The recording points at the new snapshot; the old one survives for
	// history.
	updated, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
	s.Require().NoError(err)
	s.Equal(event.Recordable, updated.Recordable)

	old, err := s.entities.Load(s.ctx, original)
	s.Require().NoError(err)
	s.Equal("draft", old.(*note).Title)

	current, err := s.entities.Load(s.ctx, updated.Recordable)
	s.Require().NoError(err)
	s.Equal("final", current.(*note).Title)

	// Active-recording count moved from the old snapshot to the new one.
	v, err := s.entities.CounterValue(s.ctx, original, recordable.CounterRecordings)
	s.Require().NoError(err)
	s.Equal(0, v)
	s.Equal(1, s.counter(updated, recordable.CounterRecordings))
}

func (s *ServiceSuite) TestReviseRejectsParentArgument() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "draft")
	other := s.record(root, nil, "elsewhere")

	_, err := s.svc.RecordEvent(s.ctx, RecordArgs{
		Action:          recording.ActionUpdated,
		Recording:       rec,
		ParentRecording: other,
	})
	s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))

	// The node is untouched.
	got, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
	s.Require().NoError(err)
	s.Equal(root.ID, *got.ParentRecordingID)
}

func (s *ServiceSuite) TestRevertEnforcesTypeImmutability() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "draft")

	other := &binder{Name: "shelf"}
	s.Require().NoError(s.entities.Persist(s.ctx, other))

	_, err := s.svc.Revert(s.ctx, rec.ID, recordable.RefOf(other), OpOptions{})
	s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))
}

func (s *ServiceSuite) TestRevert() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "v1")
	original := rec.Recordable

	_, err := s.svc.Revise(s.ctx, rec.ID, func(r recordable.Recordable) error {
		r.(*note).Title = "v2"
		return nil
	}, OpOptions{})
	s.Require().NoError(err)

	event, err := s.svc.Revert(s.ctx, rec.ID, original, OpOptions{})
	s.Require().NoError(err)
	s.Equal(recording.ActionReverted, event.Action)

	reverted, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
	s.Require().NoError(err)
	s.Equal(original, reverted.Recordable)
}

func (s *ServiceSuite) TestLogEvent() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "draft")
	before := rec.Recordable

	event, err := s.svc.LogEvent(s.ctx, rec.ID, "reviewed", OpOptions{
		Actor:    &s.actor,
		Metadata: map[string]any{"comment": "lgtm"},
	})
	s.Require().NoError(err)
	s.Equal("reviewed", event.Action)
	s.Equal(before, event.Recordable)
	s.Nil(event.PreviousRecordable)

	// The recordable itself is untouched.
	after, err := s.recordings.GetRecording(s.ctx, rec.ID, true)
	s.Require().NoError(err)
	s.Equal(before, after.Recordable)
}

func (s *ServiceSuite) TestIdempotency() {
	s.Run("returns the existing event by default", func() {
		root := s.recordRoot("plans")
		rec := s.record(root, nil, "draft")

		opts := OpOptions{IdempotencyKey: "req-12345678"}
		first, err := s.svc.LogEvent(s.ctx, rec.ID, "reviewed", opts)
		s.Require().NoError(err)

		second, err := s.svc.LogEvent(s.ctx, rec.ID, "reviewed", opts)
		s.Require().NoError(err)
		s.Equal(first.ID, second.ID)

		events, err := s.svc.Events(s.ctx, recording.EventQuery{RecordingID: rec.ID, Action: "reviewed"})
		s.Require().NoError(err)
		s.Len(events, 1)
	})

	s.Run("same key on different recordings is independent", func() {
		root := s.recordRoot("plans")
		a := s.record(root, nil, "a")
		b := s.record(root, nil, "b")

		opts := OpOptions{IdempotencyKey: "shared-key"}
		ea, err := s.svc.LogEvent(s.ctx, a.ID, "reviewed", opts)
		s.Require().NoError(err)
		eb, err := s.svc.LogEvent(s.ctx, b.ID, "reviewed", opts)
		s.Require().NoError(err)
		s.NotEqual(ea.ID, eb.ID)
	})

	s.Run("reject mode masks the key", func() {
		svc := s.newService(Config{IdempotencyMode: IdempotencyReject})
		root := s.recordRoot("plans")
		rec := s.record(root, nil, "draft")

		opts := OpOptions{IdempotencyKey: "req-12345678"}
		_, err := svc.LogEvent(s.ctx, rec.ID, "reviewed", opts)
		s.Require().NoError(err)

		_, err = svc.LogEvent(s.ctx, rec.ID, "reviewed", opts)
		s.Require().True(dErrors.IsCode(err, dErrors.CodeIdempotencyConflict))
		s.Contains(err.Error(), "5678")
		s.NotContains(err.Error(), "req-1234")
	})
}

func (s *ServiceSuite) TestMaskKey() {
	s.Equal("****", maskKey("abcd"))
	s.Equal("********5678", maskKey("req-12345678"))
	s.True(strings.HasSuffix(maskKey("x-1"), "***"))
}

func (s *ServiceSuite) TestComment() {
	root := s.recordRoot("plans")
	rec := s.record(root, nil, "draft")

	s.Run("creates a child recording", func() {
		event, err := s.svc.Comment(s.ctx, rec.ID, &note{Title: "re: draft"}, nil, OpOptions{Actor: &s.actor})
		s.Require().NoError(err)
		s.Equal(recording.ActionCommented, event.Action)

		child, err := s.recordings.GetRecording(s.ctx, event.RecordingID, true)
		s.Require().NoError(err)
		s.Equal(rec.ID, *child.ParentRecordingID)
		s.Equal(root.ID, child.RootRecordingID)
	})

	s.Run("is capability gated", func() {
		bEvent, err := s.svc.Record(s.ctx, &binder{Name: "shelf"}, root, nil, nil, OpOptions{})
		s.Require().NoError(err)

		_, err = s.svc.Comment(s.ctx, bEvent.RecordingID, &note{Title: "no"}, nil, OpOptions{})
		s.True(dErrors.IsCode(err, dErrors.CodeCapabilityDisabled))
	})
}

func (s *ServiceSuite) TestRecordingsQuery() {
	root := s.recordRoot("plans")
	s.record(root, nil, "beta")
	s.record(root, nil, "alpha")

	s.Run("orders by safelisted payload field", func() {
		recs, err := s.svc.Recordings(s.ctx, recording.Query{
			RootRecordingID: root.ID,
			RecordableType:  "note",
			OrderBy:         "payload.title",
		})
		s.Require().NoError(err)
		s.Require().Len(recs, 3)

		titles := make([]string, 0, len(recs))
		for _, rec := range recs {
			current, err := s.entities.Load(s.ctx, rec.Recordable)
			s.Require().NoError(err)
			titles = append(titles, current.(*note).Title)
		}
		s.Equal([]string{"alpha", "beta", "plans"}, titles)
	})

	s.Run("rejects unsafelisted order targets", func() {
		_, err := s.svc.Recordings(s.ctx, recording.Query{
			RecordableType: "note",
			OrderBy:        "payload.body; DROP TABLE recordings",
		})
		s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))

		_, err = s.svc.Recordings(s.ctx, recording.Query{OrderBy: "payload.title"})
		s.True(dErrors.IsCode(err, dErrors.CodeBadRequest))
	})

	s.Run("nil actor event query yields empty", func() {
		events, err := s.svc.Events(s.ctx, recording.EventQuery{ByActor: true})
		s.Require().NoError(err)
		s.Empty(events)
	})
}

// invalidationSpy wraps the real resolver and records which recordings had
// their cached roles dropped.
type invalidationSpy struct {
	access.Checker
	invalidated []uuid.UUID
}

func (spy *invalidationSpy) Invalidate(_ context.Context, recordingID uuid.UUID) {
	spy.invalidated = append(spy.invalidated, recordingID)
}

func (s *ServiceSuite) TestGrantChangesDropCachedRoles() {
	spy := &invalidationSpy{Checker: s.resolver}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	transactor := tx.NewMemoryTransactor(s.entities, s.recordings)
	svc := New(Config{CascadeByDefault: true}, s.registry, s.entities, s.recordings,
		spy, transactor, nil, nil, logger)

	root := s.recordRoot("plans")
	node := s.record(root, nil, "guarded")

	event, err := svc.Record(s.ctx, &access.Access{Actor: s.actor, Role: access.RoleEdit},
		root, node, nil, OpOptions{Actor: &s.actor})
	s.Require().NoError(err)
	s.Contains(spy.invalidated, node.ID)
	s.Contains(spy.invalidated, root.ID)

	s.Run("revoking the grant invalidates too", func() {
		spy.invalidated = nil
		_, err := svc.Trash(s.ctx, event.RecordingID, OpOptions{})
		s.Require().NoError(err)
		s.Contains(spy.invalidated, node.ID)
	})

	s.Run("plain recordables leave the cache alone", func() {
		spy.invalidated = nil
		_, err := svc.Record(s.ctx, &note{Title: "memo"}, root, nil, nil, OpOptions{Actor: &s.actor})
		s.Require().NoError(err)
		s.Empty(spy.invalidated)
	})
}
