//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trellis/internal/recordable"
	recordablestore "trellis/internal/recordable/store"
	"trellis/internal/recording"
	"trellis/internal/recording/store"
	"trellis/pkg/platform/sentinel"
	"trellis/pkg/testutil/containers"
)

type ticket struct {
	ID       uuid.UUID `json:"id"`
	Priority string    `json:"priority"`
}

func (t *ticket) RecordableType() string       { return "ticket" }
func (t *ticket) RecordableID() uuid.UUID      { return t.ID }
func (t *ticket) SetRecordableID(id uuid.UUID) { t.ID = id }

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	entities recordable.Store
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)

	registry := recordable.NewRegistry()
	registry.MustRegister(recordable.Descriptor{
		Type:         "ticket",
		New:          func() recordable.Recordable { return &ticket{} },
		QueryColumns: []string{"priority"},
	})
	s.entities = recordablestore.NewPostgres(s.postgres.DB, registry)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.postgres.Truncate(s.T())
}

func (s *PostgresStoreSuite) newRecording(parent *recording.Recording, priority string) *recording.Recording {
	entity := &ticket{Priority: priority}
	s.Require().NoError(s.entities.Persist(s.ctx, entity))

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &recording.Recording{
		ID:         uuid.New(),
		Recordable: recordable.RefOf(entity),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if parent == nil {
		rec.RootRecordingID = rec.ID
	} else {
		parentID := parent.ID
		rec.ParentRecordingID = &parentID
		rec.RootRecordingID = parent.RootRecordingID
	}
	s.Require().NoError(s.store.CreateRecording(s.ctx, rec))
	return rec
}

func (s *PostgresStoreSuite) TestRecordingRoundtrip() {
	root := s.newRecording(nil, "high")
	child := s.newRecording(root, "low")

	got, err := s.store.GetRecording(s.ctx, child.ID, false)
	s.Require().NoError(err)
	s.Equal(child.Recordable, got.Recordable)
	s.Equal(root.ID, got.RootRecordingID)
	s.Require().NotNil(got.ParentRecordingID)
	s.Equal(root.ID, *got.ParentRecordingID)
	s.Nil(got.TrashedAt)

	gotRoot, err := s.store.GetRecording(s.ctx, root.ID, false)
	s.Require().NoError(err)
	s.True(gotRoot.IsRoot())

	_, err = s.store.GetRecording(s.ctx, uuid.New(), true)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestContainerGrouping() {
	container := recordable.NewRef("workspace", uuid.New())
	entity := &ticket{Priority: "high"}
	s.Require().NoError(s.entities.Persist(s.ctx, entity))

	now := time.Now().UTC().Truncate(time.Microsecond)
	root := &recording.Recording{
		ID:         uuid.New(),
		Recordable: recordable.RefOf(entity),
		Container:  &container,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	root.RootRecordingID = root.ID
	s.Require().NoError(s.store.CreateRecording(s.ctx, root))

	found, err := s.store.FindRootByContainer(s.ctx, container)
	s.Require().NoError(err)
	s.Equal(root.ID, found.ID)
	s.Require().NotNil(found.Container)
	s.Equal(container, *found.Container)

	s.Run("second root for the same container conflicts", func() {
		dup := *root
		dup.ID = uuid.New()
		dup.RootRecordingID = dup.ID
		s.ErrorIs(s.store.CreateRecording(s.ctx, &dup), sentinel.ErrConflict)
	})
}

func (s *PostgresStoreSuite) TestTrashAndRestore() {
	root := s.newRecording(nil, "high")
	trashedAt := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.SetTrashed(s.ctx, root.ID, &trashedAt, trashedAt))

	_, err := s.store.GetRecording(s.ctx, root.ID, false)
	s.ErrorIs(err, sentinel.ErrNotFound)

	got, err := s.store.GetRecording(s.ctx, root.ID, true)
	s.Require().NoError(err)
	s.True(got.Trashed())

	s.Require().NoError(s.store.SetTrashed(s.ctx, root.ID, nil, time.Now()))
	_, err = s.store.GetRecording(s.ctx, root.ID, false)
	s.NoError(err)
}

func (s *PostgresStoreSuite) TestSetParent() {
	root := s.newRecording(nil, "high")
	a := s.newRecording(root, "low")
	b := s.newRecording(root, "low")

	newParent := a.ID
	s.Require().NoError(s.store.SetParent(s.ctx, b.ID, &newParent, time.Now()))

	got, err := s.store.GetRecording(s.ctx, b.ID, false)
	s.Require().NoError(err)
	s.Equal(a.ID, *got.ParentRecordingID)

	children, err := s.store.ChildrenOf(s.ctx, a.ID, false)
	s.Require().NoError(err)
	s.Require().Len(children, 1)
	s.Equal(b.ID, children[0].ID)
}

func (s *PostgresStoreSuite) TestDeleteCascadesEvents() {
	root := s.newRecording(nil, "high")
	s.Require().NoError(s.store.CreateEvent(s.ctx, &recording.Event{
		ID:          uuid.New(),
		RecordingID: root.ID,
		Action:      recording.ActionCreated,
		Recordable:  root.Recordable,
		OccurredAt:  time.Now().UTC(),
	}))

	s.Require().NoError(s.store.DeleteRecording(s.ctx, root.ID))

	_, err := s.store.GetRecording(s.ctx, root.ID, true)
	s.ErrorIs(err, sentinel.ErrNotFound)
	events, err := s.store.ListEvents(s.ctx, recording.EventQuery{RecordingID: root.ID})
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresStoreSuite) TestEventIdempotencyUnique() {
	root := s.newRecording(nil, "high")
	key := "op-123"

	event := &recording.Event{
		ID:             uuid.New(),
		RecordingID:    root.ID,
		Action:         recording.ActionTrashed,
		Recordable:     root.Recordable,
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: &key,
	}
	s.Require().NoError(s.store.CreateEvent(s.ctx, event))

	dup := *event
	dup.ID = uuid.New()
	s.ErrorIs(s.store.CreateEvent(s.ctx, &dup), sentinel.ErrConflict)

	s.Run("scoped per recording", func() {
		other := s.newRecording(nil, "low")
		elsewhere := *event
		elsewhere.ID = uuid.New()
		elsewhere.RecordingID = other.ID
		elsewhere.Recordable = other.Recordable
		s.NoError(s.store.CreateEvent(s.ctx, &elsewhere))
	})

	s.Run("find by key", func() {
		found, err := s.store.FindEventByIdempotencyKey(s.ctx, root.ID, key)
		s.Require().NoError(err)
		s.Equal(event.ID, found.ID)
	})
}

func (s *PostgresStoreSuite) TestEventRoundtrip() {
	root := s.newRecording(nil, "high")
	actor := recordable.NewRef("user", uuid.New())
	previous := recordable.NewRef("ticket", uuid.New())

	event := &recording.Event{
		ID:                 uuid.New(),
		RecordingID:        root.ID,
		Action:             recording.ActionUpdated,
		Recordable:         root.Recordable,
		PreviousRecordable: &previous,
		Actor:              &actor,
		OccurredAt:         time.Now().UTC().Truncate(time.Microsecond),
		Metadata:           map[string]any{"reason": "priority bump"},
	}
	s.Require().NoError(s.store.CreateEvent(s.ctx, event))

	events, err := s.store.ListEvents(s.ctx, recording.EventQuery{RecordingID: root.ID})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	got := events[0]
	s.Equal(event.Action, got.Action)
	s.Equal(&previous, got.PreviousRecordable)
	s.Equal(&actor, got.Actor)
	s.Nil(got.Impersonator)
	s.Equal("priority bump", got.Metadata["reason"])
	s.True(event.OccurredAt.Equal(got.OccurredAt))
}

func (s *PostgresStoreSuite) TestListEventsOrdering() {
	root := s.newRecording(nil, "high")
	base := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		event := &recording.Event{
			ID:          uuid.New(),
			RecordingID: root.ID,
			Action:      recording.ActionUpdated,
			Recordable:  root.Recordable,
			OccurredAt:  base.Add(time.Duration(i) * time.Second),
		}
		s.Require().NoError(s.store.CreateEvent(s.ctx, event))
		ids = append(ids, event.ID)
	}

	events, err := s.store.ListEvents(s.ctx, recording.EventQuery{RecordingID: root.ID})
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(ids[2], events[0].ID)
	s.Equal(ids[0], events[2].ID)
}

func (s *PostgresStoreSuite) TestListRecordingsPayloadOrder() {
	root := s.newRecording(nil, "medium")
	s.newRecording(root, "urgent")
	s.newRecording(root, "backlog")

	recs, err := s.store.ListRecordings(s.ctx, recording.Query{
		RootRecordingID: root.ID,
		RecordableType:  "ticket",
		OrderBy:         "payload.priority",
	})
	s.Require().NoError(err)
	s.Require().Len(recs, 3)

	var priorities []string
	for _, rec := range recs {
		entity, err := s.entities.Load(s.ctx, rec.Recordable)
		s.Require().NoError(err)
		priorities = append(priorities, entity.(*ticket).Priority)
	}
	s.Equal([]string{"backlog", "medium", "urgent"}, priorities)
}

func (s *PostgresStoreSuite) TestListByRecordableType() {
	root := s.newRecording(nil, "high")
	s.newRecording(root, "low")

	recs, err := s.store.ListByRecordableType(s.ctx, "ticket", false)
	s.Require().NoError(err)
	s.Len(recs, 2)

	recs, err = s.store.ListByRecordableType(s.ctx, "workspace", false)
	s.Require().NoError(err)
	s.Empty(recs)
}
