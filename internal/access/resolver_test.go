package access

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trellis/internal/recordable"
	recordablestore "trellis/internal/recordable/store"
	"trellis/internal/recording"
	recordingstore "trellis/internal/recording/store"
)

// doc is a plain payload type for the tree nodes under test.
type doc struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (d *doc) RecordableType() string       { return "doc" }
func (d *doc) RecordableID() uuid.UUID      { return d.ID }
func (d *doc) SetRecordableID(id uuid.UUID) { d.ID = id }

type ResolverSuite struct {
	suite.Suite

	entities   *recordablestore.InMemoryStore
	recordings *recordingstore.InMemoryStore
	resolver   *Resolver

	actor recordable.Ref
	ctx   context.Context
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	registry := recordable.NewRegistry()
	s.Require().NoError(RegisterTypes(registry))
	registry.MustRegister(recordable.Descriptor{
		Type: "doc",
		New:  func() recordable.Recordable { return &doc{} },
	})

	s.entities = recordablestore.NewMemory(registry)
	s.recordings = recordingstore.NewMemory().WithEntityStore(s.entities)
	s.resolver = NewResolver(s.recordings, s.entities, nil)

	s.actor = recordable.NewRef("user", uuid.New())
	s.ctx = context.Background()
}

// node persists rec and wraps it in a recording under parent; a nil parent
// makes a root.
func (s *ResolverSuite) node(parent *recording.Recording, rec recordable.Recordable) *recording.Recording {
	s.Require().NoError(s.entities.Persist(s.ctx, rec))
	now := time.Now()
	r := &recording.Recording{
		ID:         uuid.New(),
		Recordable: recordable.RefOf(rec),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if parent == nil {
		r.RootRecordingID = r.ID
	} else {
		parentID := parent.ID
		r.ParentRecordingID = &parentID
		r.RootRecordingID = parent.RootRecordingID
	}
	s.Require().NoError(s.recordings.CreateRecording(s.ctx, r))
	return r
}

func (s *ResolverSuite) grantOn(parent *recording.Recording, actor recordable.Ref, role Role) *recording.Recording {
	return s.node(parent, &Access{Actor: actor, Role: role})
}

func (s *ResolverSuite) boundaryUnder(parent *recording.Recording, minimum Role) *recording.Recording {
	return s.node(parent, &AccessBoundary{MinimumRole: minimum})
}

func (s *ResolverSuite) roleFor(rec *recording.Recording) Role {
	role, err := s.resolver.RoleFor(s.ctx, &s.actor, rec.ID)
	s.Require().NoError(err)
	return role
}

func (s *ResolverSuite) TestNoActor() {
	root := s.node(nil, &doc{Name: "root"})

	role, err := s.resolver.RoleFor(s.ctx, nil, root.ID)
	s.Require().NoError(err)
	s.Equal(Role(""), role)

	zero := recordable.Ref{}
	role, err = s.resolver.RoleFor(s.ctx, &zero, root.ID)
	s.Require().NoError(err)
	s.Equal(Role(""), role)
}

func (s *ResolverSuite) TestInheritsFromRoot() {
	root := s.node(nil, &doc{Name: "root"})
	mid := s.node(root, &doc{Name: "mid"})
	leaf := s.node(mid, &doc{Name: "leaf"})
	s.grantOn(root, s.actor, RoleEdit)

	s.Equal(RoleEdit, s.roleFor(leaf))
	s.Equal(RoleEdit, s.roleFor(mid))
	s.Equal(RoleEdit, s.roleFor(root))
}

func (s *ResolverSuite) TestNearestGrantWins() {
	root := s.node(nil, &doc{Name: "root"})
	mid := s.node(root, &doc{Name: "mid"})
	leaf := s.node(mid, &doc{Name: "leaf"})
	s.grantOn(root, s.actor, RoleAdmin)
	s.grantOn(mid, s.actor, RoleView)

	// The mid-level grant shadows the stronger root grant below it.
	s.Equal(RoleView, s.roleFor(leaf))
	s.Equal(RoleView, s.roleFor(mid))
	s.Equal(RoleAdmin, s.roleFor(root))
}

func (s *ResolverSuite) TestNoGrantAnywhere() {
	root := s.node(nil, &doc{Name: "root"})
	leaf := s.node(root, &doc{Name: "leaf"})
	s.grantOn(root, recordable.NewRef("user", uuid.New()), RoleAdmin)

	s.Equal(Role(""), s.roleFor(leaf))
}

func (s *ResolverSuite) TestBoundaryBlocksInheritance() {
	root := s.node(nil, &doc{Name: "root"})
	s.grantOn(root, s.actor, RoleAdmin)
	boundary := s.boundaryUnder(root, "")
	leaf := s.node(boundary, &doc{Name: "leaf"})

	s.Equal(Role(""), s.roleFor(leaf))
	s.Equal(Role(""), s.roleFor(boundary))

	// Outside the boundary the root grant still applies.
	sibling := s.node(root, &doc{Name: "sibling"})
	s.Equal(RoleAdmin, s.roleFor(sibling))
}

func (s *ResolverSuite) TestBoundaryMinimumRolePassthrough() {
	root := s.node(nil, &doc{Name: "root"})
	boundary := s.boundaryUnder(root, RoleEdit)
	leaf := s.node(boundary, &doc{Name: "leaf"})

	s.Run("inherited role meeting the minimum passes", func() {
		s.grantOn(root, s.actor, RoleAdmin)
		s.Equal(RoleAdmin, s.roleFor(leaf))
	})

	s.Run("inherited role below the minimum is dropped", func() {
		viewer := recordable.NewRef("user", uuid.New())
		s.grantOn(root, viewer, RoleView)

		role, err := s.resolver.RoleFor(s.ctx, &viewer, leaf.ID)
		s.Require().NoError(err)
		s.Equal(Role(""), role)
	})
}

func (s *ResolverSuite) TestGrantInsideBoundaryIsUnfiltered() {
	root := s.node(nil, &doc{Name: "root"})
	boundary := s.boundaryUnder(root, "")
	leaf := s.node(boundary, &doc{Name: "leaf"})

	// A grant on the boundary node itself covers its subtree even though
	// the boundary lets nothing through from above.
	s.grantOn(boundary, s.actor, RoleView)
	s.Equal(RoleView, s.roleFor(leaf))

	viewer := recordable.NewRef("user", uuid.New())
	s.grantOn(leaf, viewer, RoleEdit)
	role, err := s.resolver.RoleFor(s.ctx, &viewer, leaf.ID)
	s.Require().NoError(err)
	s.Equal(RoleEdit, role)
}

func (s *ResolverSuite) TestNestedBoundaries() {
	root := s.node(nil, &doc{Name: "root"})
	s.grantOn(root, s.actor, RoleAdmin)
	outer := s.boundaryUnder(root, RoleEdit)
	inner := s.boundaryUnder(outer, RoleEdit)
	leaf := s.node(inner, &doc{Name: "leaf"})

	// The continuation above the inner boundary stops at the outer one, so
	// the root grant never reaches the leaf.
	s.Equal(Role(""), s.roleFor(leaf))
}

func (s *ResolverSuite) TestTrashedGrantDoesNotCount() {
	root := s.node(nil, &doc{Name: "root"})
	leaf := s.node(root, &doc{Name: "leaf"})
	grant := s.grantOn(root, s.actor, RoleEdit)

	now := time.Now()
	s.Require().NoError(s.recordings.SetTrashed(s.ctx, grant.ID, &now, now))

	s.Equal(Role(""), s.roleFor(leaf))
}

func (s *ResolverSuite) TestAllowed() {
	root := s.node(nil, &doc{Name: "root"})
	s.grantOn(root, s.actor, RoleEdit)

	ok, err := s.resolver.Allowed(s.ctx, &s.actor, root.ID, RoleView)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.resolver.Allowed(s.ctx, &s.actor, root.ID, RoleAdmin)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.resolver.Allowed(s.ctx, &s.actor, root.ID, Role("owner"))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *ResolverSuite) TestRootRecordingIDsFor() {
	rootA := s.node(nil, &doc{Name: "a"})
	rootB := s.node(nil, &doc{Name: "b"})
	rootC := s.node(nil, &doc{Name: "c"})
	nested := s.node(rootC, &doc{Name: "nested"})

	s.grantOn(rootA, s.actor, RoleAdmin)
	s.grantOn(rootB, s.actor, RoleView)
	// Grants below root level never qualify.
	s.grantOn(nested, s.actor, RoleAdmin)

	s.Run("default minimum is view", func() {
		ids, err := s.resolver.RootRecordingIDsFor(s.ctx, s.actor, "")
		s.Require().NoError(err)
		s.ElementsMatch([]uuid.UUID{rootA.ID, rootB.ID}, ids)
	})

	s.Run("minimum filters by rank", func() {
		ids, err := s.resolver.RootRecordingIDsFor(s.ctx, s.actor, RoleEdit)
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{rootA.ID}, ids)
	})

	s.Run("trashed grants drop out", func() {
		grants, err := s.recordings.ChildrenOf(s.ctx, rootB.ID, false)
		s.Require().NoError(err)
		s.Require().Len(grants, 1)
		now := time.Now()
		s.Require().NoError(s.recordings.SetTrashed(s.ctx, grants[0].ID, &now, now))

		ids, err := s.resolver.RootRecordingIDsFor(s.ctx, s.actor, "")
		s.Require().NoError(err)
		s.Equal([]uuid.UUID{rootA.ID}, ids)
	})

	s.Run("zero actor yields nothing", func() {
		ids, err := s.resolver.RootRecordingIDsFor(s.ctx, recordable.Ref{}, "")
		s.Require().NoError(err)
		s.Nil(ids)
	})
}

func (s *ResolverSuite) TestContainersFor() {
	workspace := recordable.NewRef("workspace", uuid.New())
	grouped := &doc{Name: "grouped"}
	s.Require().NoError(s.entities.Persist(s.ctx, grouped))
	withContainer := &recording.Recording{
		ID:         uuid.New(),
		Recordable: recordable.RefOf(grouped),
		Container:  &workspace,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	withContainer.RootRecordingID = withContainer.ID
	s.Require().NoError(s.recordings.CreateRecording(s.ctx, withContainer))
	plain := s.node(nil, &doc{Name: "plain"})

	s.grantOn(withContainer, s.actor, RoleEdit)
	s.grantOn(plain, s.actor, RoleEdit)

	refs, err := s.resolver.ContainersFor(s.ctx, s.actor, "")
	s.Require().NoError(err)
	s.ElementsMatch([]recordable.Ref{workspace, plain.Recordable}, refs)
}
