package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trellis/internal/access/metrics"
	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/pkg/platform/sentinel"
)

// Checker is the read-side authorization surface consumed by the operations
// service, the session service, and HTTP handlers. Resolver implements it;
// the redis cache decorates it.
type Checker interface {
	// RoleFor computes the actor's effective role on a recording, "" when
	// none. A nil actor yields "" with no error.
	RoleFor(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID) (Role, error)

	// Allowed reports whether the actor's effective role meets required.
	// An unrecognized required role always yields false.
	Allowed(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID, required Role) (bool, error)

	// RootRecordingIDsFor enumerates every root aggregate where a
	// root-level grant for the actor meets the minimum rank (view when
	// unset). Trashed grant recordings do not count.
	RootRecordingIDsFor(ctx context.Context, actor recordable.Ref, minimum Role) ([]uuid.UUID, error)
}

// Resolver walks the recording tree to compute effective roles. The walk is
// top-down from the node: collect the path up to the first boundary, prefer
// the nearest direct grant, then consult what lies above the boundary under
// its minimum-role rule, then the root-level fallback.
type Resolver struct {
	recordings recording.Store
	entities   recordable.Store
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewResolver constructs a Resolver. Metrics may be nil.
func NewResolver(recordings recording.Store, entities recordable.Store, m *metrics.Metrics) *Resolver {
	return &Resolver{
		recordings: recordings,
		entities:   entities,
		metrics:    m,
		tracer:     otel.Tracer("trellis/access"),
	}
}

func (r *Resolver) RoleFor(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID) (Role, error) {
	// No actor means no access, never an error.
	if actor == nil || actor.IsZero() {
		return "", nil
	}

	ctx, span := r.tracer.Start(ctx, "access.RoleFor",
		trace.WithAttributes(
			attribute.String("actor", actor.String()),
			attribute.String("recording_id", recordingID.String()),
		))
	defer span.End()

	start := time.Now()
	role, err := r.resolve(ctx, *actor, recordingID)
	if err != nil {
		return "", err
	}
	outcome := string(role)
	if outcome == "" {
		outcome = "none"
	}
	r.metrics.ObserveResolution(outcome, start)
	span.SetAttributes(attribute.String("role", outcome))
	return role, nil
}

func (r *Resolver) Allowed(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID, required Role) (bool, error) {
	if _, ok := required.Rank(); !ok {
		return false, nil
	}
	role, err := r.RoleFor(ctx, actor, recordingID)
	if err != nil {
		return false, err
	}
	return role.Meets(required), nil
}

func (r *Resolver) resolve(ctx context.Context, actor recordable.Ref, recordingID uuid.UUID) (Role, error) {
	node, err := r.recordings.GetRecording(ctx, recordingID, true)
	if err != nil {
		return "", fmt.Errorf("resolve role: %w", err)
	}

	// The tree is validated acyclic at write time, but direct store writes
	// can bypass validation; the visited set spans the whole resolution so
	// the above-boundary continuation cannot revisit either.
	visited := make(map[uuid.UUID]bool)

	path, boundary, err := r.localPath(ctx, node, visited)
	if err != nil {
		return "", err
	}

	// Nearest direct grant wins and is never filtered by boundaries.
	for _, pathNode := range path {
		role, found, err := r.directGrant(ctx, actor, pathNode.ID)
		if err != nil {
			return "", err
		}
		if found {
			return role, nil
		}
	}

	if boundary == nil {
		// Reached a true root with no boundary: root-level fallback.
		role, _, err := r.rootGrant(ctx, actor, node.RootRecordingID, path)
		return role, err
	}

	boundaryEntity, err := r.boundaryOf(ctx, boundary)
	if err != nil {
		return "", err
	}
	// No minimum role means no passthrough for inherited grants. A grant
	// directly on the boundary node was already handled above.
	if boundaryEntity.MinimumRole == "" {
		return "", nil
	}

	inherited, err := r.inheritedAboveBoundary(ctx, actor, boundary, visited)
	if err != nil {
		return "", err
	}
	if inherited == "" || !inherited.Meets(boundaryEntity.MinimumRole) {
		return "", nil
	}
	return inherited, nil
}

// localPath walks upward from start, returning the path up to and including
// the first access-boundary node, and that boundary if one was hit.
func (r *Resolver) localPath(ctx context.Context, start *recording.Recording, visited map[uuid.UUID]bool) ([]*recording.Recording, *recording.Recording, error) {
	var path []*recording.Recording
	node := start
	for {
		if visited[node.ID] {
			return path, nil, nil
		}
		visited[node.ID] = true
		path = append(path, node)

		if node.Recordable.Type == TypeAccessBoundary {
			return path, node, nil
		}
		if node.ParentRecordingID == nil {
			return path, nil, nil
		}
		parent, err := r.recordings.GetRecording(ctx, *node.ParentRecordingID, true)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				// Broken chain: treat the last reachable node as the top.
				return path, nil, nil
			}
			return nil, nil, fmt.Errorf("resolve role: walk parent: %w", err)
		}
		node = parent
	}
}

// inheritedAboveBoundary finds the candidate role the boundary would let
// through: the walk continues from the boundary's parent, stopping at the
// next boundary or exhausting ancestors, with the root-level fallback when
// no further boundary was hit.
func (r *Resolver) inheritedAboveBoundary(ctx context.Context, actor recordable.Ref, boundary *recording.Recording, visited map[uuid.UUID]bool) (Role, error) {
	if boundary.ParentRecordingID == nil {
		// The boundary heads its own tree; there is nothing above it and
		// the root-level fallback would be the boundary itself.
		return "", nil
	}
	parent, err := r.recordings.GetRecording(ctx, *boundary.ParentRecordingID, true)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolve role: above boundary: %w", err)
	}
	path, nextBoundary, err := r.localPath(ctx, parent, visited)
	if err != nil {
		return "", err
	}
	for _, pathNode := range path {
		role, found, err := r.directGrant(ctx, actor, pathNode.ID)
		if err != nil {
			return "", err
		}
		if found {
			return role, nil
		}
	}
	if nextBoundary != nil {
		return "", nil
	}
	role, _, err := r.rootGrant(ctx, actor, boundary.RootRecordingID, path)
	return role, err
}

// directGrant finds an access grant attached as a direct child of the node
// with a matching actor. Trashed grant recordings do not count.
func (r *Resolver) directGrant(ctx context.Context, actor recordable.Ref, nodeID uuid.UUID) (Role, bool, error) {
	children, err := r.recordings.ChildrenOf(ctx, nodeID, false)
	if err != nil {
		return "", false, fmt.Errorf("resolve role: grants of %s: %w", nodeID, err)
	}
	for _, child := range children {
		if child.Recordable.Type != TypeAccess {
			continue
		}
		grant, err := r.loadAccess(ctx, child.Recordable)
		if err != nil {
			return "", false, err
		}
		if grant.Actor == actor {
			return grant.Role, true, nil
		}
	}
	return "", false, nil
}

// rootGrant is the root-aggregate-level fallback. When the walked path
// already covered the root the lookup is skipped to avoid double work.
func (r *Resolver) rootGrant(ctx context.Context, actor recordable.Ref, rootID uuid.UUID, path []*recording.Recording) (Role, bool, error) {
	for _, pathNode := range path {
		if pathNode.ID == rootID {
			return "", false, nil
		}
	}
	return r.directGrant(ctx, actor, rootID)
}

func (r *Resolver) loadAccess(ctx context.Context, ref recordable.Ref) (*Access, error) {
	entity, err := r.entities.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve role: load grant %s: %w", ref, err)
	}
	grant, ok := entity.(*Access)
	if !ok {
		return nil, fmt.Errorf("resolve role: grant %s decoded as %T", ref, entity)
	}
	return grant, nil
}

func (r *Resolver) boundaryOf(ctx context.Context, node *recording.Recording) (*AccessBoundary, error) {
	entity, err := r.entities.Load(ctx, node.Recordable)
	if err != nil {
		return nil, fmt.Errorf("resolve role: load boundary %s: %w", node.Recordable, err)
	}
	boundary, ok := entity.(*AccessBoundary)
	if !ok {
		return nil, fmt.Errorf("resolve role: boundary %s decoded as %T", node.Recordable, entity)
	}
	return boundary, nil
}

func (r *Resolver) RootRecordingIDsFor(ctx context.Context, actor recordable.Ref, minimum Role) ([]uuid.UUID, error) {
	if actor.IsZero() {
		return nil, nil
	}
	if minimum == "" {
		minimum = RoleView
	}
	grants, err := r.recordings.ListByRecordableType(ctx, TypeAccess, false)
	if err != nil {
		return nil, fmt.Errorf("roots for %s: %w", actor, err)
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, grantRec := range grants {
		// Root-level grants only: attached directly under the root.
		if grantRec.ParentRecordingID == nil || *grantRec.ParentRecordingID != grantRec.RootRecordingID {
			continue
		}
		if seen[grantRec.RootRecordingID] {
			continue
		}
		grant, err := r.loadAccess(ctx, grantRec.Recordable)
		if err != nil {
			return nil, err
		}
		if grant.Actor != actor || !grant.Role.Meets(minimum) {
			continue
		}
		seen[grantRec.RootRecordingID] = true
		out = append(out, grantRec.RootRecordingID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ContainersFor is the deprecated container-based alias of
// RootRecordingIDsFor: the same enumeration, mapped onto the container
// references of the matching roots. Roots without a container reference
// report their own recordable instead.
func (r *Resolver) ContainersFor(ctx context.Context, actor recordable.Ref, minimum Role) ([]recordable.Ref, error) {
	rootIDs, err := r.RootRecordingIDsFor(ctx, actor, minimum)
	if err != nil {
		return nil, err
	}
	out := make([]recordable.Ref, 0, len(rootIDs))
	for _, rootID := range rootIDs {
		root, err := r.recordings.GetRecording(ctx, rootID, true)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("containers for %s: %w", actor, err)
		}
		if root.Container != nil {
			out = append(out, *root.Container)
		} else {
			out = append(out, root.Recordable)
		}
	}
	return out, nil
}
