package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/pkg/platform/sentinel"
)

type memEvent struct {
	event *recording.Event
	seq   int64
}

// InMemoryStore keeps recordings and events in process memory. Used by unit
// tests and lightweight embeddings; behavior mirrors the Postgres store,
// including conflict signaling on duplicate idempotency keys.
type InMemoryStore struct {
	mu         sync.RWMutex
	recordings map[uuid.UUID]*recording.Recording
	events     map[uuid.UUID]memEvent
	idemKeys   map[string]uuid.UUID
	seq        int64

	// entities is optional and only needed for payload-field ordering in
	// ListRecordings; plain column ordering works without it.
	entities recordable.Store
}

// NewMemory constructs an in-memory recording store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		recordings: make(map[uuid.UUID]*recording.Recording),
		events:     make(map[uuid.UUID]memEvent),
		idemKeys:   make(map[string]uuid.UUID),
	}
}

// WithEntityStore enables payload-field ordering by giving the store a way
// to load joined recordables.
func (s *InMemoryStore) WithEntityStore(entities recordable.Store) *InMemoryStore {
	s.entities = entities
	return s
}

func idemIndexKey(recordingID uuid.UUID, key string) string {
	return recordingID.String() + "\x00" + key
}

func (s *InMemoryStore) CreateRecording(_ context.Context, rec *recording.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recordings[rec.ID]; exists {
		return fmt.Errorf("create recording %s: %w", rec.ID, sentinel.ErrConflict)
	}
	stored := *rec
	s.recordings[rec.ID] = &stored
	return nil
}

func (s *InMemoryStore) GetRecording(_ context.Context, id uuid.UUID, includeTrashed bool) (*recording.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recordings[id]
	if !ok || (!includeTrashed && rec.Trashed()) {
		return nil, fmt.Errorf("get recording %s: %w", id, sentinel.ErrNotFound)
	}
	out := *rec
	return &out, nil
}

func (s *InMemoryStore) UpdateRecordable(_ context.Context, id uuid.UUID, ref recordable.Ref, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return fmt.Errorf("update recordable on %s: %w", id, sentinel.ErrNotFound)
	}
	rec.Recordable = ref
	rec.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) SetParent(_ context.Context, id uuid.UUID, parentID *uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return fmt.Errorf("set parent on %s: %w", id, sentinel.ErrNotFound)
	}
	rec.ParentRecordingID = parentID
	rec.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) SetTrashed(_ context.Context, id uuid.UUID, trashedAt *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return fmt.Errorf("set trashed on %s: %w", id, sentinel.ErrNotFound)
	}
	rec.TrashedAt = trashedAt
	rec.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) DeleteRecording(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recordings[id]; !ok {
		return fmt.Errorf("delete recording %s: %w", id, sentinel.ErrNotFound)
	}
	delete(s.recordings, id)
	for eventID, stored := range s.events {
		if stored.event.RecordingID != id {
			continue
		}
		if stored.event.IdempotencyKey != nil {
			delete(s.idemKeys, idemIndexKey(id, *stored.event.IdempotencyKey))
		}
		delete(s.events, eventID)
	}
	return nil
}

func (s *InMemoryStore) ChildrenOf(_ context.Context, id uuid.UUID, includeTrashed bool) ([]*recording.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*recording.Recording
	for _, rec := range s.recordings {
		if rec.ParentRecordingID == nil || *rec.ParentRecordingID != id {
			continue
		}
		if !includeTrashed && rec.Trashed() {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	sortRecordings(out, "created_at", false)
	return out, nil
}

func (s *InMemoryStore) ListByRecordableType(_ context.Context, typ string, includeTrashed bool) ([]*recording.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*recording.Recording
	for _, rec := range s.recordings {
		if rec.Recordable.Type != typ {
			continue
		}
		if !includeTrashed && rec.Trashed() {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	sortRecordings(out, "created_at", false)
	return out, nil
}

func (s *InMemoryStore) FindRootByContainer(_ context.Context, container recordable.Ref) (*recording.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recordings {
		if rec.Container != nil && *rec.Container == container && rec.IsRoot() {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("find root by container %s: %w", container, sentinel.ErrNotFound)
}

func (s *InMemoryStore) ListRecordings(ctx context.Context, q recording.Query) ([]*recording.Recording, error) {
	s.mu.RLock()
	var matched []*recording.Recording
	for _, rec := range s.recordings {
		if !matchesQuery(rec, q) {
			continue
		}
		copied := *rec
		matched = append(matched, &copied)
	}
	s.mu.RUnlock()

	if field := q.PayloadOrderField(); field != "" {
		if err := s.sortByPayloadField(ctx, matched, field, q.Descending); err != nil {
			return nil, err
		}
	} else {
		orderBy := q.OrderBy
		if orderBy == "" {
			orderBy = "created_at"
		}
		sortRecordings(matched, orderBy, q.Descending)
	}
	return paginate(matched, q.Limit, q.Offset), nil
}

func matchesQuery(rec *recording.Recording, q recording.Query) bool {
	if q.RootRecordingID != uuid.Nil && rec.RootRecordingID != q.RootRecordingID {
		return false
	}
	if q.RecordableType != "" && rec.Recordable.Type != q.RecordableType {
		return false
	}
	if q.RecordableID != uuid.Nil && rec.Recordable.ID != q.RecordableID {
		return false
	}
	if q.ParentRecordingID != nil {
		if rec.ParentRecordingID == nil || *rec.ParentRecordingID != *q.ParentRecordingID {
			return false
		}
	}
	if !q.IncludeTrashed && rec.Trashed() {
		return false
	}
	if q.CreatedAfter != nil && !rec.CreatedAt.After(*q.CreatedAfter) {
		return false
	}
	if q.CreatedBefore != nil && !rec.CreatedAt.Before(*q.CreatedBefore) {
		return false
	}
	if q.UpdatedAfter != nil && !rec.UpdatedAt.After(*q.UpdatedAfter) {
		return false
	}
	if q.UpdatedBefore != nil && !rec.UpdatedAt.Before(*q.UpdatedBefore) {
		return false
	}
	return true
}

func sortRecordings(recs []*recording.Recording, orderBy string, descending bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		var less bool
		switch orderBy {
		case "updated_at":
			less = recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		case "id":
			less = recs[i].ID.String() < recs[j].ID.String()
		default:
			less = recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		if descending {
			return !less
		}
		return less
	})
}

func (s *InMemoryStore) sortByPayloadField(ctx context.Context, recs []*recording.Recording, field string, descending bool) error {
	if s.entities == nil {
		return fmt.Errorf("payload ordering: %w", sentinel.ErrUnavailable)
	}
	keys := make(map[uuid.UUID]string, len(recs))
	for _, rec := range recs {
		entity, err := s.entities.Load(ctx, rec.Recordable)
		if err != nil {
			return fmt.Errorf("payload ordering: %w", err)
		}
		raw, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("payload ordering: encode: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("payload ordering: decode: %w", err)
		}
		keys[rec.ID] = fmt.Sprint(fields[field])
	}
	sort.SliceStable(recs, func(i, j int) bool {
		less := keys[recs[i].ID] < keys[recs[j].ID]
		if descending {
			return !less
		}
		return less
	})
	return nil
}

func paginate(recs []*recording.Recording, limit, offset int) []*recording.Recording {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func (s *InMemoryStore) CreateEvent(_ context.Context, event *recording.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.IdempotencyKey != nil {
		indexKey := idemIndexKey(event.RecordingID, *event.IdempotencyKey)
		if _, exists := s.idemKeys[indexKey]; exists {
			return fmt.Errorf("create event: idempotency key: %w", sentinel.ErrConflict)
		}
		s.idemKeys[indexKey] = event.ID
	}
	s.seq++
	stored := *event
	s.events[event.ID] = memEvent{event: &stored, seq: s.seq}
	return nil
}

func (s *InMemoryStore) FindEventByIdempotencyKey(_ context.Context, recordingID uuid.UUID, key string) (*recording.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventID, ok := s.idemKeys[idemIndexKey(recordingID, key)]
	if !ok {
		return nil, fmt.Errorf("find event by idempotency key: %w", sentinel.ErrNotFound)
	}
	stored := *s.events[eventID].event
	return &stored, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, q recording.EventQuery) ([]*recording.Event, error) {
	// A by-actor query with no actor matches nothing, never everything.
	if q.ByActor && q.Actor == nil {
		return nil, nil
	}

	s.mu.RLock()
	var matched []memEvent
	for _, stored := range s.events {
		event := stored.event
		if q.RecordingID != uuid.Nil && event.RecordingID != q.RecordingID {
			continue
		}
		if q.ByActor && (event.Actor == nil || *event.Actor != *q.Actor) {
			continue
		}
		if q.Action != "" && event.Action != q.Action {
			continue
		}
		if q.OccurredAfter != nil && !event.OccurredAt.After(*q.OccurredAfter) {
			continue
		}
		if q.OccurredBefore != nil && !event.OccurredAt.Before(*q.OccurredBefore) {
			continue
		}
		matched = append(matched, stored)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].event, matched[j].event
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return matched[i].seq > matched[j].seq
	})

	out := make([]*recording.Event, 0, len(matched))
	for _, stored := range matched {
		copied := *stored.event
		out = append(out, &copied)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

// Snapshot implements tx.Snapshotter.
func (s *InMemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recordings := make(map[uuid.UUID]*recording.Recording, len(s.recordings))
	for id, rec := range s.recordings {
		copied := *rec
		recordings[id] = &copied
	}
	events := make(map[uuid.UUID]memEvent, len(s.events))
	for id, stored := range s.events {
		copied := *stored.event
		events[id] = memEvent{event: &copied, seq: stored.seq}
	}
	idemKeys := make(map[string]uuid.UUID, len(s.idemKeys))
	for k, v := range s.idemKeys {
		idemKeys[k] = v
	}
	return &InMemoryStore{recordings: recordings, events: events, idemKeys: idemKeys, seq: s.seq}
}

// Restore implements tx.Snapshotter.
func (s *InMemoryStore) Restore(snapshot any) {
	snap := snapshot.(*InMemoryStore)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = snap.recordings
	s.events = snap.events
	s.idemKeys = snap.idemKeys
	s.seq = snap.seq
}
