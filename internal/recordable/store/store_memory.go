package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/pkg/platform/sentinel"
)

type memRow struct {
	typ     string
	payload []byte
}

// InMemoryStore keeps recordables in process memory. It enforces the same
// immutability rule as the Postgres store by comparing encoded payloads on
// re-persist. Used by tests and lightweight embeddings.
type InMemoryStore struct {
	mu       sync.RWMutex
	registry *recordable.Registry
	rows     map[uuid.UUID]memRow
	counters map[uuid.UUID]map[recordable.Counter]int
}

// NewMemory constructs an in-memory entity store over the given registry.
func NewMemory(registry *recordable.Registry) *InMemoryStore {
	return &InMemoryStore{
		registry: registry,
		rows:     make(map[uuid.UUID]memRow),
		counters: make(map[uuid.UUID]map[recordable.Counter]int),
	}
}

func (s *InMemoryStore) Persist(_ context.Context, rec recordable.Recordable) error {
	if _, ok := s.registry.Descriptor(rec.RecordableType()); !ok {
		return fmt.Errorf("persist recordable: type %q is not registered", rec.RecordableType())
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist recordable: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.RecordableID()
	if id == uuid.Nil {
		rec.SetRecordableID(uuid.New())
		// Re-encode so the stored payload carries the assigned id.
		payload, err = json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("persist recordable: encode: %w", err)
		}
		s.rows[rec.RecordableID()] = memRow{typ: rec.RecordableType(), payload: payload}
		return nil
	}

	existing, ok := s.rows[id]
	if !ok {
		s.rows[id] = memRow{typ: rec.RecordableType(), payload: payload}
		return nil
	}
	if existing.typ != rec.RecordableType() || !bytes.Equal(existing.payload, payload) {
		return fmt.Errorf("persist recordable %s: %w", recordable.RefOf(rec), sentinel.ErrReadOnly)
	}
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, ref recordable.Ref) (recordable.Recordable, error) {
	d, ok := s.registry.Descriptor(ref.Type)
	if !ok {
		return nil, fmt.Errorf("load recordable: type %q is not registered", ref.Type)
	}

	s.mu.RLock()
	row, ok := s.rows[ref.ID]
	s.mu.RUnlock()
	if !ok || row.typ != ref.Type {
		return nil, fmt.Errorf("load recordable %s: %w", ref, sentinel.ErrNotFound)
	}

	rec := d.New()
	if err := json.Unmarshal(row.payload, rec); err != nil {
		return nil, fmt.Errorf("load recordable %s: decode: %w", ref, err)
	}
	rec.SetRecordableID(ref.ID)
	return rec, nil
}

func (s *InMemoryStore) AdjustCounter(_ context.Context, ref recordable.Ref, counter recordable.Counter, delta int) error {
	if !s.registry.TracksCounter(ref.Type, counter) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counters, ok := s.counters[ref.ID]
	if !ok {
		counters = make(map[recordable.Counter]int)
		s.counters[ref.ID] = counters
	}
	counters[counter] += delta
	return nil
}

func (s *InMemoryStore) CounterValue(_ context.Context, ref recordable.Ref, counter recordable.Counter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[ref.ID][counter], nil
}

// Snapshot implements tx.Snapshotter so memory-backed tests get the same
// all-or-nothing transaction semantics as the SQL stores.
func (s *InMemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make(map[uuid.UUID]memRow, len(s.rows))
	for id, row := range s.rows {
		rows[id] = row
	}
	counters := make(map[uuid.UUID]map[recordable.Counter]int, len(s.counters))
	for id, c := range s.counters {
		inner := make(map[recordable.Counter]int, len(c))
		for k, v := range c {
			inner[k] = v
		}
		counters[id] = inner
	}
	return &InMemoryStore{rows: rows, counters: counters}
}

// Restore implements tx.Snapshotter.
func (s *InMemoryStore) Restore(snapshot any) {
	snap := snapshot.(*InMemoryStore)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = snap.rows
	s.counters = snap.counters
}
