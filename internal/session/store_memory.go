package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/pkg/platform/sentinel"
)

// InMemoryStore is the embedded/test implementation. The memory transactor
// serializes writers, so FindForUpdate degenerates to a plain read.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]DeviceSession
	byKey    map[string]uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[uuid.UUID]DeviceSession),
		byKey:    make(map[string]uuid.UUID),
	}
}

func sessionKey(actor recordable.Ref, fingerprintHash string) string {
	return actor.Type + "\x00" + actor.ID.String() + "\x00" + fingerprintHash
}

func (s *InMemoryStore) Create(_ context.Context, sess *DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(sess.Actor, sess.DeviceFingerprint)
	if _, exists := s.byKey[key]; exists {
		return sentinel.ErrConflict
	}
	s.sessions[sess.ID] = *sess
	s.byKey[key] = sess.ID
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, actor recordable.Ref, fingerprintHash string) (*DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[sessionKey(actor, fingerprintHash)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	sess := s.sessions[id]
	return &sess, nil
}

func (s *InMemoryStore) FindForUpdate(_ context.Context, id uuid.UUID) (*DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &sess, nil
}

func (s *InMemoryStore) SetRoot(_ context.Context, id, rootRecordingID uuid.UUID, lastActiveAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	sess.RootRecordingID = rootRecordingID
	sess.LastActiveAt = lastActiveAt
	sess.UpdatedAt = lastActiveAt
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) Touch(_ context.Context, id uuid.UUID, lastActiveAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	sess.LastActiveAt = lastActiveAt
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.byKey, sessionKey(sess.Actor, sess.DeviceFingerprint))
	delete(s.sessions, id)
	return nil
}

// Snapshot and Restore implement tx.Snapshotter.
func (s *InMemoryStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make(map[uuid.UUID]DeviceSession, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess
	}
	byKey := make(map[string]uuid.UUID, len(s.byKey))
	for k, id := range s.byKey {
		byKey[k] = id
	}
	return &memSessionSnapshot{sessions: sessions, byKey: byKey}
}

func (s *InMemoryStore) Restore(snap any) {
	prev, ok := snap.(*memSessionSnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = prev.sessions
	s.byKey = prev.byKey
}

type memSessionSnapshot struct {
	sessions map[uuid.UUID]DeviceSession
	byKey    map[string]uuid.UUID
}
