package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellis/internal/recordable"
	"trellis/internal/recording"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestFromEvent(t *testing.T) {
	actor := recordable.NewRef("user", uuid.New())
	impersonator := recordable.NewRef("user", uuid.New())
	previous := recordable.NewRef("note", uuid.New())
	container := recordable.NewRef("workspace", uuid.New())

	rec := &recording.Recording{
		ID:              uuid.New(),
		Recordable:      recordable.NewRef("note", uuid.New()),
		RootRecordingID: uuid.New(),
		Container:       &container,
	}
	event := &recording.Event{
		ID:                 uuid.New(),
		RecordingID:        rec.ID,
		Action:             recording.ActionUpdated,
		Recordable:         rec.Recordable,
		PreviousRecordable: &previous,
		Actor:              &actor,
		Impersonator:       &impersonator,
		OccurredAt:         time.Now(),
	}

	n := FromEvent(event, rec)
	assert.Equal(t, SchemaVersion, n.SchemaVersion)
	assert.Equal(t, event.ID, n.EventID)
	assert.Equal(t, rec.ID, n.RecordingID)
	assert.Equal(t, rec.RootRecordingID, n.RootRecordingID)
	assert.Equal(t, "workspace", n.ContainerType)
	assert.Equal(t, recording.ActionUpdated, n.Action)
	assert.Equal(t, "note", n.RecordableType)
	assert.Equal(t, previous.ID.String(), n.PreviousRecordableID)
	assert.Equal(t, actor.ID.String(), n.ActorID)
	assert.Equal(t, impersonator.ID.String(), n.ImpersonatorID)

	t.Run("optional refs stay empty", func(t *testing.T) {
		bare := FromEvent(&recording.Event{
			ID:         uuid.New(),
			Action:     recording.ActionCreated,
			Recordable: rec.Recordable,
		}, &recording.Recording{ID: rec.ID, RootRecordingID: rec.RootRecordingID})
		assert.Empty(t, bare.ActorID)
		assert.Empty(t, bare.ContainerType)
		assert.Empty(t, bare.PreviousRecordableID)
	})
}

func TestEmitterDropsWhenFull(t *testing.T) {
	emitter := NewEmitter(1, discardLogger())

	emitter.Emit(Notification{Action: "kept"})
	emitter.Emit(Notification{Action: "dropped"})

	select {
	case n := <-emitter.Inbox():
		assert.Equal(t, "kept", n.Action)
	default:
		t.Fatal("expected one buffered notification")
	}
	select {
	case n := <-emitter.Inbox():
		t.Fatalf("unexpected second notification %q", n.Action)
	default:
	}
}

// recordingPublisher captures everything it is handed.
type recordingPublisher struct {
	mu   sync.Mutex
	got  []Notification
	fail int
}

func (p *recordingPublisher) Publish(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, n)
	return nil
}

func (p *recordingPublisher) published() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.got...)
}

func TestWorker(t *testing.T) {
	emitter := NewEmitter(8, discardLogger())
	publisher := &recordingPublisher{fail: 1}
	worker := NewWorker(publisher, emitter.Inbox(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// The first publish fails and is skipped, not retried.
	emitter.Emit(Notification{Action: "lost"})
	emitter.Emit(Notification{Action: "first"})
	emitter.Emit(Notification{Action: "second"})

	require.Eventually(t, func() bool {
		return len(publisher.published()) == 2
	}, time.Second, 10*time.Millisecond)

	got := publisher.published()
	assert.Equal(t, "first", got[0].Action)
	assert.Equal(t, "second", got[1].Action)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	publisher := NewLogPublisher(logger)

	n := Notification{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New(),
		Action:        recording.ActionCreated,
	}
	require.NoError(t, publisher.Publish(context.Background(), n))
	assert.Contains(t, buf.String(), n.EventID.String())
	assert.Contains(t, buf.String(), `"action":"created"`)
}
