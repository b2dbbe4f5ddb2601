// Package notify is the fire-and-forget side channel emitted on every
// successful record operation. Notifications carry a stable, versioned
// schema for external subscribers; they are a side effect of the operation,
// never part of its transaction.
package notify

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recording"
)

// SchemaVersion tags the notification payload shape. Bump on any breaking
// field change so consumers can dispatch on it.
const SchemaVersion = 1

// Notification is the structured payload handed to publishers.
type Notification struct {
	SchemaVersion   int       `json:"schema_version"`
	EventID         uuid.UUID `json:"event_id"`
	RecordingID     uuid.UUID `json:"recording_id"`
	RootRecordingID uuid.UUID `json:"root_recording_id"`
	ContainerType   string    `json:"container_type,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
	Action          string    `json:"action"`

	RecordableType         string `json:"recordable_type"`
	RecordableID           string `json:"recordable_id"`
	PreviousRecordableType string `json:"previous_recordable_type,omitempty"`
	PreviousRecordableID   string `json:"previous_recordable_id,omitempty"`

	ActorType        string `json:"actor_type,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	ImpersonatorType string `json:"impersonator_type,omitempty"`
	ImpersonatorID   string `json:"impersonator_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// FromEvent builds the notification for an event on its recording.
func FromEvent(event *recording.Event, rec *recording.Recording) Notification {
	n := Notification{
		SchemaVersion:   SchemaVersion,
		EventID:         event.ID,
		RecordingID:     rec.ID,
		RootRecordingID: rec.RootRecordingID,
		Action:          event.Action,
		RecordableType:  event.Recordable.Type,
		RecordableID:    event.Recordable.ID.String(),
		OccurredAt:      event.OccurredAt,
	}
	if rec.Container != nil {
		n.ContainerType = rec.Container.Type
		n.ContainerID = rec.Container.ID.String()
	}
	if event.PreviousRecordable != nil {
		n.PreviousRecordableType = event.PreviousRecordable.Type
		n.PreviousRecordableID = event.PreviousRecordable.ID.String()
	}
	if event.Actor != nil {
		n.ActorType = event.Actor.Type
		n.ActorID = event.Actor.ID.String()
	}
	if event.Impersonator != nil {
		n.ImpersonatorType = event.Impersonator.Type
		n.ImpersonatorID = event.Impersonator.ID.String()
	}
	return n
}

// Sink accepts notifications from the operations service. A nil Sink in the
// service configuration disables the side channel.
type Sink interface {
	Emit(n Notification)
}

// Emitter is the in-process Sink: a bounded channel drained by a Worker.
// Emit never blocks; when the buffer is full the notification is dropped and
// logged, keeping the side channel out of the transaction path.
type Emitter struct {
	inbox  chan Notification
	logger *slog.Logger
}

// NewEmitter builds an emitter with the given buffer size.
func NewEmitter(buffer int, logger *slog.Logger) *Emitter {
	return &Emitter{inbox: make(chan Notification, buffer), logger: logger}
}

func (e *Emitter) Emit(n Notification) {
	select {
	case e.inbox <- n:
	default:
		e.logger.Warn("notification buffer full, dropping",
			"event_id", n.EventID,
			"action", n.Action,
		)
	}
}

// Inbox exposes the channel for the Worker.
func (e *Emitter) Inbox() <-chan Notification {
	return e.inbox
}
