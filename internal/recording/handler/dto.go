package handler

import (
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/internal/recording"
)

type refDTO struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func refDTOOf(ref recordable.Ref) refDTO {
	return refDTO{Type: ref.Type, ID: ref.ID}
}

func refDTOPtr(ref *recordable.Ref) *refDTO {
	if ref == nil {
		return nil
	}
	d := refDTOOf(*ref)
	return &d
}

type eventDTO struct {
	ID                 uuid.UUID      `json:"id"`
	RecordingID        uuid.UUID      `json:"recording_id"`
	Action             string         `json:"action"`
	Recordable         refDTO         `json:"recordable"`
	PreviousRecordable *refDTO        `json:"previous_recordable,omitempty"`
	Actor              *refDTO        `json:"actor,omitempty"`
	Impersonator       *refDTO        `json:"impersonator,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func eventResponse(event *recording.Event) eventDTO {
	return eventDTO{
		ID:                 event.ID,
		RecordingID:        event.RecordingID,
		Action:             event.Action,
		Recordable:         refDTOOf(event.Recordable),
		PreviousRecordable: refDTOPtr(event.PreviousRecordable),
		Actor:              refDTOPtr(event.Actor),
		Impersonator:       refDTOPtr(event.Impersonator),
		OccurredAt:         event.OccurredAt,
		Metadata:           event.Metadata,
	}
}

type recordingDTO struct {
	ID                uuid.UUID  `json:"id"`
	Recordable        refDTO     `json:"recordable"`
	RootRecordingID   uuid.UUID  `json:"root_recording_id"`
	Container         *refDTO    `json:"container,omitempty"`
	ParentRecordingID *uuid.UUID `json:"parent_recording_id,omitempty"`
	TrashedAt         *time.Time `json:"trashed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func recordingResponse(rec *recording.Recording) recordingDTO {
	return recordingDTO{
		ID:                rec.ID,
		Recordable:        refDTOOf(rec.Recordable),
		RootRecordingID:   rec.RootRecordingID,
		Container:         refDTOPtr(rec.Container),
		ParentRecordingID: rec.ParentRecordingID,
		TrashedAt:         rec.TrashedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}
