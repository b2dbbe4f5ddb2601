package recording

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"trellis/internal/recordable"
	dErrors "trellis/pkg/domain-errors"
)

// Recording columns callers may order recording queries by. Payload fields
// go through the registry safelist instead.
var recordingOrderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"id":         true,
}

// PayloadFieldPrefix marks an order/filter target on the joined recordable
// payload rather than the recordings table itself.
const PayloadFieldPrefix = "payload."

// Query filters a recording listing. Zero values mean "no filter".
type Query struct {
	RootRecordingID   uuid.UUID
	RecordableType    string
	RecordableID      uuid.UUID
	ParentRecordingID *uuid.UUID
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
	UpdatedAfter      *time.Time
	UpdatedBefore     *time.Time

	// IncludeTrashed opts into seeing soft-deleted recordings. There is no
	// implicit default scope; every read path carries this explicitly.
	IncludeTrashed bool

	// OrderBy names a recording column or a "payload.<field>" target on the
	// joined recordable. Free-text input must pass ValidateOrder before the
	// stores interpret it.
	OrderBy    string
	Descending bool

	Limit  int
	Offset int
}

// ValidateOrder rejects any order target that does not resolve to a real
// recording column or a registry-safelisted payload field of the queried
// recordable type. This is the injection guard for caller-supplied order
// input; stores assume a validated query.
func (q Query) ValidateOrder(registry *recordable.Registry) error {
	if q.OrderBy == "" {
		return nil
	}
	if recordingOrderColumns[q.OrderBy] {
		return nil
	}
	field, ok := strings.CutPrefix(q.OrderBy, PayloadFieldPrefix)
	if !ok {
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown order column %q", q.OrderBy)
	}
	if q.RecordableType == "" {
		return dErrors.New(dErrors.CodeBadRequest, "payload ordering requires a recordable type filter")
	}
	if !registry.ColumnAllowed(q.RecordableType, field) {
		return dErrors.Newf(dErrors.CodeBadRequest, "field %q is not queryable on %q", field, q.RecordableType)
	}
	return nil
}

// PayloadOrderField returns the payload field name when OrderBy targets the
// joined recordable, or "" for plain column ordering.
func (q Query) PayloadOrderField() string {
	field, ok := strings.CutPrefix(q.OrderBy, PayloadFieldPrefix)
	if !ok {
		return ""
	}
	return field
}

// EventQuery filters an event listing. Results are always most-recent-first
// by occurred_at, with creation order as the tiebreak.
type EventQuery struct {
	RecordingID uuid.UUID

	// ByActor narrows to events by Actor. A ByActor query with a nil actor
	// yields no events, never all of them.
	ByActor bool
	Actor   *recordable.Ref

	Action         string
	OccurredAfter  *time.Time
	OccurredBefore *time.Time

	Limit  int
	Offset int
}
