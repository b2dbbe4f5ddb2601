// Package handler is the thin HTTP surface over the recording operations.
// It decodes payloads through the recordable registry and delegates; no
// business logic lives here.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/internal/recording/service"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/httputil"
	"trellis/pkg/requestcontext"
)

// Service is the slice of the operations layer the HTTP surface needs.
type Service interface {
	Record(ctx context.Context, rec recordable.Recordable, root, parent *recording.Recording, build service.Build, opts service.OpOptions) (*recording.Event, error)
	RecordRoot(ctx context.Context, rec recordable.Recordable, container *recordable.Ref, build service.Build, opts service.OpOptions) (*recording.Event, error)
	Revise(ctx context.Context, recordingID uuid.UUID, build service.Build, opts service.OpOptions) (*recording.Event, error)
	Trash(ctx context.Context, recordingID uuid.UUID, opts service.OpOptions) (*recording.Event, error)
	Restore(ctx context.Context, recordingID uuid.UUID, opts service.OpOptions) (*recording.Event, error)
	HardDelete(ctx context.Context, recordingID uuid.UUID, opts service.OpOptions) (*recording.Event, error)
	Revert(ctx context.Context, recordingID uuid.UUID, to recordable.Ref, opts service.OpOptions) (*recording.Event, error)
	MoveTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts service.OpOptions) (*recording.Event, error)
	CopyTo(ctx context.Context, recordingID, newParentID uuid.UUID, opts service.OpOptions) (*recording.Event, error)
	Comment(ctx context.Context, recordingID uuid.UUID, comment recordable.Recordable, build service.Build, opts service.OpOptions) (*recording.Event, error)
	LogEvent(ctx context.Context, recordingID uuid.UUID, action string, opts service.OpOptions) (*recording.Event, error)
	Recording(ctx context.Context, id uuid.UUID, includeTrashed bool) (*recording.Recording, error)
	Recordings(ctx context.Context, q recording.Query) ([]*recording.Recording, error)
	Events(ctx context.Context, q recording.EventQuery) ([]*recording.Event, error)
}

// Handler handles recording endpoints.
type Handler struct {
	logger   *slog.Logger
	svc      Service
	registry *recordable.Registry
}

// New creates a recording Handler.
func New(svc Service, registry *recordable.Registry, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, svc: svc, registry: registry}
}

// Register registers the recording routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/roots", h.handleRecordRoot)
	r.Route("/recordings", func(r chi.Router) {
		r.Post("/", h.handleRecord)
		r.Get("/", h.handleList)
		r.Route("/{recordingID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleHardDelete)
			r.Post("/revise", h.handleRevise)
			r.Post("/trash", h.handleTrash)
			r.Post("/restore", h.handleRestore)
			r.Post("/revert", h.handleRevert)
			r.Post("/move", h.handleMove)
			r.Post("/copy", h.handleCopy)
			r.Post("/comments", h.handleComment)
			r.Post("/events", h.handleLogEvent)
			r.Get("/events", h.handleListEvents)
		})
	})
}

type recordableBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type refBody struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// instantiate builds a recordable of the declared type and decodes the
// payload into it.
func (h *Handler) instantiate(body recordableBody) (recordable.Recordable, error) {
	d, ok := h.registry.Descriptor(body.Type)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "recordable type %q is not registered", body.Type)
	}
	rec := d.New()
	if len(body.Payload) > 0 {
		if err := json.Unmarshal(body.Payload, rec); err != nil {
			return nil, dErrors.Wrap(dErrors.CodeBadRequest, "invalid recordable payload", err)
		}
	}
	return rec, nil
}

// opOptions assembles the shared per-request options. The actor comes from
// the auth middleware via the service's actor provider, not from the body.
func opOptions(r *http.Request, metadata map[string]any, occurredAt *time.Time) service.OpOptions {
	opts := service.OpOptions{
		Metadata:       metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if occurredAt != nil {
		opts.OccurredAt = *occurredAt
	}
	if v := r.URL.Query().Get("cascade"); v != "" {
		cascade := v == "true"
		opts.Cascade = &cascade
	}
	return opts
}

func (h *Handler) handleRecordRoot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		recordableBody
		Container  *refBody       `json:"container,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	rec, err := h.instantiate(req.recordableBody)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var container *recordable.Ref
	if req.Container != nil {
		container = &recordable.Ref{Type: req.Container.Type, ID: req.Container.ID}
	}

	event, err := h.svc.RecordRoot(r.Context(), rec, container, nil, opOptions(r, req.Metadata, req.OccurredAt))
	if err != nil {
		h.writeOpError(w, r, "record root", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, eventResponse(event))
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		recordableBody
		RootRecordingID   uuid.UUID      `json:"root_recording_id"`
		ParentRecordingID *uuid.UUID     `json:"parent_recording_id,omitempty"`
		Metadata          map[string]any `json:"metadata,omitempty"`
		OccurredAt        *time.Time     `json:"occurred_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	rec, err := h.instantiate(req.recordableBody)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.RootRecordingID == uuid.Nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "root_recording_id is required"))
		return
	}
	root, err := h.svc.Recording(r.Context(), req.RootRecordingID, false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var parent *recording.Recording
	if req.ParentRecordingID != nil {
		parent, err = h.svc.Recording(r.Context(), *req.ParentRecordingID, false)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	event, err := h.svc.Record(r.Context(), rec, root, parent, nil, opOptions(r, req.Metadata, req.OccurredAt))
	if err != nil {
		h.writeOpError(w, r, "record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, eventResponse(event))
}

func (h *Handler) handleRevise(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	var req struct {
		Payload    json.RawMessage `json:"payload"`
		Metadata   map[string]any  `json:"metadata,omitempty"`
		OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	// The payload is decoded onto the duplicated snapshot, so fields the
	// caller omits keep their current values.
	build := func(rec recordable.Recordable) error {
		if len(req.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(req.Payload, rec)
	}
	event, err := h.svc.Revise(r.Context(), id, build, opOptions(r, req.Metadata, req.OccurredAt))
	if err != nil {
		h.writeOpError(w, r, "revise", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventResponse(event))
}

func (h *Handler) handleTrash(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "trash", h.svc.Trash)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "restore", h.svc.Restore)
}

func (h *Handler) handleHardDelete(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "hard delete", h.svc.HardDelete)
}

func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID, service.OpOptions) (*recording.Event, error)) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	event, err := fn(r.Context(), id, opOptions(r, nil, nil))
	if err != nil {
		h.writeOpError(w, r, op, err)
		return
	}
	if event == nil {
		// Already in the target state.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventResponse(event))
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	var req struct {
		Recordable refBody        `json:"recordable"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	to := recordable.Ref{Type: req.Recordable.Type, ID: req.Recordable.ID}
	if to.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "recordable reference is required"))
		return
	}
	event, err := h.svc.Revert(r.Context(), id, to, opOptions(r, req.Metadata, nil))
	if err != nil {
		h.writeOpError(w, r, "revert", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventResponse(event))
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	h.handleReparent(w, r, "move", h.svc.MoveTo)
}

func (h *Handler) handleCopy(w http.ResponseWriter, r *http.Request) {
	h.handleReparent(w, r, "copy", h.svc.CopyTo)
}

func (h *Handler) handleReparent(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID, uuid.UUID, service.OpOptions) (*recording.Event, error)) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	var req struct {
		NewParentRecordingID uuid.UUID      `json:"new_parent_recording_id"`
		Metadata             map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.NewParentRecordingID == uuid.Nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "new_parent_recording_id is required"))
		return
	}
	event, err := fn(r.Context(), id, req.NewParentRecordingID, opOptions(r, req.Metadata, nil))
	if err != nil {
		h.writeOpError(w, r, op, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventResponse(event))
}

func (h *Handler) handleComment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	var req struct {
		recordableBody
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	comment, err := h.instantiate(req.recordableBody)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	event, err := h.svc.Comment(r.Context(), id, comment, nil, opOptions(r, req.Metadata, nil))
	if err != nil {
		h.writeOpError(w, r, "comment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, eventResponse(event))
}

func (h *Handler) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	var req struct {
		Action     string         `json:"action"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	event, err := h.svc.LogEvent(r.Context(), id, req.Action, opOptions(r, req.Metadata, req.OccurredAt))
	if err != nil {
		h.writeOpError(w, r, "log event", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, eventResponse(event))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	includeTrashed := r.URL.Query().Get("include_trashed") == "true"
	rec, err := h.svc.Recording(r.Context(), id, includeTrashed)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, recordingResponse(rec))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recs, err := h.svc.Recordings(r.Context(), q)
	if err != nil {
		h.writeOpError(w, r, "list recordings", err)
		return
	}
	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordingResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordingID(w, r)
	if !ok {
		return
	}
	q, err := eventQueryFromRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q.RecordingID = id
	events, err := h.svc.Events(r.Context(), q)
	if err != nil {
		h.writeOpError(w, r, "list events", err)
		return
	}
	out := make([]any, 0, len(events))
	for _, event := range events {
		out = append(out, eventResponse(event))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) recordingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "recordingID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid recording id"))
		return uuid.Nil, false
	}
	return id, true
}

// writeOpError logs unexpected failures and hands the translation to the
// shared helper. Domain errors pass through untouched; everything else is
// reported as internal without leaking detail.
func (h *Handler) writeOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(r.Context(), "operation failed",
			"operation", op,
			"error", err,
			"actor", requestcontext.Actor(r.Context()),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, op+" failed"))
		return
	}
	httputil.WriteError(w, err)
}

func queryFromRequest(r *http.Request) (recording.Query, error) {
	var q recording.Query
	params := r.URL.Query()

	if v := params.Get("root_recording_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return q, dErrors.New(dErrors.CodeBadRequest, "invalid root_recording_id")
		}
		q.RootRecordingID = id
	}
	q.RecordableType = params.Get("recordable_type")
	if v := params.Get("parent_recording_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return q, dErrors.New(dErrors.CodeBadRequest, "invalid parent_recording_id")
		}
		q.ParentRecordingID = &id
	}
	q.IncludeTrashed = params.Get("include_trashed") == "true"
	q.OrderBy = params.Get("order_by")
	q.Descending = params.Get("order") == "desc"
	q.Limit = intParam(params.Get("limit"))
	q.Offset = intParam(params.Get("offset"))
	return q, nil
}

func eventQueryFromRequest(r *http.Request) (recording.EventQuery, error) {
	var q recording.EventQuery
	params := r.URL.Query()

	q.Action = params.Get("action")
	if v := params.Get("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return q, dErrors.New(dErrors.CodeBadRequest, "invalid actor_id")
		}
		typ := params.Get("actor_type")
		if typ == "" {
			typ = "user"
		}
		q.ByActor = true
		q.Actor = &recordable.Ref{Type: typ, ID: id}
	}
	q.Limit = intParam(params.Get("limit"))
	q.Offset = intParam(params.Get("offset"))
	return q, nil
}

func intParam(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
