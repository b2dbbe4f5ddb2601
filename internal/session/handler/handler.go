// Package handler exposes device-session resolution and root switching.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trellis/internal/access"
	"trellis/internal/recordable"
	"trellis/internal/session"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/httputil"
	"trellis/pkg/requestcontext"
)

// Service is the session surface the HTTP layer consumes.
type Service interface {
	Resolve(ctx context.Context, actor recordable.Ref, fingerprint, userAgent string) (*session.DeviceSession, error)
	SwitchTo(ctx context.Context, actor recordable.Ref, fingerprint string, newRootID uuid.UUID, minimum access.Role) (*session.DeviceSession, error)
}

// Handler handles session endpoints.
type Handler struct {
	logger *slog.Logger
	svc    Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// Register registers the session routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/session", h.handleResolve)
	r.Post("/session/switch", h.handleSwitch)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, fingerprint, ok := h.identity(w, ctx)
	if !ok {
		return
	}

	sess, err := h.svc.Resolve(ctx, actor, fingerprint, requestcontext.UserAgent(ctx))
	if err != nil {
		h.writeErr(w, ctx, "resolve session", err)
		return
	}
	if sess == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "no accessible root recordings"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, fingerprint, ok := h.identity(w, ctx)
	if !ok {
		return
	}
	var req struct {
		RootRecordingID uuid.UUID `json:"root_recording_id"`
		MinimumRole     string    `json:"minimum_role,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.RootRecordingID == uuid.Nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "root_recording_id is required"))
		return
	}

	sess, err := h.svc.SwitchTo(ctx, actor, fingerprint, req.RootRecordingID, access.Role(req.MinimumRole))
	if err != nil {
		h.writeErr(w, ctx, "switch session root", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Handler) identity(w http.ResponseWriter, ctx context.Context) (recordable.Ref, string, bool) {
	actor := requestcontext.Actor(ctx)
	if actor == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "actor is required"))
		return recordable.Ref{}, "", false
	}
	fingerprint := requestcontext.Fingerprint(ctx)
	if fingerprint == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "X-Device-Fingerprint header is required"))
		return recordable.Ref{}, "", false
	}
	return *actor, fingerprint, true
}

func (h *Handler) writeErr(w http.ResponseWriter, ctx context.Context, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed", "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, op+" failed"))
		return
	}
	httputil.WriteError(w, err)
}

type sessionDTO struct {
	ID              uuid.UUID `json:"id"`
	RootRecordingID uuid.UUID `json:"root_recording_id"`
	DeviceName      string    `json:"device_name,omitempty"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

func sessionResponse(sess *session.DeviceSession) sessionDTO {
	return sessionDTO{
		ID:              sess.ID,
		RootRecordingID: sess.RootRecordingID,
		DeviceName:      sess.DeviceName,
		LastActiveAt:    sess.LastActiveAt,
	}
}
