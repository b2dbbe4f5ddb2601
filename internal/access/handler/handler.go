// Package handler exposes the role resolver over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trellis/internal/access"
	"trellis/internal/recordable"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/httputil"
	"trellis/pkg/requestcontext"
)

//go:generate mockgen -destination=mocks/mock_checker.go -package=mocks trellis/internal/access/handler Checker

// Checker is the resolver surface the HTTP layer consumes.
type Checker interface {
	RoleFor(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID) (access.Role, error)
	RootRecordingIDsFor(ctx context.Context, actor recordable.Ref, minimum access.Role) ([]uuid.UUID, error)
}

// Handler handles access-resolution endpoints.
type Handler struct {
	logger  *slog.Logger
	checker Checker
}

func New(checker Checker, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, checker: checker}
}

// Register registers the access routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/access/role", h.handleRole)
	r.Get("/access/roots", h.handleRoots)
}

func (h *Handler) handleRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordingID, err := uuid.Parse(r.URL.Query().Get("recording_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid recording_id"))
		return
	}

	role, err := h.checker.RoleFor(ctx, requestcontext.Actor(ctx), recordingID)
	if err != nil {
		h.logger.ErrorContext(ctx, "resolve role failed",
			"recording_id", recordingID, "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "resolve role failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"recording_id": recordingID,
		"role":         role,
	})
}

func (h *Handler) handleRoots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.Actor(ctx)
	if actor == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "actor is required"))
		return
	}
	minimum := access.Role(r.URL.Query().Get("minimum_role"))
	if minimum == "" {
		minimum = access.RoleView
	}
	if _, ok := minimum.Rank(); !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown minimum_role"))
		return
	}

	roots, err := h.checker.RootRecordingIDsFor(ctx, *actor, minimum)
	if err != nil {
		h.logger.ErrorContext(ctx, "list accessible roots failed", "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "list accessible roots failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"root_recording_ids": roots})
}
