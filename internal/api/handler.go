// Package api exposes the ingestion session service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shapelake/internal/domain"
)

// sessionService defines the ingestion operations used by the handler.
type sessionService interface {
	Create(ctx context.Context) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	AddComponent(ctx context.Context, id string, kind domain.ComponentKind, r io.Reader) (*domain.ShapefileComponent, error)
	SetManualSchema(ctx context.Context, id string, fields []domain.SchemaField) error
	SetDestination(ctx context.Context, id string, dest domain.DestinationConfig) error
	StartParse(ctx context.Context, id string) error
	StartUpload(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Handler serves the session API.
type Handler struct {
	svc    sessionService
	logger *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(svc sessionService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Create(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /v1/sessions/{id}. The response carries the live
// progress counters, so clients poll it during both passes.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutComponent handles PUT /v1/sessions/{id}/components/{kind}. The request
// body is the raw component bytes, streamed into the component store.
func (h *Handler) PutComponent(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseComponentKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	comp, err := h.svc.AddComponent(r.Context(), chi.URLParam(r, "id"), kind, r.Body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, comp)
}

// GetSchema handles GET /v1/sessions/{id}/schema.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": sess.SchemaSource,
		"fields": sess.Schema,
	})
}

// PutSchema handles PUT /v1/sessions/{id}/schema with a manual field list.
func (h *Handler) PutSchema(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields []domain.SchemaField `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, domain.ErrValidation("invalid schema body: %v", err))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.SetManualSchema(r.Context(), id, body.Fields); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": domain.SchemaManual,
		"fields": body.Fields,
	})
}

// PutDestination handles PUT /v1/sessions/{id}/destination.
func (h *Handler) PutDestination(w http.ResponseWriter, r *http.Request) {
	var dest domain.DestinationConfig
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		writeError(w, h.logger, domain.ErrValidation("invalid destination body: %v", err))
		return
	}
	if err := h.svc.SetDestination(r.Context(), chi.URLParam(r, "id"), dest); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dest)
}

// StartParse handles POST /v1/sessions/{id}/parse. The claim is synchronous
// (busy and missing-component conflicts surface here); the pass itself runs
// in the background and its outcome lands on the session.
func (h *Handler) StartParse(w http.ResponseWriter, r *http.Request) {
	h.startPass(w, r, h.svc.StartParse)
}

// StartUpload handles POST /v1/sessions/{id}/upload.
func (h *Handler) StartUpload(w http.ResponseWriter, r *http.Request) {
	h.startPass(w, r, h.svc.StartUpload)
}

func (h *Handler) startPass(w http.ResponseWriter, r *http.Request, start func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := start(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

// Cancel handles POST /v1/sessions/{id}/cancel. Cancellation is cooperative;
// the active pass stops at its next record or batch boundary.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}
