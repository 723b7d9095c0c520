package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/repositories"
)

// OverridesHandler edits the relationship overrides of a connection and
// republishes its schemas afterwards.
type OverridesHandler struct {
	repo    repositories.RelationshipOverrideRepository
	manager ConnectionManager
	logger  *zap.Logger
}

func NewOverridesHandler(repo repositories.RelationshipOverrideRepository, manager ConnectionManager, logger *zap.Logger) *OverridesHandler {
	return &OverridesHandler{repo: repo, manager: manager, logger: logger.Named("overrides-handler")}
}

// RegisterRoutes registers the override routes on the given mux.
func (h *OverridesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/connections/{fingerprint}/overrides", h.List)
	mux.HandleFunc("PUT /api/connections/{fingerprint}/overrides", h.Upsert)
	mux.HandleFunc("DELETE /api/connections/{fingerprint}/overrides/{oid}", h.Delete)
	mux.HandleFunc("POST /api/connections/{fingerprint}/overrides/publish", h.Publish)
}

// List handles GET /api/connections/{fingerprint}/overrides?draft=bool.
func (h *OverridesHandler) List(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}
	draft, _ := strconv.ParseBool(r.URL.Query().Get("draft"))

	overrides, err := h.repo.List(r.Context(), fp, draft)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if overrides == nil {
		overrides = []*models.RelationshipOverride{}
	}
	if err := WriteJSON(w, http.StatusOK, overrides); err != nil {
		h.logger.Error("Failed to encode overrides", zap.Error(err))
	}
}

// Upsert handles PUT /api/connections/{fingerprint}/overrides.
func (h *OverridesHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}

	var o models.RelationshipOverride
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		WriteError(w, apperrors.NewValidationError("body", "invalid JSON: %v", err), h.logger)
		return
	}
	o.Fingerprint = fp

	if err := h.repo.Upsert(r.Context(), &o); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.refresh(r, fp)

	if err := WriteJSON(w, http.StatusOK, o); err != nil {
		h.logger.Error("Failed to encode override", zap.Error(err))
	}
}

// Delete handles DELETE /api/connections/{fingerprint}/overrides/{oid}.
func (h *OverridesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseOverrideID(w, r, h.logger)
	if !ok {
		return
	}

	existing, err := h.repo.Get(r.Context(), id)
	if err == nil && existing.Fingerprint != fp {
		err = fmt.Errorf("override %s: %w", id, apperrors.ErrNotFound)
	}
	if err == nil {
		err = h.repo.Delete(r.Context(), id)
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.refresh(r, fp)
	w.WriteHeader(http.StatusNoContent)
}

// Publish handles POST /api/connections/{fingerprint}/overrides/publish,
// replacing the live overrides with the drafts.
func (h *OverridesHandler) Publish(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.repo.Publish(r.Context(), fp); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.refresh(r, fp)

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "published"}); err != nil {
		h.logger.Error("Failed to encode publish response", zap.Error(err))
	}
}

// refresh republishes an active connection. Overrides for connections that are
// not open yet apply on their next acquire.
func (h *OverridesHandler) refresh(r *http.Request, fingerprint string) {
	err := h.manager.RefreshOverrides(r.Context(), fingerprint)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		h.logger.Warn("Failed to refresh overrides",
			zap.String("fingerprint", fingerprint),
			zap.String("error", logging.SanitizeError(err)))
	}
}
