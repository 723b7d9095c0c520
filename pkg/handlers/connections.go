package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

// ConnectionManager is the subset of datasource.ConnectionManager the
// handlers drive.
type ConnectionManager interface {
	Status() datasource.ManagerStatus
	Get(fingerprint string) (*datasource.Connection, bool)
	Reload(ctx context.Context, cfg models.ConnectionConfig) (*datasource.Connection, error)
	Dispose(ctx context.Context, fingerprint string) error
	Check(ctx context.Context, fingerprint string) error
	RefreshOverrides(ctx context.Context, fingerprint string) error
	ListAdapters() []datasource.AdapterInfo
}

var _ ConnectionManager = (*datasource.ConnectionManager)(nil)

// ReflectResponse reports a partial re-reflection.
type ReflectResponse struct {
	Added  int    `json:"added"`
	Tables int    `json:"tables"`
	Status string `json:"status"`
}

// ConnectionsHandler exposes the connection registry.
type ConnectionsHandler struct {
	manager ConnectionManager
	logger  *zap.Logger
}

func NewConnectionsHandler(manager ConnectionManager, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{manager: manager, logger: logger.Named("connections-handler")}
}

// RegisterRoutes registers the connection routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/adapters", h.ListAdapters)
	mux.HandleFunc("GET /api/connections", h.List)
	mux.HandleFunc("GET /api/connections/{fingerprint}/schema", h.Schema)
	mux.HandleFunc("POST /api/connections/{fingerprint}/reload", h.Reload)
	mux.HandleFunc("POST /api/connections/{fingerprint}/reflect", h.ReflectMissing)
	mux.HandleFunc("POST /api/connections/{fingerprint}/check", h.Check)
	mux.HandleFunc("DELETE /api/connections/{fingerprint}", h.Dispose)
}

// ListAdapters handles GET /api/adapters.
func (h *ConnectionsHandler) ListAdapters(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, h.manager.ListAdapters()); err != nil {
		h.logger.Error("Failed to encode adapters", zap.Error(err))
	}
}

// List handles GET /api/connections.
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, h.manager.Status()); err != nil {
		h.logger.Error("Failed to encode connection status", zap.Error(err))
	}
}

// Schema handles GET /api/connections/{fingerprint}/schema. With ?draft=true
// the draft relationship overrides are applied; ?format=yaml renders YAML.
func (h *ConnectionsHandler) Schema(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	schema := conn.Schema()
	if draft, _ := strconv.ParseBool(r.URL.Query().Get("draft")); draft {
		schema = conn.DraftSchema()
	}
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(schema); err != nil {
			h.logger.Error("Failed to encode schema", zap.Error(err))
		}
		_ = enc.Close()
		return
	}
	if err := WriteJSON(w, http.StatusOK, schema); err != nil {
		h.logger.Error("Failed to encode schema", zap.Error(err))
	}
}

// Reload handles POST /api/connections/{fingerprint}/reload.
func (h *ConnectionsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	reloaded, err := h.manager.Reload(r.Context(), conn.Config())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, reloaded.Status()); err != nil {
		h.logger.Error("Failed to encode connection status", zap.Error(err))
	}
}

// ReflectMissing handles POST /api/connections/{fingerprint}/reflect.
func (h *ConnectionsHandler) ReflectMissing(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}

	added, err := conn.ReflectMissing(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	response := ReflectResponse{Added: added, Tables: len(conn.Schema().Tables), Status: "ok"}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode reflect response", zap.Error(err))
	}
}

// Check handles POST /api/connections/{fingerprint}/check.
func (h *ConnectionsHandler) Check(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.manager.Check(r.Context(), fp); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		h.logger.Error("Failed to encode check response", zap.Error(err))
	}
}

// Dispose handles DELETE /api/connections/{fingerprint}.
func (h *ConnectionsHandler) Dispose(w http.ResponseWriter, r *http.Request) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.manager.Dispose(r.Context(), fp); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionsHandler) connection(w http.ResponseWriter, r *http.Request) (*datasource.Connection, bool) {
	fp, ok := ParseFingerprint(w, r, h.logger)
	if !ok {
		return nil, false
	}
	conn, ok := h.manager.Get(fp)
	if !ok {
		WriteError(w, fmt.Errorf("connection %s: %w", fp, apperrors.ErrNotFound), h.logger)
		return nil, false
	}
	return conn, true
}
