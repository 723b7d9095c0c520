package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/config"
)

// PingResponse identifies the running build and the engines compiled into it.
type PingResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	Service     string   `json:"service"`
	GoVersion   string   `json:"go_version"`
	Hostname    string   `json:"hostname,omitempty"`
	Environment string   `json:"environment"`
	Engines     []string `json:"engines"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string             `json:"status"`
	Connections *ConnectionsHealth `json:"connections,omitempty"`
}

// ConnectionsHealth counts registry entries.
type ConnectionsHealth struct {
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Unusable int `json:"unusable"`
}

// StatusProvider reports the connection registry.
type StatusProvider interface {
	Status() datasource.ManagerStatus
}

// HealthHandler serves liveness and build information.
type HealthHandler struct {
	cfg    *config.Config
	status StatusProvider
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. status may be nil.
func NewHealthHandler(cfg *config.Config, status StatusProvider, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, status: status, logger: logger}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health reports "degraded" while any active connection is unusable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok"}
	if h.status != nil {
		st := h.status.Status()
		health := &ConnectionsHealth{Active: len(st.Active), Pending: len(st.Pending)}
		for _, c := range st.Active {
			if !c.Usable {
				health.Unusable++
			}
		}
		response.Connections = health
		if health.Unusable > 0 {
			response.Status = "degraded"
		}
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-query-engine",
		GoVersion:   runtime.Version(),
		Environment: h.cfg.Env,
	}
	if hostname, err := os.Hostname(); err == nil {
		response.Hostname = hostname
	}
	for _, a := range datasource.RegisteredAdapters() {
		response.Engines = append(response.Engines, string(a.Engine))
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
