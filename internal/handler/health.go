package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"analytics-proxy/internal/config"
	"analytics-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry *service.Registry
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, reg *service.Registry, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: reg, version: v}
}

type proxyStatus struct {
	Name         string `json:"name"`
	Preset       string `json:"preset"`
	ScriptRoute  string `json:"script_route"`
	CollectRoute string `json:"collect_route"`
	ScriptURL    string `json:"script_url"`
	CollectURL   string `json:"collect_url"`
}

type statusResponse struct {
	Status       string        `json:"status"`
	Version      string        `json:"version"`
	CacheBackend string        `json:"cache_backend"`
	Proxies      []proxyStatus `json:"proxies"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the version, cache backend and configured proxies.
func (h *HealthHandler) Status(c echo.Context) error {
	instances := h.registry.Instances()
	proxies := make([]proxyStatus, 0, len(instances))
	for _, inst := range instances {
		proxies = append(proxies, proxyStatus{
			Name:         inst.Name,
			Preset:       inst.Preset,
			ScriptRoute:  inst.ScriptRoute,
			CollectRoute: inst.CollectRoute,
			ScriptURL:    inst.ScriptURL,
			CollectURL:   inst.CollectURL,
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		CacheBackend: h.cfg.Cache.Backend,
		Proxies:      proxies,
	})
}
