package handler

import (
	"github.com/labstack/echo/v4"

	"analytics-proxy/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, reg *service.Registry, analytics *AnalyticsHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, inst := range reg.Instances() {
		e.GET(inst.ScriptRoute, analytics.Script(inst))
		e.Any(inst.CollectRoute, analytics.Collect(inst))
	}
}
