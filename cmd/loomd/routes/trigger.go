package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/handlers"
)

// RegisterTriggerRoutes registers trigger admission routes
func RegisterTriggerRoutes(e *echo.Echo, h *handlers.TriggerHandler, mws ...echo.MiddlewareFunc) {
	triggers := e.Group("/api/v1/triggers", mws...)
	{
		triggers.POST("/execute", h.Execute)          // POST /api/v1/triggers/execute
		triggers.POST("/execute-sync", h.ExecuteSync) // POST /api/v1/triggers/execute-sync
		triggers.GET("/stats", h.Stats)               // GET /api/v1/triggers/stats
		triggers.GET("/limits", h.Limits)             // GET /api/v1/triggers/limits
	}
}
