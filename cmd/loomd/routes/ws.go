package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/handlers"
)

// RegisterWSRoutes registers the realtime event stream route
func RegisterWSRoutes(e *echo.Echo, h *handlers.WSHandler) {
	e.GET("/ws", h.Subscribe) // GET /ws?executionId=... | /ws?workflowId=...
}
