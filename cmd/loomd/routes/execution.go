package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/handlers"
)

// RegisterExecutionRoutes registers execution state and control routes
func RegisterExecutionRoutes(e *echo.Echo, h *handlers.ExecutionHandler) {
	executions := e.Group("/api/v1/executions")
	{
		executions.GET("/:id", h.GetExecution)       // GET /api/v1/executions/{id}
		executions.GET("/:id/state", h.GetFlowState) // GET /api/v1/executions/{id}/state
		executions.POST("/:id/cancel", h.Cancel)     // POST /api/v1/executions/{id}/cancel
	}
}
