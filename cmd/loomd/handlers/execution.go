package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/cmd/loomd/trigger"
	"github.com/loomflow/loomflow/common/logger"
)

// ExecutionHandler serves execution state and cancellation
type ExecutionHandler struct {
	store   engine.Store
	manager *trigger.Manager
	log     *logger.Logger
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(store engine.Store, manager *trigger.Manager, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		store:   store,
		manager: manager,
		log:     log,
	}
}

// GetExecution retrieves an execution with its node records
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	id := c.Param("id")

	exec, err := h.store.GetExecution(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}

	nodes, err := h.store.ListNodeExecutions(c.Request().Context(), id)
	if err != nil {
		h.log.Error("failed to list node executions", "execution_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load node executions")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution": exec,
		"nodes":     nodes,
	})
}

// GetFlowState retrieves the per-node flow state of an execution
// GET /api/v1/executions/:id/state
func (h *ExecutionHandler) GetFlowState(c echo.Context) error {
	id := c.Param("id")

	if _, err := h.store.GetExecution(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}

	states, err := h.store.LoadFlowExecutionState(c.Request().Context(), id)
	if err != nil {
		h.log.Error("failed to load flow state", "execution_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load flow state")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"executionId": id,
		"states":      states,
	})
}

// Cancel stops a queued or running execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	id := c.Param("id")

	if err := h.manager.Cancel(c.Request().Context(), id); err != nil {
		h.log.Warn("cancellation rejected", "execution_id", id, "error", err)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"executionId": id,
		"status":      "cancelling",
	})
}
