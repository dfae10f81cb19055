package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/trigger"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
	"github.com/loomflow/loomflow/common/ratelimit"
)

// TriggerHandler handles trigger admission requests
type TriggerHandler struct {
	manager *trigger.Manager
	log     *logger.Logger
}

// NewTriggerHandler creates a new trigger handler
func NewTriggerHandler(manager *trigger.Manager, log *logger.Logger) *TriggerHandler {
	return &TriggerHandler{
		manager: manager,
		log:     log,
	}
}

// ExecuteRequest carries the workflow definition inline with the
// trigger metadata.
type ExecuteRequest struct {
	Workflow *models.Workflow      `json:"workflow"`
	Trigger  models.TriggerRequest `json:"trigger"`
}

func (r *ExecuteRequest) validate() error {
	if r.Workflow == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow is required")
	}
	if len(r.Workflow.Nodes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow has no nodes")
	}
	if r.Trigger.WorkflowID == "" {
		r.Trigger.WorkflowID = r.Workflow.ID
	}
	if r.Trigger.TriggerType == "" {
		r.Trigger.TriggerType = models.TriggerTypeManual
	}
	return nil
}

// Execute admits a trigger and returns immediately
// POST /api/v1/triggers/execute
func (h *TriggerHandler) Execute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	resp := h.manager.HandleTrigger(c.Request().Context(), req.Workflow, &req.Trigger)

	status := http.StatusAccepted
	if resp.Status == models.TriggerStatusRejected {
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, resp)
}

// ExecuteSync admits a trigger and blocks until the execution finishes
// or the sync wait times out
// POST /api/v1/triggers/execute-sync
func (h *TriggerHandler) ExecuteSync(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	resp := h.manager.ExecuteAndWait(c.Request().Context(), req.Workflow, &req.Trigger)

	status := http.StatusOK
	switch {
	case resp.Status == models.TriggerStatusRejected:
		status = http.StatusTooManyRequests
	case !resp.Success:
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, resp)
}

// Stats reports admission counters and queue depth
// GET /api/v1/triggers/stats
func (h *TriggerHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}

// Limits reports the per-tier trigger quotas
// GET /api/v1/triggers/limits
func (h *TriggerHandler) Limits(c echo.Context) error {
	tiers := ratelimit.AllTiers()
	out := make([]map[string]interface{}, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, map[string]interface{}{
			"tier":          tier.Tier.String(),
			"limit":         tier.Limit,
			"windowSeconds": tier.WindowSeconds,
			"description":   tier.Description,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tiers": out})
}
