package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/loomflow/loomflow/cmd/loomd/fabric"
	"github.com/loomflow/loomflow/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now (TODO: Configure CORS properly in production)
		return true
	},
}

// WSHandler upgrades realtime event subscriptions to WebSocket
type WSHandler struct {
	fabric *fabric.Fabric
	log    *logger.Logger
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(f *fabric.Fabric, log *logger.Logger) *WSHandler {
	return &WSHandler{
		fabric: f,
		log:    log,
	}
}

// Subscribe streams events for one execution (with history replay) or
// live events for a whole workflow
// GET /ws?executionId=... or GET /ws?workflowId=...
func (h *WSHandler) Subscribe(c echo.Context) error {
	executionID := c.QueryParam("executionId")
	workflowID := c.QueryParam("workflowId")
	if executionID == "" && workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "executionId or workflowId query parameter required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	var sub *fabric.Subscription
	if executionID != "" {
		sub = h.fabric.Subscribe(executionID)
	} else {
		sub = h.fabric.SubscribeWorkflow(workflowID)
	}

	h.log.Info("websocket subscriber connected",
		"execution_id", executionID,
		"workflow_id", workflowID,
		"remote", c.Request().RemoteAddr)

	fabric.NewClient(h.fabric, conn, sub, h.log).Run()
	return nil
}
