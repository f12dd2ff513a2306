package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/internal/workflow"
	"github.com/kgtrace/backend/pkg/logger"
)

// WebSocketHandler streams workflow progress to a client until the workflow
// reaches a terminal state.
type WebSocketHandler struct {
	service      *workflow.Service
	pollInterval time.Duration
}

func NewWebSocketHandler(service *workflow.Service) *WebSocketHandler {
	return &WebSocketHandler{
		service:      service,
		pollInterval: time.Second,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	workflowID := c.Params("workflow_id")
	logger.Info("WebSocket connection established", zap.String("workflow_id", workflowID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("workflow_id", workflowID))
	}()

	ctx := context.Background()
	var lastStep = -1
	var lastStatus string

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		status, err := h.service.GetStatus(ctx, workflowID)
		if err != nil {
			h.sendError(c, err.Error())
			return
		}

		if status.CurrentStep != lastStep || status.Status != lastStatus {
			lastStep = status.CurrentStep
			lastStatus = status.Status
			if err := h.sendProgress(c, status); err != nil {
				logger.Error("Failed to push workflow progress",
					zap.String("workflow_id", workflowID), zap.Error(err))
				return
			}
		}

		if status.Status == models.WorkflowCompleted || status.Status == models.WorkflowFailed {
			h.sendComplete(c, status)
			return
		}
	}
}

func (h *WebSocketHandler) sendProgress(c *websocket.Conn, status workflow.Status) error {
	return c.WriteJSON(map[string]interface{}{
		"type":             "progress",
		"workflow_id":      status.WorkflowID,
		"status":           status.Status,
		"progress_percent": status.ProgressPercent,
		"current_step":     status.CurrentStep,
		"total_steps":      status.TotalSteps,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, status workflow.Status) {
	msg := map[string]interface{}{
		"type":             "complete",
		"workflow_id":      status.WorkflowID,
		"status":           status.Status,
		"progress_percent": status.ProgressPercent,
	}
	if status.Status == models.WorkflowFailed {
		msg["failure_op_id"] = status.FailureOpID
		msg["failure_reason"] = status.FailureReason
	}
	if err := c.WriteJSON(msg); err != nil {
		logger.Error("Failed to send terminal workflow message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Error("Failed to send WebSocket error", zap.Error(err))
	}
}
