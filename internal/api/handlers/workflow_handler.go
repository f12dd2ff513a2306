package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgtrace/backend/internal/workflow"
)

type WorkflowHandler struct {
	service *workflow.Service
}

func NewWorkflowHandler(service *workflow.Service) *WorkflowHandler {
	return &WorkflowHandler{
		service: service,
	}
}

func (h *WorkflowHandler) GetStatus(c *fiber.Ctx) error {
	workflowID := c.Params("workflow_id")

	status, err := h.service.GetStatus(c.Context(), workflowID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflow_id":      status.WorkflowID,
		"status":           status.Status,
		"progress_percent": status.ProgressPercent,
		"current_step":     status.CurrentStep,
		"total_steps":      status.TotalSteps,
		"failure_op_id":    status.FailureOpID,
		"failure_reason":   status.FailureReason,
	})
}
