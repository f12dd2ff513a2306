package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/ingestion"
	"github.com/kgtrace/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
	}
}

func (h *DocumentHandler) IngestDocument(c *fiber.Ctx) error {
	var req struct {
		SourceURL string `json:"source_url"`
		Title     string `json:"title"`
		Content   string `json:"content"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content is required",
		})
	}

	result, err := h.processor.IngestDocument(c.Context(), req.SourceURL, req.Title, req.Content)
	if err != nil {
		logger.Error("Failed to ingest document", zap.Error(err))
		// Ingestion failures still carry a workflow id for diagnosis.
		status := statusFor(err)
		return c.Status(status).JSON(fiber.Map{
			"error":       err.Error(),
			"workflow_id": result.WorkflowID,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}
