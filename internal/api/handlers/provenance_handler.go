package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/provenance"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/logger"
)

type ProvenanceHandler struct {
	service *provenance.Service
}

func NewProvenanceHandler(service *provenance.Service) *ProvenanceHandler {
	return &ProvenanceHandler{
		service: service,
	}
}

type lineageEntry struct {
	OperationID   string   `json:"operation_id"`
	OperationType string   `json:"operation_type"`
	ToolID        string   `json:"tool_id"`
	Status        string   `json:"status"`
	Confidence    float64  `json:"confidence"`
	InputRefs     []string `json:"input_refs"`
	OutputRefs    []string `json:"output_refs"`
}

func (h *ProvenanceHandler) GetLineage(c *fiber.Ctx) error {
	refParam := c.Query("ref")
	if refParam == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ref query parameter is required",
		})
	}

	ref, err := refs.Parse(refParam)
	if err != nil {
		return respondError(c, err)
	}

	direction := c.Query("direction", provenance.DirectionBackward)
	maxDepth := c.QueryInt("max_depth", 10)

	lineage, err := h.service.GetLineage(c.Context(), ref, direction, maxDepth)
	if err != nil {
		logger.Error("Lineage query failed", zap.String("ref", refParam), zap.Error(err))
		return respondError(c, err)
	}

	entries := make([]lineageEntry, len(lineage))
	for i, op := range lineage {
		entries[i] = toEntry(op)
	}

	return c.JSON(fiber.Map{
		"ref":        ref.String(),
		"direction":  direction,
		"operations": entries,
	})
}

func (h *ProvenanceHandler) GetToolStats(c *fiber.Ctx) error {
	toolID := c.Params("tool_id")

	stats, err := h.service.GetToolStatistics(c.Context(), toolID)
	if err != nil {
		logger.Error("Tool stats query failed", zap.String("tool_id", toolID), zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"tool_id":          stats.ToolID,
		"total_calls":      stats.TotalCalls,
		"successful_calls": stats.SuccessfulCalls,
		"failed_calls":     stats.FailedCalls,
		"avg_duration_ms":  stats.AvgDurationMS(),
		"last_used":        stats.LastUsed,
	})
}

func toEntry(op models.Operation) lineageEntry {
	return lineageEntry{
		OperationID:   op.ID,
		OperationType: op.OperationType,
		ToolID:        op.ToolID,
		Status:        op.Status,
		Confidence:    op.Confidence,
		InputRefs:     op.InputRefs,
		OutputRefs:    op.OutputRefs,
	}
}
