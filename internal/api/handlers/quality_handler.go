package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kgtrace/backend/internal/quality"
	"github.com/kgtrace/backend/internal/refs"
)

type QualityHandler struct {
	service *quality.Service
}

func NewQualityHandler(service *quality.Service) *QualityHandler {
	return &QualityHandler{
		service: service,
	}
}

func (h *QualityHandler) AssessQuality(c *fiber.Ctx) error {
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

	method := c.Query("method", "automatic")
	override := c.QueryFloat("override", 0)

	assessment, err := h.service.Assess(c.Context(), ref, method, override)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"ref":          assessment.Ref.String(),
		"confidence":   assessment.Confidence,
		"quality_tier": assessment.QualityTier,
		"method":       assessment.Method,
	})
}

func (h *QualityHandler) PropagateQuality(c *fiber.Ctx) error {
	var req struct {
		InputRefs     []string               `json:"input_refs"`
		OperationType string                 `json:"operation_type"`
		Parameters    map[string]interface{} `json:"parameters"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	inputs, err := refs.ParseAll(req.InputRefs)
	if err != nil {
		return respondError(c, err)
	}

	confidence, warnings, err := h.service.Propagate(c.Context(), inputs, req.OperationType, req.Parameters)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"confidence":   confidence,
		"quality_tier": h.service.TierFor(confidence),
		"warnings":     warnings,
	})
}
