package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/identity"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/pkg/logger"
)

type IdentityHandler struct {
	service  *identity.Service
	resolver *refs.Resolver
}

func NewIdentityHandler(service *identity.Service, resolver *refs.Resolver) *IdentityHandler {
	return &IdentityHandler{
		service:  service,
		resolver: resolver,
	}
}

// ValidateRef parses a universal reference and probes its owning store.
func (h *IdentityHandler) ValidateRef(c *fiber.Ctx) error {
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

	exists, err := h.resolver.Exists(c.Context(), ref)
	if err != nil {
		logger.Error("Reference probe failed", zap.String("ref", refParam), zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"ref":         ref.String(),
		"store":       ref.Store,
		"object_type": ref.Type,
		"id":          ref.ID,
		"exists":      exists,
	})
}

func (h *IdentityHandler) ResolveMention(c *fiber.Ctx) error {
	var req struct {
		MentionRef      string   `json:"mention_ref"`
		CandidateRefs   []string `json:"candidate_refs"`
		CreateIfMissing bool     `json:"create_if_missing"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	mentionRef, err := refs.Parse(req.MentionRef)
	if err != nil {
		return respondError(c, err)
	}
	candidates, err := refs.ParseAll(req.CandidateRefs)
	if err != nil {
		return respondError(c, err)
	}

	entityRef, err := h.service.ResolveEntity(c.Context(), mentionRef, candidates, req.CreateIfMissing)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"mention_ref": mentionRef.String(),
		"entity_ref":  entityRef.String(),
	})
}

func (h *IdentityHandler) MergeEntities(c *fiber.Ctx) error {
	var req struct {
		FromRef string `json:"from_ref"`
		ToRef   string `json:"to_ref"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	fromRef, err := refs.Parse(req.FromRef)
	if err != nil {
		return respondError(c, err)
	}
	toRef, err := refs.Parse(req.ToRef)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.service.MergeEntities(c.Context(), fromRef, toRef); err != nil {
		logger.Error("Entity merge failed",
			zap.String("from", req.FromRef),
			zap.String("to", req.ToRef),
			zap.Error(err),
		)
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"merged_into": toRef.String(),
	})
}
