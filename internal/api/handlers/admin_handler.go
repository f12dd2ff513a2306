package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/reconcile"
	"github.com/kgtrace/backend/pkg/logger"
)

type AdminHandler struct {
	reconciler *reconcile.Reconciler
}

func NewAdminHandler(reconciler *reconcile.Reconciler) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
	}
}

// RunReconciliation triggers an on-demand sweep in addition to the periodic
// background one.
func (h *AdminHandler) RunReconciliation(c *fiber.Ctx) error {
	report, err := h.reconciler.RunOnce(c.Context())
	if err != nil {
		logger.Error("On-demand reconciliation failed", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(report)
}
