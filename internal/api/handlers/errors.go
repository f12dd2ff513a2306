package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/kgtrace/backend/pkg/errs"
)

// statusFor maps domain error classes onto HTTP statuses. Unclassified errors
// are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrNoMatch):
		return fiber.StatusNotFound
	case errors.Is(err, errs.ErrInvalidState), errors.Is(err, errs.ErrOutOfOrder):
		return fiber.StatusConflict
	case errors.Is(err, errs.ErrTimeout):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal error"
	if err != nil {
		status = statusFor(err)
		if status != fiber.StatusInternalServerError {
			message = err.Error()
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}
