package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	callbacksvc "github.com/acme/outbound-call-dispatch/internal/service/callback"
)

const apiKeyHeader = "x-api-key"

type callStatusRequest struct {
	CallID      string     `json:"callId"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (h *HandlerSet) callStatus(ctx *fiber.Ctx) error {
	if err := h.callbacks.Authorize(ctx.Get(apiKeyHeader)); err != nil {
		return translateError(err)
	}

	var req callStatusRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if _, err := h.callbacks.Handle(ctx.UserContext(), callbacksvc.Notification{
		ExternalCallID: req.CallID,
		Status:         req.Status,
		CompletedAt:    req.CompletedAt,
	}); err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{"message": "callback received"})
}
