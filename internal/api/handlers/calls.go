package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	callsvc "github.com/acme/outbound-call-dispatch/internal/service/call"
)

type createCallRequest struct {
	To       string         `json:"to"`
	ScriptID string         `json:"scriptId"`
	Metadata map[string]any `json:"metadata"`
}

type updateCallRequest struct {
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

type callResponse struct {
	ID             uuid.UUID          `json:"id"`
	Payload        domain.CallPayload `json:"payload"`
	Status         domain.CallStatus  `json:"status"`
	Attempts       int                `json:"attempts"`
	LastError      *string            `json:"lastError"`
	ExternalCallID *string            `json:"externalCallId"`
	CreatedAt      time.Time          `json:"createdAt"`
	StartedAt      *time.Time         `json:"startedAt"`
	EndedAt        *time.Time         `json:"endedAt"`
}

type callEventResponse struct {
	Status         domain.CallStatus `json:"status"`
	Attempts       int               `json:"attempts"`
	ExternalCallID string            `json:"externalCallId,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
}

type callEventsResponse struct {
	Events        []callEventResponse `json:"events"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func (h *HandlerSet) createCall(ctx *fiber.Ctx) error {
	var req createCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	record, err := h.calls.CreateCall(ctx.UserContext(), callsvc.CreateCallInput{
		To:       req.To,
		ScriptID: req.ScriptID,
		Metadata: req.Metadata,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCallResponse(record))
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := parseCallID(ctx)
	if err != nil {
		return err
	}

	record, err := h.calls.GetCall(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) updateCall(ctx *fiber.Ctx) error {
	id, err := parseCallID(ctx)
	if err != nil {
		return err
	}

	var req updateCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	record, err := h.calls.UpdateStatus(ctx.UserContext(), id, callsvc.UpdateStatusInput{
		Status: req.Status,
		Error:  req.Error,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) listCalls(ctx *fiber.Ctx) error {
	records, err := h.calls.ListCalls(ctx.UserContext(),
		ctx.Query("status"),
		ctx.QueryInt("limit", 10),
		ctx.QueryInt("offset", 0),
	)
	if err != nil {
		return translateError(err)
	}

	resp := make([]callResponse, 0, len(records))
	for i := range records {
		resp = append(resp, toCallResponse(&records[i]))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	id, err := parseCallID(ctx)
	if err != nil {
		return err
	}

	page, err := h.calls.ListEvents(ctx.UserContext(), id, ctx.QueryInt("limit", 100), ctx.Query("pageToken"))
	if err != nil {
		return translateError(err)
	}

	events := make([]callEventResponse, 0, len(page.Events))
	for _, e := range page.Events {
		events = append(events, callEventResponse{
			Status:         e.Status,
			Attempts:       e.Attempts,
			ExternalCallID: e.ExternalCallID,
			Detail:         e.Detail,
			OccurredAt:     e.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(callEventsResponse{Events: events, NextPageToken: page.NextPageToken})
}

func (h *HandlerSet) callMetrics(ctx *fiber.Ctx) error {
	m, err := h.calls.Metrics(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}

	body := fiber.Map{}
	for status, count := range m.Counts {
		body[string(status)] = count
	}
	body["activeSlots"] = m.ActiveSlots
	return ctx.Status(http.StatusOK).JSON(body)
}

func parseCallID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	return id, nil
}

func toCallResponse(call *domain.Call) callResponse {
	return callResponse{
		ID:             call.ID,
		Payload:        call.Payload,
		Status:         call.Status,
		Attempts:       call.Attempts,
		LastError:      call.LastError,
		ExternalCallID: call.ExternalCallID,
		CreatedAt:      call.CreatedAt,
		StartedAt:      call.StartedAt,
		EndedAt:        call.EndedAt,
	}
}
