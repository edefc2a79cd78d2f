package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/service"
	apperrors "github.com/spec-kit/call-session-service/pkg/util/errorutil"
)

// CallsHandler serves the REST call log.
type CallsHandler struct {
	service *service.CallLogService
}

// NewCallsHandler constructs handler.
func NewCallsHandler(callLog *service.CallLogService) *CallsHandler {
	return &CallsHandler{service: callLog}
}

// ListCalls GET /v1/calls.
func (h *CallsHandler) ListCalls(c *fiber.Ctx) error {
	calls, err := h.service.Recent(c.UserContext(), parseInt(c.Query("limit"), 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": calls})
}

// GetCall GET /v1/calls/:id.
func (h *CallsHandler) GetCall(c *fiber.Ctx) error {
	call, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": call})
}

// PutCall PUT /v1/calls/:id.
func (h *CallsHandler) PutCall(c *fiber.Ctx) error {
	var call domain.CallSession
	if err := c.BodyParser(&call); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	call.ID = c.Params("id")
	stored, err := h.service.Persist(c.UserContext(), call)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stored})
}

// UpdateWaitingRoom POST /v1/calls/:id/waiting-room.
func (h *CallsHandler) UpdateWaitingRoom(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	var change domain.LobbyChange
	if err := c.BodyParser(&change); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	change.ActorID = principal.Viewer.ID
	if change.Action == domain.LobbyRequest {
		if change.MemberID == "" {
			change.MemberID = principal.Viewer.ID
		}
		if change.MemberID != principal.Viewer.ID {
			return domain.ErrForbidden
		}
	}
	stored, err := h.service.UpdateWaitingRoom(c.UserContext(), c.Params("id"), change)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stored})
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
