package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/call-session-service/internal/api/dto"
	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/service"
	apperrors "github.com/spec-kit/call-session-service/pkg/util/errorutil"
)

// DirectoryHandler exposes the team directory.
type DirectoryHandler struct {
	service *service.DirectoryService
}

// NewDirectoryHandler constructs handler.
func NewDirectoryHandler(directory *service.DirectoryService) *DirectoryHandler {
	return &DirectoryHandler{service: directory}
}

// ListMembers GET /v1/directory.
func (h *DirectoryHandler) ListMembers(c *fiber.Ctx) error {
	members, err := h.service.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": members})
}

// MergeMember POST /v1/directory.
func (h *DirectoryHandler) MergeMember(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	var req dto.MemberRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.ID == "" && req.Email == "" && req.Name == "" {
		return apperrors.NewValidationError("id, email or name required", nil)
	}
	member, err := h.service.Merge(c.UserContext(), principal.Viewer, req.Member())
	if err != nil {
		if err == service.ErrInvalidPresence {
			return apperrors.NewValidationError(err.Error(), map[string]any{"presence": req.Presence})
		}
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"data": member})
}

// SetPresence PUT /v1/directory/:id/presence.
func (h *DirectoryHandler) SetPresence(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	var req dto.PresenceRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	member, err := h.service.SetPresence(c.UserContext(), principal.Viewer, c.Params("id"), req.Presence)
	if err != nil {
		if err == service.ErrInvalidPresence {
			return apperrors.NewValidationError(err.Error(), map[string]any{"presence": req.Presence})
		}
		return err
	}
	return c.JSON(fiber.Map{"data": member})
}
