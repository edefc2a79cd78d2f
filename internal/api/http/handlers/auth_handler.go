package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/call-session-service/internal/api/dto"
	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/service"
)

// AuthHandler issues viewer tokens for directory members.
type AuthHandler struct {
	tokens    *auth.TokenManager
	directory *service.DirectoryService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(tokens *auth.TokenManager, directory *service.DirectoryService) *AuthHandler {
	return &AuthHandler{tokens: tokens, directory: directory}
}

type issueTokenRequest struct {
	MemberID string `json:"member_id"`
}

// IssueToken handles POST /v1/auth/tokens. Admin only.
func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	var req issueTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.MemberID) == "" {
		return fiber.NewError(http.StatusBadRequest, "member_id required")
	}

	member, err := h.directory.Get(c.UserContext(), req.MemberID)
	if err != nil {
		return err
	}
	token, exp, err := h.tokens.GenerateToken(identity.NewViewer(member))
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"member": member,
			"auth":   dto.AuthResponse{Token: token, ExpiresAt: exp},
		},
	})
}

// Me handles GET /v1/auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	return c.JSON(fiber.Map{"data": principal.Viewer})
}
