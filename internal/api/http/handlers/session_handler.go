package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/call-session-service/internal/api/dto"
	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/engine"
	"github.com/spec-kit/call-session-service/internal/service"
	apperrors "github.com/spec-kit/call-session-service/pkg/util/errorutil"
)

const (
	defaultEventWait = 20 * time.Second
	maxEventWait     = 25 * time.Second
)

// SessionHandler exposes the caller's viewer session.
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler constructs handler.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Open POST /v1/session.
func (h *SessionHandler) Open(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	sess, created, err := h.sessions.Open(c.UserContext(), principal.Viewer)
	if err != nil {
		return err
	}
	snap, err := sess.Snapshot(c.UserContext())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": snap})
}

// Snapshot GET /v1/session.
func (h *SessionHandler) Snapshot(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Snapshot(ctx)
	})
}

// Close DELETE /v1/session.
func (h *SessionHandler) Close(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	if err := h.sessions.Close(principal.Viewer.ID); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Events GET /v1/session/events?limit=&wait_ms=.
func (h *SessionHandler) Events(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	wait := defaultEventWait
	if ms := c.QueryInt("wait_ms", -1); ms >= 0 {
		wait = time.Duration(ms) * time.Millisecond
	}
	if wait > maxEventWait {
		wait = maxEventWait
	}
	evs, err := h.sessions.DrainEvents(c.UserContext(), principal.Viewer.ID, parseInt(c.Query("limit"), 0), wait)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.EventsResponse{Events: evs, Count: len(evs)}})
}

// Dial POST /v1/session/dial.
func (h *SessionHandler) Dial(c *fiber.Ctx) error {
	var req dto.DialRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.withSessionStatus(c, http.StatusCreated, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Dial(ctx, req.Engine())
	})
}

// Join POST /v1/session/join.
func (h *SessionHandler) Join(c *fiber.Ctx) error {
	var req dto.JoinRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Join(ctx, req.RoomID)
	})
}

// LeaveLobby POST /v1/session/lobby/leave.
func (h *SessionHandler) LeaveLobby(c *fiber.Ctx) error {
	return h.withSessionStatus(c, http.StatusNoContent, func(ctx context.Context, sess *engine.Session) (any, error) {
		return nil, sess.LeaveLobby(ctx)
	})
}

// Accept POST /v1/session/calls/:id/accept.
func (h *SessionHandler) Accept(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Accept(ctx, c.Params("id"))
	})
}

// Decline POST /v1/session/calls/:id/decline.
func (h *SessionHandler) Decline(c *fiber.Ctx) error {
	return h.withSessionStatus(c, http.StatusNoContent, func(ctx context.Context, sess *engine.Session) (any, error) {
		return nil, sess.Decline(ctx, c.Params("id"))
	})
}

// Hangup POST /v1/session/calls/:id/hangup.
func (h *SessionHandler) Hangup(c *fiber.Ctx) error {
	return h.withSessionStatus(c, http.StatusNoContent, func(ctx context.Context, sess *engine.Session) (any, error) {
		return nil, sess.Hangup(ctx, c.Params("id"))
	})
}

// Hold POST /v1/session/calls/:id/hold.
func (h *SessionHandler) Hold(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Hold(ctx, c.Params("id"))
	})
}

// Resume POST /v1/session/calls/:id/resume.
func (h *SessionHandler) Resume(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Resume(ctx, c.Params("id"))
	})
}

// Transfer POST /v1/session/calls/:id/transfer.
func (h *SessionHandler) Transfer(c *fiber.Ctx) error {
	var req dto.TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.TargetID == "" && req.TargetEmail == "" {
		return apperrors.NewValidationError("target_id or target_email required", nil)
	}
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Transfer(ctx, c.Params("id"), req.Engine())
	})
}

// Dismiss POST /v1/session/calls/:id/dismiss.
func (h *SessionHandler) Dismiss(c *fiber.Ctx) error {
	return h.withSessionStatus(c, http.StatusNoContent, func(ctx context.Context, sess *engine.Session) (any, error) {
		return nil, sess.DismissBanner(ctx, c.Params("id"))
	})
}

// Admit POST /v1/session/calls/:id/lobby/:member/admit.
func (h *SessionHandler) Admit(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Admit(ctx, c.Params("id"), c.Params("member"))
	})
}

// Deny POST /v1/session/calls/:id/lobby/:member/deny.
func (h *SessionHandler) Deny(c *fiber.Ctx) error {
	return h.withSession(c, func(ctx context.Context, sess *engine.Session) (any, error) {
		return sess.Deny(ctx, c.Params("id"), c.Params("member"))
	})
}

func (h *SessionHandler) withSession(c *fiber.Ctx, fn func(context.Context, *engine.Session) (any, error)) error {
	return h.withSessionStatus(c, http.StatusOK, fn)
}

// withSessionStatus runs fn against the caller's session and renders its
// result. StatusNoContent sends no body.
func (h *SessionHandler) withSessionStatus(c *fiber.Ctx, status int, fn func(context.Context, *engine.Session) (any, error)) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("member required")
	}
	sess, err := h.sessions.Get(principal.Viewer.ID)
	if err != nil {
		return err
	}
	out, err := fn(c.UserContext(), sess)
	if err != nil {
		return err
	}
	if status == http.StatusNoContent {
		return c.SendStatus(status)
	}
	return c.Status(status).JSON(fiber.Map{"data": out})
}
