package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/spec-kit/call-session-service/internal/api/http/handlers"
	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/domain"
	apperrors "github.com/spec-kit/call-session-service/pkg/util/errorutil"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Calls          *handlers.CallsHandler
	Directory      *handlers.DirectoryHandler
	Sessions       *handlers.SessionHandler
	AuthMiddleware *auth.AuthMiddleware
	RateLimit      RateLimit
}

// RateLimit bounds call log requests per authenticated member. A zero Max
// disables limiting.
type RateLimit struct {
	Max        int
	Expiration time.Duration
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Health.Metrics)

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())

	authGroup := v1.Group("/auth")
	authGroup.Get("/me", cfg.Auth.Me)
	authGroup.Post("/tokens", auth.RequireRole(domain.RoleAdmin), cfg.Auth.IssueToken)

	calls := v1.Group("/calls")
	if cfg.RateLimit.Max > 0 {
		calls.Use(callLogLimiter(cfg.RateLimit))
	}
	calls.Get("/", cfg.Calls.ListCalls)
	calls.Get("/:id", cfg.Calls.GetCall)
	calls.Put("/:id", cfg.Calls.PutCall)
	calls.Post("/:id/waiting-room", cfg.Calls.UpdateWaitingRoom)

	directory := v1.Group("/directory")
	directory.Get("/", cfg.Directory.ListMembers)
	directory.Post("/", auth.RequireRole(domain.RoleSupervisor), cfg.Directory.MergeMember)
	directory.Put("/:id/presence", cfg.Directory.SetPresence)

	sess := v1.Group("/session")
	sess.Post("/", cfg.Sessions.Open)
	sess.Get("/", cfg.Sessions.Snapshot)
	sess.Delete("/", cfg.Sessions.Close)
	sess.Get("/events", cfg.Sessions.Events)
	sess.Post("/dial", cfg.Sessions.Dial)
	sess.Post("/join", cfg.Sessions.Join)
	sess.Post("/lobby/leave", cfg.Sessions.LeaveLobby)

	call := sess.Group("/calls/:id")
	call.Post("/accept", cfg.Sessions.Accept)
	call.Post("/decline", cfg.Sessions.Decline)
	call.Post("/hangup", cfg.Sessions.Hangup)
	call.Post("/hold", cfg.Sessions.Hold)
	call.Post("/resume", cfg.Sessions.Resume)
	call.Post("/transfer", cfg.Sessions.Transfer)
	call.Post("/dismiss", cfg.Sessions.Dismiss)
	call.Post("/lobby/:member/admit", cfg.Sessions.Admit)
	call.Post("/lobby/:member/deny", cfg.Sessions.Deny)
}

func callLogLimiter(cfg RateLimit) fiber.Handler {
	expiration := cfg.Expiration
	if expiration <= 0 {
		expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if principal, ok := auth.PrincipalFromContext(c); ok {
				return principal.Member.ID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return apperrors.NewRateLimited("call log rate limit exceeded")
		},
	})
}
