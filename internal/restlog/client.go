// Package restlog is the HTTP client of the REST call log. It maps the log's
// status codes onto the domain errors the session engine understands.
package restlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/call-session-service/internal/domain"
)

const defaultTimeout = 5 * time.Second

// TokenSource returns the bearer credential for the next request.
type TokenSource func() (string, error)

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

// Client calls the /v1/calls endpoints on behalf of one viewer.
type Client struct {
	baseURL string
	tokens  TokenSource
	timeout time.Duration
}

// New builds a client. A nil token source sends no credential.
func New(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), tokens: tokens, timeout: timeout}
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchCall reads one call by id.
func (c *Client) FetchCall(ctx context.Context, id string) (domain.CallSession, error) {
	var out dataEnvelope[domain.CallSession]
	if err := c.do(ctx, fiber.Get(c.url("/v1/calls/"+url.PathEscape(id))), &out); err != nil {
		return domain.CallSession{}, err
	}
	return out.Data, nil
}

// FetchRecentCalls reads the most recent calls, newest first.
func (c *Client) FetchRecentCalls(ctx context.Context, limit int) ([]domain.CallSession, error) {
	agent := fiber.Get(c.url("/v1/calls"))
	if limit > 0 {
		agent.QueryString("limit=" + strconv.Itoa(limit))
	}
	var out dataEnvelope[[]domain.CallSession]
	if err := c.do(ctx, agent, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// PersistCall writes a call record.
func (c *Client) PersistCall(ctx context.Context, call domain.CallSession) error {
	agent := fiber.Put(c.url("/v1/calls/" + url.PathEscape(call.ID))).JSON(call)
	return c.do(ctx, agent, nil)
}

// UpdateWaitingRoom asks the call log to apply a lobby change and returns the
// stored record.
func (c *Client) UpdateWaitingRoom(ctx context.Context, callID string, change domain.LobbyChange) (domain.CallSession, error) {
	agent := fiber.Post(c.url("/v1/calls/" + url.PathEscape(callID) + "/waiting-room")).JSON(change)
	var out dataEnvelope[domain.CallSession]
	if err := c.do(ctx, agent, &out); err != nil {
		return domain.CallSession{}, err
	}
	return out.Data, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, agent *fiber.Agent, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	agent.Timeout(timeout)
	if c.tokens != nil {
		tok, err := c.tokens()
		if err != nil {
			return fmt.Errorf("call log credential: %w", err)
		}
		agent.Set(fiber.HeaderAuthorization, "Bearer "+tok)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("call log request: %w", errors.Join(errs...))
	}
	if err := statusError(code, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode call log response: %w", err)
	}
	return nil
}

// codeErrors maps the error codes the engine branches on back to sentinels.
var codeErrors = map[string]error{
	"INVALID_TRANSITION": domain.ErrInvalidTransition,
	"NOT_HOST":           domain.ErrNotHost,
	"MEMBER_NOT_FOUND":   domain.ErrMemberNotFound,
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return domain.ErrCallNotFound
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		if sentinel, ok := codeErrors[env.Error.Code]; ok {
			return fmt.Errorf("call log returned %d: %w", code, sentinel)
		}
		return fmt.Errorf("call log returned %d %s: %s", code, env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("call log returned %d", code)
}
