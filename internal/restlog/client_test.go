package restlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spec-kit/call-session-service/internal/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, StaticToken("tok"), time.Second)
}

func TestFetchRecentCallsDecodesEnvelope(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/calls" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization mismatch: got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []domain.CallSession{
			{ID: "c2", Status: domain.CallStatusActive},
			{ID: "c1", Status: domain.CallStatusEnded},
		}})
	})

	calls, err := client.FetchRecentCalls(context.Background(), 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(calls) != 2 || calls[0].ID != "c2" || calls[1].Status != domain.CallStatusEnded {
		t.Errorf("calls mismatch: %+v", calls)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrCallNotFound},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tc := range cases {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"code":"X","message":"nope"}}`))
		})
		if _, err := client.FetchCall(context.Background(), "c1"); !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestServerErrorIsNotDomainError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}`))
	})
	err := client.PersistCall(context.Background(), domain.CallSession{ID: "c1"})
	if err == nil || errors.Is(err, domain.ErrCallNotFound) || errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("expected plain error, got %v", err)
	}
}

func TestPersistCallSendsJSON(t *testing.T) {
	var got domain.CallSession
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/calls/c7" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	call := domain.CallSession{ID: "c7", Status: domain.CallStatusRinging, Participants: []string{"u2", "u1"}}
	if err := client.PersistCall(context.Background(), call); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got.ID != "c7" || got.Status != domain.CallStatusRinging || len(got.Participants) != 2 {
		t.Errorf("body mismatch: %+v", got)
	}
}

func TestUpdateWaitingRoomPostsChange(t *testing.T) {
	var got domain.LobbyChange
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/calls/m1/waiting-room" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": domain.CallSession{
			ID:          "m1",
			Status:      domain.CallStatusActive,
			WaitingRoom: []string{"u3", "u2"},
		}})
	})

	stored, err := client.UpdateWaitingRoom(context.Background(), "m1", domain.LobbyChange{Action: domain.LobbyRequest, MemberID: "u2"})
	if err != nil {
		t.Fatalf("update waiting room: %v", err)
	}
	if got.Action != domain.LobbyRequest || got.MemberID != "u2" {
		t.Errorf("body mismatch: %+v", got)
	}
	if !stored.InWaitingRoom("u3") || !stored.InWaitingRoom("u2") {
		t.Errorf("stored waiting room mismatch: %v", stored.WaitingRoom)
	}
}

func TestUpdateWaitingRoomMapsConflict(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"invalid call status transition"}}`))
	})
	_, err := client.UpdateWaitingRoom(context.Background(), "m1", domain.LobbyChange{Action: domain.LobbyRequest, MemberID: "u2"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("conflict mapping: got %v, want %v", err, domain.ErrInvalidTransition)
	}
}
