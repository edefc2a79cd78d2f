package pushstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/call-session-service/internal/domain"
)

var liveStatuses = []domain.CallStatus{domain.CallStatusDialing, domain.CallStatusRinging, domain.CallStatusActive}

func TestFilterChange(t *testing.T) {
	cases := []struct {
		name     string
		change   domain.CallChange
		wantType domain.ChangeType
		wantKeep bool
	}{
		{"added in set", change(domain.ChangeAdded, domain.CallStatusRinging), domain.ChangeAdded, true},
		{"added outside set", change(domain.ChangeAdded, domain.CallStatusHold), "", false},
		{"modified in set", change(domain.ChangeModified, domain.CallStatusActive), domain.ChangeModified, true},
		{"modified leaving set", change(domain.ChangeModified, domain.CallStatusHold), domain.ChangeRemoved, true},
		{"removed always passes", change(domain.ChangeRemoved, domain.CallStatusEnded), domain.ChangeRemoved, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, keep := filterChange(tc.change, liveStatuses)
			if keep != tc.wantKeep {
				t.Fatalf("keep mismatch: got %v, want %v", keep, tc.wantKeep)
			}
			if keep && got.Type != tc.wantType {
				t.Errorf("type mismatch: got %s, want %s", got.Type, tc.wantType)
			}
		})
	}
}

func change(typ domain.ChangeType, status domain.CallStatus) domain.CallChange {
	return domain.CallChange{Type: typ, Call: domain.CallSession{ID: "c1", Status: status}}
}

// TestPublishAndSubscribe needs a reachable Redis at REDIS_TEST_ADDR.
func TestPublishAndSubscribe(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := New(client, "test-"+uuid.NewString(), nil)
	t.Cleanup(func() { client.Del(context.Background(), store.activeKey()) })

	first := domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, StartTime: time.Now()}
	if typ, err := store.Publish(ctx, first); err != nil || typ != domain.ChangeAdded {
		t.Fatalf("publish first: typ=%s err=%v", typ, err)
	}

	changes, err := store.SubscribeActiveCalls(ctx, liveStatuses, func(err error) {
		t.Errorf("unexpected transport error: %v", err)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := <-changes
	if got.Type != domain.ChangeAdded || got.Call.ID != "c1" {
		t.Fatalf("initial change mismatch: %+v", got)
	}

	first.Status = domain.CallStatusEnded
	if typ, err := store.Publish(ctx, first); err != nil || typ != domain.ChangeRemoved {
		t.Fatalf("publish end: typ=%s err=%v", typ, err)
	}
	select {
	case got = <-changes:
		if got.Type != domain.ChangeRemoved {
			t.Errorf("expected removed, got %s", got.Type)
		}
	case <-ctx.Done():
		t.Fatal("no change received")
	}
}
