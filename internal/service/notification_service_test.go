package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/config"
	"github.com/spec-kit/call-session-service/internal/events"
)

func TestNotificationServiceDeliversToWebhook(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	svc := NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{WebhookURL: "http://hooks.test/calls"})
	delivered := make(chan events.Event, 4)
	svc.post = func(_ context.Context, url string, event events.Event) error {
		if url != "http://hooks.test/calls" {
			t.Errorf("url mismatch: got %s", url)
		}
		delivered <- event
		return nil
	}
	svc.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Deliver(ctx)

	for _, typ := range []events.EventType{events.EventNotificationRaised, events.EventCallPersisted, events.EventPresenceChanged} {
		if err := dispatcher.Publish(ctx, events.Event{ID: string(typ), Type: typ}); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-delivered:
			if ev.ID != string(ev.Type) {
				t.Errorf("event mismatch: %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestNotificationServiceSkipsWithoutWebhook(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	svc := NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{})
	svc.RegisterHandlers()

	if err := dispatcher.Publish(context.Background(), events.Event{ID: "n1", Type: events.EventNotificationRaised}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(svc.queue); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}
}

func TestNotificationQueueDropsWhenFull(t *testing.T) {
	svc := NewNotificationService(nil, zap.NewNop(), config.NotificationConfig{WebhookURL: "http://hooks.test"})
	for i := 0; i < webhookQueueSize+10; i++ {
		svc.enqueueWebhook(events.Event{Type: events.EventCallPersisted})
	}
	if got := len(svc.queue); got != webhookQueueSize {
		t.Errorf("queue length mismatch: got %d, want %d", got, webhookQueueSize)
	}
}
