package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
	"github.com/spec-kit/call-session-service/internal/events"
)

// LogSink writes notifications to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the notification.
func (s *LogSink) Deliver(_ context.Context, n domain.Notification) error {
	s.logger.Info("notification",
		zap.Uint64("seq", n.Seq),
		zap.String("type", string(n.Type)),
		zap.String("viewer_id", n.ViewerID),
		zap.String("message", n.Message))
	return nil
}

// DispatcherSink publishes notifications on the event bus.
type DispatcherSink struct {
	dispatcher events.Dispatcher
}

// NewDispatcherSink constructs a DispatcherSink.
func NewDispatcherSink(dispatcher events.Dispatcher) *DispatcherSink {
	return &DispatcherSink{dispatcher: dispatcher}
}

// Deliver publishes a notification_raised event.
func (s *DispatcherSink) Deliver(ctx context.Context, n domain.Notification) error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventNotificationRaised,
		ViewerID:  n.ViewerID,
		Timestamp: n.At,
		Payload: events.NotificationRaisedPayload{
			Seq:     n.Seq,
			Level:   n.Type,
			Message: n.Message,
		},
	})
}

// MultiSink fans a notification out to several sinks.
type MultiSink []Sink

// Deliver delivers to every sink and joins failures.
func (m MultiSink) Deliver(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
