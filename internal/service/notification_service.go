package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/config"
	"github.com/spec-kit/call-session-service/internal/events"
)

const webhookQueueSize = 256

// NotificationService forwards domain events to the log and the configured
// webhook. Delivery happens on the worker so publishers never wait on HTTP.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	queue      chan events.Event
	post       func(ctx context.Context, url string, event events.Event) error
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	n := &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		queue:      make(chan events.Event, webhookQueueSize),
	}
	n.post = n.postWebhook
	return n
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventNotificationRaised, n.handleNotificationRaised)
	n.dispatcher.Subscribe(events.EventCallPersisted, n.handleCallPersisted)
	n.dispatcher.Subscribe(events.EventPresenceChanged, n.handlePresenceChanged)
}

func (n *NotificationService) handleNotificationRaised(ctx context.Context, event events.Event) error {
	n.logger.Info("NotificationRaised", zap.String("viewer_id", event.ViewerID), zap.Any("payload", event.Payload))
	n.enqueueWebhook(event)
	return nil
}

func (n *NotificationService) handleCallPersisted(ctx context.Context, event events.Event) error {
	n.logger.Debug("CallPersisted", zap.String("call_id", event.CallID), zap.Any("payload", event.Payload))
	n.enqueueWebhook(event)
	return nil
}

func (n *NotificationService) handlePresenceChanged(ctx context.Context, event events.Event) error {
	n.logger.Info("PresenceChanged", zap.Any("payload", event.Payload))
	n.enqueueWebhook(event)
	return nil
}

func (n *NotificationService) enqueueWebhook(event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("webhook queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
	}
}

// Deliver drains the webhook queue until ctx ends.
func (n *NotificationService) Deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			pctx, cancel := context.WithTimeout(ctx, n.webhookTimeout())
			err := n.post(pctx, n.cfg.WebhookURL, event)
			cancel()
			if err != nil {
				n.logger.Warn("webhook delivery failed",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}
	}
}

func (n *NotificationService) webhookTimeout() time.Duration {
	if n.cfg.WebhookTimeout <= 0 {
		return 5 * time.Second
	}
	return n.cfg.WebhookTimeout
}

func (n *NotificationService) postWebhook(ctx context.Context, url string, event events.Event) error {
	agent := fiber.Post(url).JSON(event)
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	}
	code, _, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned %d", code)
	}
	return nil
}
