package worker

import (
	"context"

	"github.com/spec-kit/call-session-service/internal/service"
)

// StartNotificationWorker registers notification handlers and runs webhook
// delivery until ctx ends.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	go notificationService.Deliver(ctx)
}
