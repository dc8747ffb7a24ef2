package worker

import (
	"github.com/spec-kit/order-relay/internal/events"
	"github.com/spec-kit/order-relay/internal/service"
)

// StartNotificationWorker registers fan-out handlers and starts the
// dispatcher's workers. Handlers must be registered before the first event
// is drained.
func StartNotificationWorker(dispatcher *events.AsyncDispatcher, notificationService *service.NotificationService, workers int) {
	if dispatcher == nil || notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	dispatcher.Start(workers)
}
