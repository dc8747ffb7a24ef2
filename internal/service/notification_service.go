package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/order-relay/internal/domain"
	"github.com/spec-kit/order-relay/internal/events"
	"github.com/spec-kit/order-relay/internal/observability"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

// Broadcaster is the slice of the connection gateway the fan-out needs.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any) (int, error)
	HasMembers(roomID string) bool
}

// SubscriberResolver streams the users subscribed to a location and category.
type SubscriberResolver interface {
	Each(ctx context.Context, locationID, category string, fn func(userID string) error) error
}

// NotificationWriter persists notification records.
type NotificationWriter interface {
	Append(ctx context.Context, n *domain.Notification) (string, error)
}

// DedupeGuard remembers which (order, user) pairs already have a record.
// Claim reports false when the pair was claimed before.
type DedupeGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// FanoutOptions tunes per-event processing.
type FanoutOptions struct {
	Concurrency   int
	WriteAttempts int
	RetryBackoff  time.Duration
	RecordTimeout time.Duration
}

// NotificationService fans a change event out to the topic room, durable
// records and personal rooms.
type NotificationService struct {
	dispatcher events.Dispatcher
	gateway    Broadcaster
	resolver   SubscriberResolver
	store      NotificationWriter
	dedupe     DedupeGuard
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	opts       FanoutOptions
}

// NewNotificationService creates the service. dedupe may be nil.
func NewNotificationService(
	dispatcher events.Dispatcher,
	gateway Broadcaster,
	resolver SubscriberResolver,
	store NotificationWriter,
	dedupe DedupeGuard,
	logger *zap.Logger,
	metrics *observability.Metrics,
	opts FanoutOptions,
) *NotificationService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	return &NotificationService{
		dispatcher: dispatcher,
		gateway:    gateway,
		resolver:   resolver,
		store:      store,
		dedupe:     dedupe,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("order-relay/fanout"),
		opts:       opts,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventNewServiceOrder, n.HandleNewServiceOrder)
}

// HandleNewServiceOrder processes one change event. It returns once every
// recipient's record has been written or has exhausted its retries; the
// returned error joins every per-recipient failure.
func (n *NotificationService) HandleNewServiceOrder(ctx context.Context, event events.ChangeEvent) error {
	started := time.Now()
	ctx, span := n.tracer.Start(ctx, "NotificationService.HandleNewServiceOrder",
		trace.WithAttributes(
			attribute.String("order.id", event.OrderID),
			attribute.String("order.location_id", event.LocationID),
			attribute.String("order.category", event.Category),
		))
	defer span.End()
	defer func() { n.metrics.ObserveFanout(time.Since(started)) }()

	log := n.logger.With(
		zap.String("order_id", event.OrderID),
		zap.String("location_id", event.LocationID),
		zap.String("category", event.Category))

	topic := event.TopicRoom()
	reached, err := n.gateway.Broadcast(topic, events.OutboundNewOrder, events.NewOrder(event))
	if err != nil {
		log.Error("topic broadcast failed", zap.Error(err))
	} else {
		log.Debug("topic broadcast", zap.String("room", topic), zap.Int("sessions", reached))
	}

	var (
		mu       sync.Mutex
		failures []error
		count    int
	)
	g := new(errgroup.Group)
	g.SetLimit(n.opts.Concurrency)

	resolveErr := n.resolver.Each(ctx, event.LocationID, event.Category, func(userID string) error {
		count++
		g.Go(func() error {
			if err := n.notifyRecipient(ctx, log, event, userID); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()

	if resolveErr != nil {
		failures = append(failures, resolveErr)
		log.Error("subscriber resolution failed; fan-out incomplete",
			zap.Int("recipients_seen", count), zap.Error(resolveErr))
	}

	span.SetAttributes(attribute.Int("fanout.recipients", count))
	err = errors.Join(failures...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fan-out incomplete")
		log.Warn("change event processed with failures", zap.Int("recipients", count), zap.Int("failures", len(failures)))
		return err
	}
	log.Info("change event processed", zap.Int("recipients", count))
	return nil
}

func (n *NotificationService) notifyRecipient(ctx context.Context, log *zap.Logger, event events.ChangeEvent, userID string) error {
	log = log.With(zap.String("user_id", userID))
	key := dedupeKey(event.OrderID, userID)

	if n.dedupe != nil {
		fresh, err := n.dedupe.Claim(ctx, key)
		switch {
		case err != nil:
			// fail open: a duplicate record is acceptable, a missing one is not
			log.Warn("dedupe claim failed; writing anyway", zap.Error(err))
		case !fresh:
			n.metrics.RecordNotification("duplicate")
			log.Debug("recipient already notified for order")
			return nil
		}
	}

	writeErr := n.writeRecord(ctx, event, userID)
	if writeErr != nil {
		if n.dedupe != nil {
			if err := n.dedupe.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("dedupe release failed", zap.Error(err))
			}
		}
		n.metrics.RecordNotification("lost")
		log.Error("notification lost", zap.Error(writeErr))
	} else {
		n.metrics.RecordNotification("written")
	}

	room := domain.UserRoom(userID)
	if n.gateway.HasMembers(room) {
		if _, err := n.gateway.Broadcast(room, events.OutboundNotification, events.NewNotification(event)); err != nil {
			log.Warn("personal broadcast failed", zap.Error(err))
		}
	}
	return writeErr
}

func (n *NotificationService) writeRecord(ctx context.Context, event events.ChangeEvent, userID string) error {
	payload, err := json.Marshal(events.NewNotification(event))
	if err != nil {
		return apperrors.NewPersistenceError("fanout.encode", err)
	}

	r := retrier.New(retrier.ExponentialBackoff(n.opts.WriteAttempts-1, n.opts.RetryBackoff), nil)
	attempt := 0
	err = r.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		wctx, cancel := context.WithTimeout(ctx, n.opts.RecordTimeout)
		defer cancel()
		_, err := n.store.Append(wctx, &domain.Notification{
			UserID:  userID,
			Type:    domain.NotificationTypeNewServiceOrder,
			Title:   "New service order available",
			Message: fmt.Sprintf("A new %s order is available in your area.", event.Category),
			Payload: payload,
		})
		return err
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindPersistence {
			return fmt.Errorf("record for %s after %d attempts: %w", userID, attempt, err)
		}
		return apperrors.NewPersistenceError("fanout.append", fmt.Errorf("record for %s after %d attempts: %w", userID, attempt, err))
	}
	return nil
}

func dedupeKey(orderID, userID string) string {
	return "relay:notified:" + orderID + ":" + userID
}
