package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatcherClosed is returned by Publish after Stop has been called.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// EventHandler handles a published event.
type EventHandler func(context.Context, ChangeEvent) error

// Dispatcher interface allows event publication/subscription.
type Dispatcher interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(eventType EventType, handler EventHandler)
}

// AsyncDispatcher queues published events on an unbounded backlog and
// drains them with a fixed set of workers. Publish never blocks on handlers.
type AsyncDispatcher struct {
	logger *zap.Logger

	lmu       sync.RWMutex
	listeners map[EventType][]EventHandler

	mu      sync.Mutex
	backlog []ChangeEvent
	closed  bool

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAsyncDispatcher creates a dispatcher. Call Start before publishing.
func NewAsyncDispatcher(logger *zap.Logger) *AsyncDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDispatcher{
		logger:    logger,
		listeners: make(map[EventType][]EventHandler),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutines. Handlers run on a context that is
// only cancelled when Stop gives up waiting, so shutdown does not cut writes short.
func (d *AsyncDispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Publish enqueues the event and returns immediately.
func (d *AsyncDispatcher) Publish(_ context.Context, event ChangeEvent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.backlog = append(d.backlog, event)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers a handler for the given event type.
func (d *AsyncDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners[eventType] = append(d.listeners[eventType], handler)
}

// Backlog returns the number of queued, not yet started events.
func (d *AsyncDispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlog)
}

// Stop rejects new events and waits for queued and in-flight work until ctx
// expires. Work still pending at that point is abandoned with a warning.
func (d *AsyncDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		abandoned := len(d.backlog)
		d.backlog = nil
		d.mu.Unlock()
		d.cancel()
		d.logger.Warn("dispatcher stop deadline reached; abandoning in-flight fan-out",
			zap.Int("abandoned_events", abandoned))
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
}

func (d *AsyncDispatcher) worker() {
	defer d.wg.Done()
	for {
		if ev, ok := d.pop(); ok {
			d.handle(ev)
			continue
		}
		select {
		case <-d.signal:
		case <-d.done:
			if d.Backlog() == 0 {
				return
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *AsyncDispatcher) pop() (ChangeEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backlog) == 0 {
		return ChangeEvent{}, false
	}
	ev := d.backlog[0]
	d.backlog[0] = ChangeEvent{}
	d.backlog = d.backlog[1:]
	return ev, true
}

func (d *AsyncDispatcher) handle(event ChangeEvent) {
	d.lmu.RLock()
	handlers := append([]EventHandler{}, d.listeners[event.Type]...)
	d.lmu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Warn("no handler registered", zap.String("event_type", string(event.Type)))
		return
	}

	for _, handler := range handlers {
		d.invoke(handler, event)
	}
}

func (d *AsyncDispatcher) invoke(handler EventHandler, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.Any("panic", r),
				zap.String("order_id", event.OrderID))
		}
	}()
	if err := handler(d.ctx, event); err != nil {
		// continue processing other handlers despite errors
		d.logger.Warn("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	}
}
