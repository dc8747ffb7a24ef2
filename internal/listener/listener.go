// Package listener keeps a single subscription to the store's change feed
// and hands decoded order events to the dispatcher.
package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/order-relay/internal/events"
	"github.com/spec-kit/order-relay/internal/observability"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

// ErrAlreadyRunning is returned when Run is called while another Run is active.
var ErrAlreadyRunning = errors.New("listener already running")

const closeTimeout = 5 * time.Second

// State is the listener's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateBackoff      State = "backoff"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateListening),
	string(StateBackoff),
}

// Subscription is one live LISTEN on a channel.
type Subscription interface {
	// Next blocks until a payload arrives, the transport fails or ctx ends.
	Next(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Source opens subscriptions on the transactional store.
type Source interface {
	Listen(ctx context.Context, channel string) (Subscription, error)
}

// Publisher receives decoded events. It must not block.
type Publisher interface {
	Publish(ctx context.Context, event events.ChangeEvent) error
}

// Options configures a Listener.
type Options struct {
	Channel        string
	ReconnectDelay time.Duration
	Now            func() time.Time
}

// Listener owns the reconnect loop for one change-feed channel.
type Listener struct {
	source    Source
	publisher Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	opts      Options

	running atomic.Bool
	mu      sync.RWMutex
	state   State
}

// New constructs a Listener.
func New(source Source, publisher Publisher, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Listener {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Listener{
		source:    source,
		publisher: publisher,
		logger:    logger.With(zap.String("channel", opts.Channel)),
		metrics:   metrics,
		opts:      opts,
		state:     StateDisconnected,
	}
}

// State reports the current connection state.
func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Run subscribes and processes notifications until ctx is cancelled. Transport
// failures never end Run; they schedule a reconnect after the fixed delay.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	defer l.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		l.setState(StateConnecting)
		sub, err := l.source.Listen(ctx, l.opts.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("change feed subscribe failed",
				zap.Error(apperrors.NewTransientInfraError("listener.subscribe", err)),
				zap.Duration("retry_in", l.opts.ReconnectDelay))
			if !l.backoff(ctx) {
				return nil
			}
			continue
		}

		l.setState(StateListening)
		l.logger.Info("listening for change events")

		err = l.consume(ctx, sub)
		l.release(sub)
		if ctx.Err() != nil {
			l.logger.Info("change feed subscription released")
			return nil
		}
		l.logger.Warn("change feed subscription lost",
			zap.Error(apperrors.NewTransientInfraError("listener.receive", err)),
			zap.Duration("retry_in", l.opts.ReconnectDelay))
		if !l.backoff(ctx) {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub Subscription) error {
	for {
		payload, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	evt, err := events.DecodeChangeEvent(payload, l.opts.Now())
	if err != nil {
		l.metrics.RecordChangeEvent("malformed")
		l.logger.Warn("dropping malformed change event",
			zap.ByteString("payload", truncate(payload, 512)),
			zap.Error(err))
		return
	}

	if err := l.publisher.Publish(ctx, evt); err != nil {
		l.metrics.RecordChangeEvent("rejected")
		l.logger.Error("dispatcher rejected change event",
			zap.String("order_id", evt.OrderID),
			zap.Error(err))
		return
	}
	l.metrics.RecordChangeEvent("accepted")
	l.logger.Debug("change event accepted",
		zap.String("order_id", evt.OrderID),
		zap.String("location_id", evt.LocationID),
		zap.String("category", evt.Category))
}

func (l *Listener) backoff(ctx context.Context) bool {
	l.setState(StateBackoff)
	l.metrics.RecordReconnect()

	timer := time.NewTimer(l.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) release(sub Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sub.Close(ctx); err != nil {
		l.logger.Debug("closing subscription", zap.Error(err))
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.metrics.SetListenerState(string(s), allStates)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
