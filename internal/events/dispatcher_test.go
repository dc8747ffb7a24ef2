package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func orderEvent(id string) ChangeEvent {
	return ChangeEvent{Type: EventNewServiceOrder, OrderID: id, LocationID: "12", Category: "cleaning"}
}

func TestAsyncDispatcher_PublishDoesNotBlockOnHandler(t *testing.T) {
	d := NewAsyncDispatcher(zaptest.NewLogger(t))
	release := make(chan struct{})
	var handled atomic.Int32
	d.Subscribe(EventNewServiceOrder, func(ctx context.Context, e ChangeEvent) error {
		<-release
		handled.Add(1)
		return nil
	})
	d.Start(1)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Publish(context.Background(), orderEvent("o")))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, d.Stop(contextWithTimeout(t, 2*time.Second)))
	assert.Equal(t, int32(100), handled.Load())
}

func TestAsyncDispatcher_HandlerErrorsAndPanicsAreIsolated(t *testing.T) {
	d := NewAsyncDispatcher(zaptest.NewLogger(t))
	var mu sync.Mutex
	var seen []string
	d.Subscribe(EventNewServiceOrder, func(ctx context.Context, e ChangeEvent) error {
		switch e.OrderID {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("handler failed")
		}
		mu.Lock()
		seen = append(seen, e.OrderID)
		mu.Unlock()
		return nil
	})
	d.Start(2)

	for _, id := range []string{"panic", "fail", "ok-1", "ok-2"} {
		require.NoError(t, d.Publish(context.Background(), orderEvent(id)))
	}
	require.NoError(t, d.Stop(contextWithTimeout(t, 2*time.Second)))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"ok-1", "ok-2"}, seen)
}

func TestAsyncDispatcher_PublishAfterStop(t *testing.T) {
	d := NewAsyncDispatcher(zaptest.NewLogger(t))
	d.Start(1)
	require.NoError(t, d.Stop(contextWithTimeout(t, time.Second)))

	err := d.Publish(context.Background(), orderEvent("late"))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestAsyncDispatcher_StopAbandonsAfterDeadline(t *testing.T) {
	// the abandoned handler logs after the test returns
	d := NewAsyncDispatcher(zap.NewNop())
	started := make(chan struct{}, 1)
	d.Subscribe(EventNewServiceOrder, func(ctx context.Context, e ChangeEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	d.Start(1)
	require.NoError(t, d.Publish(context.Background(), orderEvent("slow")))
	require.NoError(t, d.Publish(context.Background(), orderEvent("queued")))
	<-started

	err := d.Stop(contextWithTimeout(t, 50*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 0, d.Backlog())
}

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
