package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/order-relay/internal/domain"
	"github.com/spec-kit/order-relay/internal/events"
	"github.com/spec-kit/order-relay/internal/gateway"
	"github.com/spec-kit/order-relay/internal/observability"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

type staticResolver struct {
	users []string
	err   error
}

func (r staticResolver) Each(ctx context.Context, _, _ string, fn func(string) error) error {
	for _, u := range r.users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return r.err
}

// memoryStore fails the first failures[userID] appends for a user.
type memoryStore struct {
	mu       sync.Mutex
	records  []domain.Notification
	failures map[string]int
	calls    map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{failures: map[string]int{}, calls: map[string]int{}}
}

func (s *memoryStore) Append(_ context.Context, n *domain.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[n.UserID]++
	if s.failures[n.UserID] > 0 {
		s.failures[n.UserID]--
		return "", apperrors.NewPersistenceError("test.append", errors.New("connection reset"))
	}
	s.records = append(s.records, *n)
	return "id", nil
}

func (s *memoryStore) forUser(userID string) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

type memoryGuard struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (g *memoryGuard) Claim(_ context.Context, key string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, key)
	return nil
}

type allowAll struct{}

func (allowAll) Verify(_ context.Context, token string) (string, error) { return token, nil }

var fastRetries = FanoutOptions{Concurrency: 4, WriteAttempts: 3, RetryBackoff: time.Millisecond, RecordTimeout: time.Second}

func cleaningOrder() events.ChangeEvent {
	return events.ChangeEvent{
		Type:       events.EventNewServiceOrder,
		OrderID:    "501",
		LocationID: "12",
		Category:   "cleaning",
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func collect(s *gateway.Session) []gateway.Message {
	var out []gateway.Message
	for {
		select {
		case m := <-s.Messages():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHandleNewServiceOrder_EndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub := gateway.NewHub(allowAll{}, logger, nil, gateway.Options{SendBuffer: 16})

	watcher, _ := hub.Connect()
	require.NoError(t, hub.JoinTopic(watcher.ID(), "12", "cleaning"))
	u1, _ := hub.Connect()
	require.NoError(t, hub.Authenticate(context.Background(), u1.ID(), "u1", "u1"))

	store := newMemoryStore()
	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u1", "u2"}}, store, nil, logger, nil, fastRetries)

	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))

	topic := collect(watcher)
	require.Len(t, topic, 1)
	assert.Equal(t, events.OutboundNewOrder, topic[0].Event)
	assert.JSONEq(t,
		`{"orderId":"501","locationId":"12","category":"cleaning","timestamp":"2026-01-02T03:04:05Z"}`,
		string(topic[0].Data))

	for _, user := range []string{"u1", "u2"} {
		records := store.forUser(user)
		require.Len(t, records, 1, user)
		assert.Equal(t, domain.NotificationTypeNewServiceOrder, records[0].Type)
		assert.JSONEq(t,
			`{"type":"new_service_order_available","orderId":"501","category":"cleaning","locationId":"12"}`,
			string(records[0].Payload))
	}

	personal := collect(u1)
	require.Len(t, personal, 1)
	assert.Equal(t, events.OutboundNotification, personal[0].Event)
}

func TestHandleNewServiceOrder_RetriesTransientWriteFailure(t *testing.T) {
	store := newMemoryStore()
	store.failures["u1"] = 2
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})

	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u1"}}, store, nil, zaptest.NewLogger(t), metrics, fastRetries)

	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))
	assert.Equal(t, 3, store.calls["u1"])
	assert.Len(t, store.forUser("u1"), 1)
	assert.Equal(t, 1.0, notificationCount(t, reg, "written"))
}

func TestHandleNewServiceOrder_LostNotificationIsReported(t *testing.T) {
	store := newMemoryStore()
	store.failures["u2"] = 10
	guard := &memoryGuard{claimed: map[string]bool{}}
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})

	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u1", "u2", "u3"}}, store, guard, zaptest.NewLogger(t), nil, fastRetries)

	err := svc.HandleNewServiceOrder(context.Background(), cleaningOrder())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.Equal(t, 3, store.calls["u2"])

	// other recipients are unaffected
	assert.Len(t, store.forUser("u1"), 1)
	assert.Len(t, store.forUser("u3"), 1)
	assert.False(t, guard.claimed[dedupeKey("501", "u2")], "claim must be released for a lost record")
}

func TestHandleNewServiceOrder_SkipsAlreadyNotifiedRecipients(t *testing.T) {
	store := newMemoryStore()
	guard := &memoryGuard{claimed: map[string]bool{}}
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})
	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u1", "u2"}}, store, guard, zaptest.NewLogger(t), nil, fastRetries)

	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))
	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))

	assert.Len(t, store.forUser("u1"), 1)
	assert.Len(t, store.forUser("u2"), 1)
}

func TestHandleNewServiceOrder_GuardFailureFailsOpen(t *testing.T) {
	store := newMemoryStore()
	guard := &memoryGuard{err: errors.New("redis down")}
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})
	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u1"}}, store, guard, zaptest.NewLogger(t), nil, fastRetries)

	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))
	assert.Len(t, store.forUser("u1"), 1)
}

func TestHandleNewServiceOrder_ResolverFailureKeepsPartialWork(t *testing.T) {
	store := newMemoryStore()
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})
	resolver := staticResolver{
		users: []string{"u1"},
		err:   apperrors.NewTransientInfraError("test.resolve", errors.New("timeout")),
	}
	svc := NewNotificationService(nil, hub, resolver, store, nil, zaptest.NewLogger(t), nil, fastRetries)

	err := svc.HandleNewServiceOrder(context.Background(), cleaningOrder())
	assert.ErrorIs(t, err, apperrors.ErrTransientInfra)
	assert.Len(t, store.forUser("u1"), 1)
}

func TestHandleNewServiceOrder_NoPersonalEventForOfflineUser(t *testing.T) {
	store := newMemoryStore()
	hub := gateway.NewHub(allowAll{}, zaptest.NewLogger(t), nil, gateway.Options{})
	anon, _ := hub.Connect()
	require.NoError(t, hub.JoinTopic(anon.ID(), "12", "cleaning"))

	svc := NewNotificationService(nil, hub, staticResolver{users: []string{"u9"}}, store, nil, zaptest.NewLogger(t), nil, fastRetries)
	require.NoError(t, svc.HandleNewServiceOrder(context.Background(), cleaningOrder()))

	got := collect(anon)
	require.Len(t, got, 1)
	assert.Equal(t, events.OutboundNewOrder, got[0].Event)
	assert.Len(t, store.forUser("u9"), 1)
}

func TestRegisterHandlers_ProcessesPublishedEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dispatcher := events.NewAsyncDispatcher(logger)
	store := newMemoryStore()
	hub := gateway.NewHub(allowAll{}, logger, nil, gateway.Options{})

	svc := NewNotificationService(dispatcher, hub, staticResolver{users: []string{"u1"}}, store, nil, logger, nil, fastRetries)
	svc.RegisterHandlers()
	dispatcher.Start(2)

	require.NoError(t, dispatcher.Publish(context.Background(), cleaningOrder()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Stop(ctx))
	assert.Len(t, store.forUser("u1"), 1)
}

func notificationCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "order_relay_fanout_notifications_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
