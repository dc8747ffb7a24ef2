package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/x", "GET", 200, time.Millisecond)
		m.RecordChangeEvent("accepted")
		m.RecordReconnect()
		m.SetListenerState("listening", []string{"listening"})
		m.RecordNotification("written")
		m.RecordBroadcast("new_order")
		m.RecordDroppedSend()
		m.SessionOpened()
		m.SessionClosed()
		m.ObserveFanout(time.Second)
	})
}

func TestMetrics_CountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordNotification("written")
	m.RecordNotification("written")
	m.RecordNotification("lost")
	m.SetListenerState("listening", []string{"connecting", "listening"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listenerState.WithLabelValues("listening")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.listenerState.WithLabelValues("connecting")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "order_relay_fanout_notifications_total"))
}
