package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePass("completed", time.Second)
		m.IncDelivery("synced")
		m.SetQueueDepth(map[string]int{"pending": 1})
		m.SetCacheUsage(1, 1)
		m.IncEviction("capacity")
		m.SetOnline("online", true)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePass("completed", 10*time.Millisecond)
	m.ObservePass("failed", time.Millisecond)
	m.IncDelivery("synced")
	m.IncDelivery("synced")
	m.SetQueueDepth(map[string]int{"pending": 3, "failed": 1})
	m.SetCacheUsage(2048, 4)
	m.IncEviction("capacity")
	m.SetOnline("online", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryTotal.WithLabelValues("synced")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.CacheBytes))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvictionTotal.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetCacheUsage(10, 1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "offsync_cache_bytes 10")
}
