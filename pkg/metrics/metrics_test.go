package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObservePublished(2*time.Millisecond, 0.5)
	m.ObservePublished(time.Millisecond, 0.25)
	m.ObserveConsumed(0.75)
	m.ObserveDumpDropped()
	m.ObserveStale()
	m.ObserveAttach()

	assert.Equal(t, 2.0, counterValue(t, m.Published))
	assert.Equal(t, 1.0, counterValue(t, m.Consumed))
	assert.Equal(t, 1.0, counterValue(t, m.DumpDropped))
	assert.Equal(t, 1.0, counterValue(t, m.Stale))
	assert.Equal(t, 1.0, counterValue(t, m.Attaches))
	assert.Equal(t, 0.75, gaugeValue(t, m.MaskCover))

	m.SetLinkState("attached", "searching", "attached")
	assert.Equal(t, 1.0, gaugeValue(t, m.LinkState.WithLabelValues("attached")))
	assert.Equal(t, 0.0, gaugeValue(t, m.LinkState.WithLabelValues("searching")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePublished(time.Second, 1)
	m.ObserveConsumed(1)
	m.ObserveDumpDropped()
	m.ObserveStale()
	m.ObserveAttach()
	m.SetLinkState("x", "x")
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveConsumed(0)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "maskshm_masks_consumed_total 1"), body)
}
