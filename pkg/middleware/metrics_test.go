package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/vango-dev/relay/pkg/protocol"
)

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsHandlerLabelsByRoute(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/{roomID}/doc", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "roomID") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	})

	for _, path := range []string{"/a/doc", "/b/doc", "/missing/doc"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/{roomID}/doc", "GET", "200")); got != 2 {
		t.Errorf("requests{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/{roomID}/doc", "GET", "404")); got != 1 {
		t.Errorf("requests{404} = %v, want 1", got)
	}
	if got := metricHistogramCount(t, m.requestDuration.WithLabelValues("/{roomID}/doc")); got != 3 {
		t.Errorf("duration samples = %d, want 3", got)
	}
}

func TestMetricsRelayEvents(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()), WithNamespace("test"))

	m.RoomCreated("a")
	m.RoomCreated("b")
	m.RoomEvicted("a")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionRejected("unauthorized")
	m.FrameReceived(protocol.MessageSync)
	m.FrameReceived(protocol.MessageSync)
	m.FrameDropped(protocol.MessageAwareness)
	m.Broadcast(3)
	m.Broadcast(0)
	m.SlowConsumer()
	m.AuthFailure("rest")

	if got := metricGaugeValue(t, m.roomsActive); got != 1 {
		t.Errorf("rooms_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.evictionsTotal); got != 1 {
		t.Errorf("room_evictions_total = %v, want 1", got)
	}
	if got := metricGaugeValue(t, m.connsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connsTotal.WithLabelValues("unauthorized")); got != 1 {
		t.Errorf("connections_total{unauthorized} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("Sync")); got != 2 {
		t.Errorf("frames_received_total{Sync} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("Awareness")); got != 1 {
		t.Errorf("frames_dropped_total{Awareness} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.broadcastFrames); got != 3 {
		t.Errorf("broadcast_frames_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.slowConsumers); got != 1 {
		t.Errorf("slow_consumers_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.authFailures.WithLabelValues("rest")); got != 1 {
		t.Errorf("auth_failures_total{rest} = %v, want 1", got)
	}
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	m.ConnectionOpened()

	rec := httptest.NewRecorder()
	m.Exposition().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relay_connections_active 1") {
		t.Errorf("exposition missing relay_connections_active:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RoomCreated("a")
	m.RoomEvicted("a")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionRejected("error")
	m.FrameReceived(protocol.MessageSync)
	m.FrameDropped(protocol.MessageSync)
	m.Broadcast(1)
	m.SlowConsumer()
	m.AuthFailure("ws")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}
