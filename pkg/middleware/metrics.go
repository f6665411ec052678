package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/relay/pkg/protocol"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "relay").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Gatherer serves the /metrics handler.
	// Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry registers metrics on reg and serves them from it.
func WithRegistry(reg *prometheus.Registry) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = reg
		c.Gatherer = reg
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "relay",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
		Gatherer:  prometheus.DefaultGatherer,
	}
}

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so callers never need to guard.
//
// Metrics collected:
//   - relay_http_requests_total: REST requests by route, method and status
//   - relay_http_request_duration_seconds: REST latency by route
//   - relay_connections_active: open WebSocket connections
//   - relay_connections_total: handshakes by result
//   - relay_rooms_active: rooms in memory
//   - relay_room_evictions_total: rooms evicted
//   - relay_frames_received_total: inbound frames by message type
//   - relay_frames_dropped_total: inbound frames dropped as malformed
//   - relay_broadcast_frames_total: frames fanned out to peers
//   - relay_slow_consumers_total: connections closed for a full send queue
//   - relay_auth_failures_total: rejected credentials by surface
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connsActive     prometheus.Gauge
	connsTotal      *prometheus.CounterVec
	roomsActive     prometheus.Gauge
	evictionsTotal  prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	broadcastFrames prometheus.Counter
	slowConsumers   prometheus.Counter
	authFailures    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers the relay metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem,
			Name: name, Help: help, ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem,
			Name: name, Help: help, ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem,
			Name: name, Help: help, ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		requestsTotal: counterVec("http_requests_total",
			"Total REST requests", "route", "method", "status"),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "REST request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"route"}),
		connsActive:     gauge("connections_active", "Open WebSocket connections"),
		connsTotal:      counterVec("connections_total", "WebSocket handshakes by result", "result"),
		roomsActive:     gauge("rooms_active", "Rooms held in memory"),
		evictionsTotal:  counter("room_evictions_total", "Rooms evicted after going idle"),
		framesReceived:  counterVec("frames_received_total", "Inbound frames by message type", "type"),
		framesDropped:   counterVec("frames_dropped_total", "Inbound frames dropped as malformed", "type"),
		broadcastFrames: counter("broadcast_frames_total", "Frames delivered to room peers"),
		slowConsumers:   counter("slow_consumers_total", "Connections closed because their send queue was full"),
		authFailures:    counterVec("auth_failures_total", "Rejected credentials by surface", "surface"),
		gatherer:        config.Gatherer,
	}
}

// Handler records request count and latency for every request served by
// next. Routes are labeled by their chi pattern to keep cardinality low.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

// Exposition returns the /metrics handler.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RoomCreated implements room.Observer.
func (m *Metrics) RoomCreated(string) {
	if m != nil {
		m.roomsActive.Inc()
	}
}

// RoomEvicted implements room.Observer.
func (m *Metrics) RoomEvicted(string) {
	if m != nil {
		m.roomsActive.Dec()
		m.evictionsTotal.Inc()
	}
}

// ConnectionOpened records a connection that joined its room.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connsActive.Inc()
		m.connsTotal.WithLabelValues("open").Inc()
	}
}

// ConnectionClosed records the end of an opened connection.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connsActive.Dec()
	}
}

// ConnectionRejected records a handshake that never reached open.
// reason is one of "unauthorized", "room_not_found" or "error".
func (m *Metrics) ConnectionRejected(reason string) {
	if m != nil {
		m.connsTotal.WithLabelValues(reason).Inc()
	}
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(t protocol.MessageType) {
	if m != nil {
		m.framesReceived.WithLabelValues(t.String()).Inc()
	}
}

// FrameDropped records an inbound frame discarded as malformed.
func (m *Metrics) FrameDropped(t protocol.MessageType) {
	if m != nil {
		m.framesDropped.WithLabelValues(t.String()).Inc()
	}
}

// Broadcast records frames delivered by a fan-out.
func (m *Metrics) Broadcast(sent int) {
	if m != nil && sent > 0 {
		m.broadcastFrames.Add(float64(sent))
	}
}

// SlowConsumer records a connection dropped for backpressure.
func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

// AuthFailure records a rejected credential. surface is "ws" or "rest".
func (m *Metrics) AuthFailure(surface string) {
	if m != nil {
		m.authFailures.WithLabelValues(surface).Inc()
	}
}
