// Package middleware provides the relay's observability: Prometheus
// metrics and OpenTelemetry tracing for chi routers.
//
// # Prometheus Metrics
//
// Metrics is both an HTTP middleware and the sink for relay events
// (connections, rooms, frames). It satisfies room.Observer so the room
// manager can report room lifecycle directly.
//
//	m := middleware.NewMetrics(middleware.WithNamespace("relay"))
//	r := chi.NewRouter()
//	r.Use(m.Handler)
//	r.Handle("/metrics", m.Exposition())
//
// A nil *Metrics records nothing.
//
// # OpenTelemetry Middleware
//
// OpenTelemetry wraps every request in a server span named after the
// matched route:
//
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
package middleware
