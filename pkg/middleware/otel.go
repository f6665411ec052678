package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for the relay.
const defaultTracerName = "github.com/vango-dev/relay"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer.
	TracerName string

	// TracerProvider overrides the global provider.
	TracerProvider trace.TracerProvider

	// Filter determines which requests to trace.
	// Return true to trace the request, false to skip.
	// If nil, all requests are traced.
	Filter func(r *http.Request) bool
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithFilter sets a filter function for requests.
func WithFilter(filter func(r *http.Request) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// OpenTelemetry creates middleware that wraps every request in a server
// span. The span is renamed to the matched chi route once routing
// completes, and carries the room id when the route has one.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. Configure it in main() before starting
// the server:
//
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) func(http.Handler) http.Handler {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Filter != nil && !config.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := tracer.Start(r.Context(), fmt.Sprintf("HTTP %s", r.Method),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName(fmt.Sprintf("HTTP %s %s", r.Method, pattern))
					span.SetAttributes(attribute.String("http.route", pattern))
				}
				if id := rctx.URLParam("roomID"); id != "" {
					span.SetAttributes(attribute.String("relay.room", id))
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}
