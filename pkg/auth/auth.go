// Package auth decides whether a bearer token may use the relay.
//
// Both entry points, the WebSocket handshake (?token=) and the REST
// Authorization header, funnel into Validate. The gate has three modes:
//
//   - open: no Config, or a Config with neither Secret nor Validator
//   - static: Secret is compared against the token in constant time
//   - validator: Validator is called under Timeout
//
// Validation fails closed. A validator error, timeout or panic means
// unauthorized.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single validator call.
const DefaultTimeout = 5 * time.Second

// ValidatorFunc reports whether token is valid. Returning an error is
// treated the same as returning false.
type ValidatorFunc func(ctx context.Context, token string) (bool, error)

// Config configures the gate. A nil *Config is open mode.
type Config struct {
	// Secret is a static shared token. Ignored when Validator is set.
	Secret string

	// Validator delegates the decision, e.g. to a remote session check.
	Validator ValidatorFunc

	// Timeout bounds each Validator call.
	// Default: 5 seconds.
	Timeout time.Duration
}

// Mode names the gate's configured mode.
func (c *Config) Mode() string {
	switch {
	case c == nil:
		return "open"
	case c.Validator != nil:
		return "validator"
	case c.Secret != "":
		return "static"
	default:
		return "open"
	}
}

// Open reports whether every request is authorized.
func (c *Config) Open() bool {
	return c.Mode() == "open"
}

const tracerName = "github.com/vango-dev/relay/pkg/auth"

// Validate reports whether token is authorized under cfg.
func Validate(ctx context.Context, cfg *Config, token string) bool {
	mode := cfg.Mode()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "auth.validate",
		trace.WithAttributes(attribute.String("auth.mode", mode)),
	)
	defer span.End()

	ok, err := validate(ctx, cfg, mode, token)
	span.SetAttributes(attribute.Bool("auth.ok", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok
}

func validate(ctx context.Context, cfg *Config, mode, token string) (bool, error) {
	switch mode {
	case "open":
		return true, nil
	case "static":
		if token == "" {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Secret)) == 1, nil
	}

	if token == "" {
		return false, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("auth: validator panic: %v", r)}
			}
		}()
		ok, err := cfg.Validator(ctx, token)
		done <- result{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return false, res.err
		}
		return res.ok, nil
	case <-ctx.Done():
		return false, fmt.Errorf("auth: validator: %w", ctx.Err())
	}
}

// TokenFromQuery returns the handshake credential from ?token=.
func TokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// TokenFromBearer returns the credential from an
// "Authorization: Bearer <token>" header. There is no query fallback.
func TokenFromBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
