package registry

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ClientOption configures optional Client dependencies.
type ClientOption func(*Client)

// WithLogger sets the structured logger used for retried/transient
// failures and per-tick diagnostics. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used to wrap the authenticate/lease/watch
// pipeline in spans. Defaults to a no-op tracer.
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}
