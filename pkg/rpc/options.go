package rpc

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vango-dev/remote/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Default tracer name for endpoints.
const defaultTracerName = "github.com/vango-dev/remote/pkg/rpc"

// Config configures an Endpoint.
type Config struct {
	// ID names the endpoint in logs and spans.
	// Default: a new ULID.
	ID string

	// Logger receives endpoint diagnostics.
	// Default: slog.Default().
	Logger *slog.Logger

	// Tracer creates a client span per outgoing call and a server span
	// per dispatched call.
	// Default: the global OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// Metrics records call and handle counts. Nil disables metrics.
	Metrics *metrics.Metrics

	// CallRateLimit bounds incoming calls per second. Calls over the limit
	// are answered with protocol.ErrRateLimited. Zero disables limiting.
	CallRateLimit rate.Limit

	// CallBurst is the limiter burst size.
	// Default: 1 when CallRateLimit is set.
	CallBurst int

	// ReleaseDelay coalesces release notifications for this long before
	// sending them as one message. Queued releases also go out ahead of
	// any other outgoing message.
	// Default: 0 (send immediately).
	ReleaseDelay time.Duration
}

// Option configures an Endpoint.
type Option func(*Config)

// WithID sets the endpoint ID.
func WithID(id string) Option {
	return func(c *Config) {
		c.ID = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithCallRateLimit limits incoming calls to limit per second with the
// given burst.
func WithCallRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Config) {
		c.CallRateLimit = limit
		c.CallBurst = burst
	}
}

// WithReleaseDelay sets how long releases are coalesced.
func WithReleaseDelay(d time.Duration) Option {
	return func(c *Config) {
		c.ReleaseDelay = d
	}
}

func defaultConfig() Config {
	return Config{}
}

func (c *Config) resolve() {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(defaultTracerName)
	}
	if c.CallRateLimit > 0 && c.CallBurst <= 0 {
		c.CallBurst = 1
	}
}
