// Package metrics exposes Prometheus collectors for RPC endpoints and tree
// receivers.
//
// A *Metrics value is shared by every endpoint and receiver of a process.
// All methods are safe on a nil *Metrics, so components record
// unconditionally and callers opt in by passing a non-nil value.
//
// Metrics collected:
//   - remote_calls_sent_total: outgoing calls by path and status
//   - remote_calls_received_total: dispatched calls by path and status
//   - remote_call_duration_seconds: round-trip time of outgoing calls
//   - remote_pending_calls: calls awaiting a result
//   - remote_exported_functions: handles this process owns
//   - remote_imported_functions: handles held for functions owned by peers
//   - remote_releases_sent_total: handle references released to peers
//   - remote_batches_total: mutation batches by result (applied, rejected)
//   - remote_mirror_nodes: nodes in receiver mirrors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "remote").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "remote",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Call statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Metrics holds the collectors.
type Metrics struct {
	callsSent       *prometheus.CounterVec
	callsReceived   *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	pendingCalls    prometheus.Gauge
	exportedHandles prometheus.Gauge
	importedHandles prometheus.Gauge
	releasesSent    prometheus.Counter
	batches         *prometheus.CounterVec
	mirrorNodes     prometheus.Gauge
}

// New registers the collectors with the configured registry. Registering
// twice with the same registry panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		callsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_sent_total",
			Help:        "Total number of outgoing remote calls",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "status"}),

		callsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_received_total",
			Help:        "Total number of dispatched incoming calls",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "status"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Outgoing call round-trip duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"path"}),

		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_calls",
			Help:        "Number of calls awaiting a result",
			ConstLabels: config.ConstLabels,
		}),

		exportedHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "exported_functions",
			Help:        "Number of local functions referenced by peers",
			ConstLabels: config.ConstLabels,
		}),

		importedHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "imported_functions",
			Help:        "Number of peer functions with live stand-ins",
			ConstLabels: config.ConstLabels,
		}),

		releasesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "releases_sent_total",
			Help:        "Total number of function references released to peers",
			ConstLabels: config.ConstLabels,
		}),

		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "batches_total",
			Help:        "Total number of mutation batches received by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		mirrorNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "mirror_nodes",
			Help:        "Number of nodes held in receiver mirrors",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// CallSent records a finished outgoing call.
func (m *Metrics) CallSent(path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.callsSent.WithLabelValues(path, status).Inc()
	m.callDuration.WithLabelValues(path).Observe(seconds)
}

// CallReceived records a dispatched incoming call.
func (m *Metrics) CallReceived(path, status string) {
	if m == nil {
		return
	}
	m.callsReceived.WithLabelValues(path, status).Inc()
}

// AddPending adjusts the pending calls gauge.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(float64(delta))
}

// AddExported adjusts the exported functions gauge.
func (m *Metrics) AddExported(delta int) {
	if m == nil {
		return
	}
	m.exportedHandles.Add(float64(delta))
}

// AddImported adjusts the imported functions gauge.
func (m *Metrics) AddImported(delta int) {
	if m == nil {
		return
	}
	m.importedHandles.Add(float64(delta))
}

// ReleasesSent counts released references.
func (m *Metrics) ReleasesSent(n int) {
	if m == nil {
		return
	}
	m.releasesSent.Add(float64(n))
}

// BatchApplied counts an applied mutation batch.
func (m *Metrics) BatchApplied() {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("applied").Inc()
}

// BatchRejected counts a rejected mutation batch.
func (m *Metrics) BatchRejected() {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("rejected").Inc()
}

// AddMirrorNodes adjusts the mirror nodes gauge.
func (m *Metrics) AddMirrorNodes(delta int) {
	if m == nil {
		return
	}
	m.mirrorNodes.Add(float64(delta))
}
