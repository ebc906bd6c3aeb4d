// Package metrics exposes Prometheus instruments for notification connections:
// connection attempts, scheduled reconnects, terminal give-ups, connection
// state and inbound message kinds. Server covers the push side.
//
// A nil *Recorder is valid and records nothing, so components can take an
// optional recorder without guarding every call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Message kinds.
const (
	KindRedirect  = "redirect"
	KindToast     = "toast"
	KindIgnored   = "ignored"
	KindMalformed = "malformed"
)

// Config configures the recorder.
type Config struct {
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
	// Namespace defaults to "pushtoast".
	Namespace string
}

// Option configures the recorder.
type Option func(*Config)

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// Recorder holds the instruments.
type Recorder struct {
	attempts   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	giveUps    *prometheus.CounterVec
	connected  *prometheus.GaugeVec
	messages   *prometheus.CounterVec
	rejects    *prometheus.CounterVec
}

// New registers the instruments and returns a recorder.
func New(opts ...Option) *Recorder {
	config := Config{
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "pushtoast",
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Recorder{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "connection_attempts_total",
			Help:        "WebSocket connection attempts by endpoint and result",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint", "result"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reconnects_total",
			Help:        "Automatic reconnect attempts scheduled after a close",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),

		giveUps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reconnect_give_ups_total",
			Help:        "Times the reconnect budget was exhausted",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),

		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connected",
			Help:        "1 while the endpoint's transport is open",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_total",
			Help:        "Inbound notification messages by interpretation",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		rejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reject_requests_total",
			Help:        "Reject action requests by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),
	}
}

// ConnAttempt records a dial attempt.
func (r *Recorder) ConnAttempt(endpoint, result string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(endpoint, result).Inc()
}

// Reconnect records a scheduled automatic reconnect.
func (r *Recorder) Reconnect(endpoint string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(endpoint).Inc()
}

// GiveUp records an exhausted reconnect budget.
func (r *Recorder) GiveUp(endpoint string) {
	if r == nil {
		return
	}
	r.giveUps.WithLabelValues(endpoint).Inc()
}

// SetConnected flips the connected gauge for endpoint.
func (r *Recorder) SetConnected(endpoint string, connected bool) {
	if r == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	r.connected.WithLabelValues(endpoint).Set(v)
}

// Message records an inbound message of the given kind.
func (r *Recorder) Message(kind string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(kind).Inc()
}

// Reject records the result of a reject action request.
func (r *Recorder) Reject(result string) {
	if r == nil {
		return
	}
	r.rejects.WithLabelValues(result).Inc()
}
