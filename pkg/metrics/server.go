package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results.
const (
	DeliveryQueued  = "queued"
	DeliveryDropped = "dropped"
)

// Server holds the push server's instruments. Like Recorder, a nil *Server
// records nothing.
type Server struct {
	subscribers prometheus.Gauge
	broadcasts  prometheus.Counter
	deliveries  *prometheus.CounterVec
}

// NewServer registers the push server instruments.
func NewServer(opts ...Option) *Server {
	config := Config{
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "pushtoast",
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Server{
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "server",
			Name:        "subscribers",
			Help:        "Connected notification subscribers",
			ConstLabels: config.ConstLabels,
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "server",
			Name:        "broadcasts_total",
			Help:        "Notifications fanned out to subscribers",
			ConstLabels: config.ConstLabels,
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "server",
			Name:        "deliveries_total",
			Help:        "Per-subscriber deliveries by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),
	}
}

// SetSubscribers records the current number of subscribers.
func (s *Server) SetSubscribers(n int) {
	if s == nil {
		return
	}
	s.subscribers.Set(float64(n))
}

// Broadcast records one fan-out and its per-subscriber outcome.
func (s *Server) Broadcast(queued, dropped int) {
	if s == nil {
		return
	}
	s.broadcasts.Inc()
	s.deliveries.WithLabelValues(DeliveryQueued).Add(float64(queued))
	s.deliveries.WithLabelValues(DeliveryDropped).Add(float64(dropped))
}
