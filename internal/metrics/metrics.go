// Package metrics provides Prometheus metrics for socks5d.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5d"

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Session lifecycle
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	// Authentication
	AuthFailures     prometheus.Counter
	NoAcceptableAuth prometheus.Counter

	// Commands
	ConnectTotal       prometheus.Counter
	ConnectFailures    *prometheus.CounterVec
	UDPAssociateTotal  prometheus.Counter
	UnsupportedCommand prometheus.Counter

	// TCP relay data transfer
	BytesRelayed *prometheus.CounterVec

	// UDP relay
	UDPDatagramsRelayed *prometheus.CounterVec
	UDPDatagramsDropped *prometheus.CounterVec

	// Timing
	ConnectLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, primarily for test isolation.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active SOCKS5 sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total SOCKS5 sessions accepted",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session terminations by error kind",
		}, []string{"kind"}),

		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total RFC 1929 username/password authentication failures",
		}),
		NoAcceptableAuth: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_acceptable_auth_total",
			Help:      "Total greetings rejected with NO ACCEPTABLE METHODS",
		}),

		ConnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_total",
			Help:      "Total CONNECT requests dispatched",
		}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total CONNECT failures by reply code",
		}, []string{"reply"}),
		UDPAssociateTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associate_total",
			Help:      "Total UDP ASSOCIATE requests dispatched",
		}),
		UnsupportedCommand: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsupported_command_total",
			Help:      "Total requests rejected for an unsupported or BIND command",
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_bytes_relayed_total",
			Help:      "Total bytes relayed over TCP by direction",
		}, []string{"direction"}),

		UDPDatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_relayed_total",
			Help:      "Total UDP datagrams relayed by direction",
		}, []string{"direction"}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total UDP datagrams dropped by reason",
		}, []string{"reason"}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT dial latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}
