package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "econlab"

// Registry bundles the runtime's instruments. Each Registry owns its own
// Prometheus registry, so constructing several in one process (tests) is
// fine.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsClosed prometheus.Counter
	MessagesIn        prometheus.Counter
	MessagesOut       prometheus.Counter
	DecodeErrors      prometheus.Counter
	SeatsConnected    prometheus.Gauge
	Paused            prometheus.Gauge
	RoundsCompleted   prometheus.Counter
	Transactions      prometheus.Counter
	ChatDropped       prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open client connections.",
		}),
		ConnectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections torn down, whatever the reason.",
		}),
		MessagesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from clients.",
		}),
		MessagesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages written to clients, pings included.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound payloads that failed to decode.",
		}),
		SeatsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seats_connected",
			Help:      "Seats currently bound to a live connection.",
		}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_paused",
			Help:      "1 while the session is paused.",
		}),
		RoundsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Rounds the controller has finished.",
		}),
		Transactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_transactions_total",
			Help:      "Auction crossings that produced a trade.",
		}),
		ChatDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_dropped_total",
			Help:      "Chat messages discarded by the rate limit or filter.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
