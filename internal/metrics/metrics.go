// Package metrics holds the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered once per registry; tests pass a fresh prometheus.NewRegistry().
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	ConnectedClients prometheus.Gauge
	Commands         *prometheus.CounterVec // by kind and result
	Broadcasts       prometheus.Counter
	DroppedClients   prometheus.Counter
	PiecesPlaced     prometheus.Counter
	PuzzlesCompleted prometheus.Counter
	PersistDuration  prometheus.Histogram
	PersistFailures  prometheus.Counter
	ProtocolRejected prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "puzzle_active_sessions",
			Help: "Sessions with a running coordinator.",
		}),
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "puzzle_connected_clients",
			Help: "Open participant connections.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "puzzle_commands_total",
			Help: "Participant commands applied or rejected.",
		}, []string{"kind", "result"}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_broadcasts_total",
			Help: "Envelopes fanned out to a session.",
		}),
		DroppedClients: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_dropped_clients_total",
			Help: "Connections dropped because their outbox was full.",
		}),
		PiecesPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_pieces_placed_total",
			Help: "Pieces snapped into their correct cell.",
		}),
		PuzzlesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_completed_total",
			Help: "Sessions that reached completion.",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "puzzle_persist_duration_seconds",
			Help:    "Time spent saving a session.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_persist_failures_total",
			Help: "Session saves that returned an error.",
		}),
		ProtocolRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "puzzle_protocol_rejected_total",
			Help: "Inbound frames that could not be parsed into a command.",
		}),
	}
}

// Nop returns collectors bound to a private registry, for callers that do not export.
func Nop() *Metrics { return New(prometheus.NewRegistry()) }
