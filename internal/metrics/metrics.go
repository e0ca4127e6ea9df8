// ABOUTME: Prometheus metrics for the relay core
// ABOUTME: Tracks sessions, snapshots, commands, and auth outcomes

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	SessionsActive prometheus.Gauge

	AuthFailures *prometheus.CounterVec

	SnapshotsTotal *prometheus.CounterVec
	ResyncRequests prometheus.Counter

	CommandsSubmitted prometheus.Counter
	CommandsFinished  *prometheus.CounterVec
}

// New creates relay metrics registered on the given registerer. The server
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "qmrelay_sessions_active",
				Help: "Number of live agent sessions",
			},
		),

		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmrelay_auth_failures_total",
				Help: "Total number of rejected agent authentications",
			},
			[]string{"code"},
		),

		SnapshotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmrelay_snapshots_total",
				Help: "Total number of snapshots received from agents",
			},
			[]string{"result"},
		),

		ResyncRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qmrelay_resync_requests_total",
				Help: "Total number of resync requests sent to agents",
			},
		),

		CommandsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qmrelay_commands_submitted_total",
				Help: "Total number of commands submitted by the dashboard",
			},
		),

		CommandsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmrelay_commands_finished_total",
				Help: "Total number of commands reaching a terminal state",
			},
			[]string{"state"},
		),
	}
}

// RecordAuthFailure records a rejected agent authentication.
func (m *Metrics) RecordAuthFailure(code string) {
	m.AuthFailures.WithLabelValues(code).Inc()
}

// RecordSnapshot records an accepted or rejected snapshot.
func (m *Metrics) RecordSnapshot(result string) {
	m.SnapshotsTotal.WithLabelValues(result).Inc()
}

// RecordCommandFinished records a command reaching a terminal state.
func (m *Metrics) RecordCommandFinished(state string) {
	m.CommandsFinished.WithLabelValues(state).Inc()
}
