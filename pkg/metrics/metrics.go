// Package metrics holds the prometheus collectors of the call core. They are registered on the
// default registry and exposed by the HTTP surface on `/metrics`.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_call_sessions_total",
			Help: "Total number of call sessions started",
		},
		[]string{"role"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_call_transitions_total",
			Help: "Total number of call state transitions",
		},
		[]string{"from", "to"},
	)

	Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_call_failures_total",
			Help: "Total number of calls that ended with a failure",
		},
		[]string{"cause"},
	)

	SignalingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_signaling_messages_total",
			Help: "Total number of signaling messages sent and received",
		},
		[]string{"direction", "kind"},
	)

	StaleMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_signaling_stale_messages_total",
			Help: "Total number of signaling messages that were ignored",
		},
		[]string{"reason"},
	)

	ICECandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_ice_candidates_total",
			Help: "Total number of remote ICE candidates by what happened to them",
		},
		[]string{"outcome"},
	)

	IncomingCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_incoming_calls_total",
			Help: "Total number of incoming calls by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		Sessions,
		Transitions,
		Failures,
		SignalingMessages,
		StaleMessages,
		ICECandidates,
		IncomingCalls,
	)
}
