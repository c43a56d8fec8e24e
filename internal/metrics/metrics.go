// Package metrics exposes Prometheus counters for the connection and
// negotiation paths. Counters only; no gauges or histograms are needed
// by the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectAttempts counts ConnectDevice calls that actually start a
	// connection attempt (idempotent re-connects excluded).
	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castengine",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts started.",
	})

	// ConnectFailures counts attempts that rolled back to FOUND.
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castengine",
		Name:      "connect_failures_total",
		Help:      "Connection attempts that failed and rolled back.",
	})

	// AuthFailures counts device authentication failures.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castengine",
		Name:      "auth_failures_total",
		Help:      "Device authentication failures.",
	})

	// NegotiationErrors counts control-protocol errors by module name.
	NegotiationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castengine",
		Name:      "negotiation_errors_total",
		Help:      "Negotiation errors tagged with the failing module.",
	}, []string{"module"})

	// ChannelErrors counts transport channel open failures and errors.
	ChannelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castengine",
		Name:      "channel_errors_total",
		Help:      "Channel open failures and transport errors by module.",
	}, []string{"module"})
)
