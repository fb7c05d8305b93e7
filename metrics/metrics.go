// Package metrics exposes the library's Prometheus collectors on the default
// registry. Hosts that serve /metrics get them for free; everyone else pays
// only the counter increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Quote engine
	QuoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mina",
		Subsystem: "quote",
		Name:      "requests_total",
		Help:      "Quote fetches by outcome (fresh, cached, stale, error)",
	}, []string{"outcome"})

	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mina",
		Subsystem: "quote",
		Name:      "fetch_duration_seconds",
		Help:      "Aggregator quote round-trip duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Balance service
	BalanceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mina",
		Subsystem: "balance",
		Name:      "fetches_total",
		Help:      "Balance reads by outcome (fresh, cached, stale, error)",
	}, []string{"outcome"})

	// Execution pipeline
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mina",
		Subsystem: "execution",
		Name:      "started_total",
		Help:      "Executions accepted by the orchestrator",
	})

	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mina",
		Subsystem: "execution",
		Name:      "finished_total",
		Help:      "Executions reaching a terminal status",
	}, []string{"status"})

	ExecutionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mina",
		Subsystem: "execution",
		Name:      "active",
		Help:      "Executions currently in flight",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mina",
		Subsystem: "execution",
		Name:      "step_duration_seconds",
		Help:      "Wall time per route step by step type",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type"})

	// Deposits and ledger confirmation
	Deposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mina",
		Subsystem: "deposit",
		Name:      "submitted_total",
		Help:      "Deposit transactions by outcome",
	}, []string{"outcome"})

	LedgerConfirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mina",
		Subsystem: "deposit",
		Name:      "ledger_confirmation_seconds",
		Help:      "Time from deposit submission to ledger credit",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})
)
