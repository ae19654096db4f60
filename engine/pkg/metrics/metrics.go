package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treatz_engine_build_info",
			Help: "Build information of the TREATZ engine",
		},
		[]string{"version", "commit", "date"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_webhook_events_total",
			Help: "Total number of payment confirmation events received",
		},
		[]string{"kind", "status"},
	)

	BetsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_bets_settled_total",
			Help: "Total number of coin-flip bets settled",
		},
		[]string{"result"},
	)

	RoundsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_rounds_settled_total",
			Help: "Total number of jackpot rounds settled",
		},
		[]string{"outcome"},
	)

	PayoutFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_payout_failures_total",
			Help: "Total number of failed payout submissions",
		},
		[]string{"kind"},
	)

	EntropySourceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_entropy_source_total",
			Help: "Entropy resolution outcomes by winning strategy",
		},
		[]string{"source"},
	)

	SchedulerIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treatz_engine_scheduler_iterations_total",
			Help: "Round scheduler iterations by status",
		},
		[]string{"status"},
	)

	RoundCloseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treatz_engine_round_close_duration_seconds",
			Help:    "Duration of the close-and-reopen operation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)
)
