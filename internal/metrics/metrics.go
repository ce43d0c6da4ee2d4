package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Sessions currently in the Active state",
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_decisions_total",
		Help: "Rules-engine decisions by reason and outcome",
	}, []string{"reason", "outcome"})

	TranslationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translations_total",
		Help: "Translation events emitted to clients",
	})

	TranslationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translation_errors_total",
		Help: "MT calls that failed after exhausting retries",
	})

	DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dedup_suppressed_total",
		Help: "MT outputs suppressed by the duplicate window",
	})

	ASRRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_asr_restarts_total",
		Help: "ASR stream restarts by cause",
	}, []string{"cause"})

	MTLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_mt_latency_ms",
		Help:    "Latency of successful MT calls",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections refused by admission control",
	}, []string{"cause"})
)
