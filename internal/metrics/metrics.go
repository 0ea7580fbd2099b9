package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motion_agent_turns_total",
			Help: "Total agent turns by outcome",
		},
		[]string{"status"}, // "ok", "transport_error"
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "motion_agent_turn_duration_seconds",
			Help:    "Agent turn round-trip duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motion_agent_sessions_created_total",
			Help: "Total agent sessions created",
		},
	)

	// Extraction metrics
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motion_extractions_total",
			Help: "Structured message extractions by strategy",
		},
		[]string{"strategy"}, // "fenced", "scan", "fallback"
	)

	// Voice metrics
	VoiceCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motion_voice_completions_total",
			Help: "Voice turn completions",
		},
		[]string{"kind"}, // "auto", "manual", "final"
	)

	VoiceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motion_voice_errors_total",
			Help: "Voice capture errors",
		},
		[]string{"code"},
	)

	DroppedTurns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motion_dropped_turns_total",
			Help: "Auto-stopped turns dropped because a turn was in flight",
		},
	)

	// Store metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "motion_store_latency_seconds",
			Help:    "Conversation store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
