package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the Prometheus instruments for the data access layer.
// Exposition is left to the embedding process; the factory only records.
type Telemetry struct {
	Attempts       *prometheus.CounterVec
	FallbackDepth  *prometheus.HistogramVec
	AllFailed      *prometheus.CounterVec
	CircuitSkipped *prometheus.CounterVec
	RateLimitHits  *prometheus.CounterVec
	CallLatency    *prometheus.HistogramVec
	HealthScore    *prometheus.GaugeVec
}

// NewTelemetry builds and registers the instruments on reg.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmcc_provider_attempts_total",
				Help: "Provider call attempts by provider, operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		FallbackDepth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmcc_provider_fallback_depth",
				Help:    "Number of providers tried before a successful response",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"operation"},
		),
		AllFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmcc_provider_all_failed_total",
				Help: "Operations for which every candidate provider was skipped or failed",
			},
			[]string{"operation"},
		),
		CircuitSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmcc_provider_circuit_skipped_total",
				Help: "Candidates skipped because their circuit breaker was open",
			},
			[]string{"provider"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmcc_provider_rate_limit_hits_total",
				Help: "Calls rejected by the provider rate limiter",
			},
			[]string{"provider"},
		),
		CallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmcc_provider_call_latency_seconds",
				Help:    "Latency of individual provider calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),
		HealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pmcc_provider_health_score",
				Help: "Current health ordering score per provider",
			},
			[]string{"provider"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			t.Attempts, t.FallbackDepth, t.AllFailed, t.CircuitSkipped,
			t.RateLimitHits, t.CallLatency, t.HealthScore,
		)
	}
	return t
}

func (t *Telemetry) recordAttempt(p ProviderType, op OperationType, result string, latencySec float64) {
	if t == nil {
		return
	}
	t.Attempts.WithLabelValues(string(p), string(op), result).Inc()
	t.CallLatency.WithLabelValues(string(p), string(op)).Observe(latencySec)
}

func (t *Telemetry) recordCircuitSkip(p ProviderType) {
	if t == nil {
		return
	}
	t.CircuitSkipped.WithLabelValues(string(p)).Inc()
}

func (t *Telemetry) recordRateLimit(p ProviderType) {
	if t == nil {
		return
	}
	t.RateLimitHits.WithLabelValues(string(p)).Inc()
}

func (t *Telemetry) recordSuccessDepth(op OperationType, depth int) {
	if t == nil {
		return
	}
	t.FallbackDepth.WithLabelValues(string(op)).Observe(float64(depth))
}

func (t *Telemetry) recordAllFailed(op OperationType) {
	if t == nil {
		return
	}
	t.AllFailed.WithLabelValues(string(op)).Inc()
}

func (t *Telemetry) recordHealthScore(p ProviderType, score float64) {
	if t == nil {
		return
	}
	t.HealthScore.WithLabelValues(string(p)).Set(score)
}
