package provider

import (
	"sync"
	"time"
)

// HealthStatus is the rolling status of one provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderHealth is a snapshot of one provider's rolling health, fed by every
// call attempt and by explicit probes, and read by selection strategies.
type ProviderHealth struct {
	Status      HealthStatus  `json:"status"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	SuccessRate float64       `json:"success_rate"`
}

// latencyPenaltyCeiling is the latency at which the full 50-point ordering
// penalty applies.
const latencyPenaltyCeiling = 2 * time.Second

type healthRecord struct {
	successes int64
	failures  int64
	latencyMS float64 // exponential moving average
	lastCheck time.Time
	lastError string
	probeOK   bool
	probed    bool
}

func (h *healthRecord) successRate() float64 {
	total := h.successes + h.failures
	if total == 0 {
		return 1.0
	}
	return float64(h.successes) / float64(total)
}

func (h *healthRecord) status() HealthStatus {
	if h.probed && !h.probeOK {
		return HealthUnhealthy
	}
	rate := h.successRate()
	switch {
	case rate >= 0.90:
		return HealthHealthy
	case rate >= 0.50:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// HealthTracker maintains per-provider rolling health. All mutation is
// serialized; reads return value snapshots.
type HealthTracker struct {
	mu      sync.RWMutex
	records map[ProviderType]*healthRecord
}

// NewHealthTracker creates an empty tracker. Providers with no recorded
// outcomes are treated as healthy so fresh registrations are tried first.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{records: make(map[ProviderType]*healthRecord)}
}

func (t *HealthTracker) record(p ProviderType) *healthRecord {
	rec, ok := t.records[p]
	if !ok {
		rec = &healthRecord{}
		t.records[p] = rec
	}
	return rec
}

// RecordOutcome folds the result of one ordinary operation into the rolling
// health, so health degrades even without explicit probes.
func (t *HealthTracker) RecordOutcome(p ProviderType, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(p)
	rec.lastCheck = time.Now()

	ms := float64(latency.Milliseconds())
	if rec.latencyMS == 0 {
		rec.latencyMS = ms
	} else {
		rec.latencyMS = 0.9*rec.latencyMS + 0.1*ms
	}

	if err != nil {
		rec.failures++
		rec.lastError = err.Error()
	} else {
		rec.successes++
		rec.lastError = ""
	}
}

// RecordProbe folds an explicit health check result into the tracker.
func (t *HealthTracker) RecordProbe(p ProviderType, result HealthCheckResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(p)
	rec.lastCheck = time.Now()
	rec.probed = true
	rec.probeOK = result.Healthy
	rec.lastError = result.Error
	ms := float64(result.Latency.Milliseconds())
	if rec.latencyMS == 0 {
		rec.latencyMS = ms
	} else {
		rec.latencyMS = 0.9*rec.latencyMS + 0.1*ms
	}
}

// Snapshot returns the current health of one provider.
func (t *HealthTracker) Snapshot(p ProviderType) ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[p]
	if !ok {
		return ProviderHealth{Status: HealthHealthy, SuccessRate: 1.0}
	}
	return ProviderHealth{
		Status:      rec.status(),
		LastCheck:   rec.lastCheck,
		Latency:     time.Duration(rec.latencyMS) * time.Millisecond,
		Error:       rec.lastError,
		SuccessRate: rec.successRate(),
	}
}

// Score orders providers for health-based selection: 100/50/0 for
// healthy/degraded/unhealthy, minus up to 50 for latency (linear, capped at
// latencyPenaltyCeiling), plus up to 50 for success rate.
func (t *HealthTracker) Score(p ProviderType) float64 {
	health := t.Snapshot(p)

	var score float64
	switch health.Status {
	case HealthHealthy:
		score = 100
	case HealthDegraded:
		score = 50
	default:
		score = 0
	}

	penalty := float64(health.Latency) / float64(latencyPenaltyCeiling) * 50
	if penalty > 50 {
		penalty = 50
	}
	score -= penalty

	score += health.SuccessRate * 50
	return score
}
