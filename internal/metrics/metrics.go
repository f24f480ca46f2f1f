// Package metrics tracks verification counters, EMA latencies, and the
// component health roll-up. Counters are mirrored to OpenTelemetry
// instruments; the in-process snapshot serves the stats and health
// endpoints without requiring an exporter.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinrai-ai/trustwrapper/internal/model"
)

// alpha is the EMA smoothing factor for latency and oracle health.
const alpha = 0.1

// Recorder aggregates per-verification observations. Safe for concurrent
// use; readers may observe values that lag the most recent update.
type Recorder struct {
	mu           sync.Mutex
	total        uint64
	successes    uint64
	byStatus     map[model.Status]uint64
	byViolation  map[string]uint64
	emaLocalMs   float64
	emaTotalMs   float64
	oracleHealth float64

	verifications metric.Int64Counter
	totalLatency  metric.Float64Histogram
	localLatency  metric.Float64Histogram
}

// New creates a Recorder with instruments registered on meter.
func New(meter metric.Meter) (*Recorder, error) {
	verifications, err := meter.Int64Counter("trustwrapper.verifications",
		metric.WithDescription("Completed verifications by status"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	totalLatency, err := meter.Float64Histogram("trustwrapper.verify.total_ms",
		metric.WithDescription("End-to-end verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	localLatency, err := meter.Float64Histogram("trustwrapper.verify.local_ms",
		metric.WithDescription("Local rule-engine latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return &Recorder{
		byStatus:      make(map[model.Status]uint64),
		byViolation:   make(map[string]uint64),
		oracleHealth:  1,
		verifications: verifications,
		totalLatency:  totalLatency,
		localLatency:  localLatency,
	}, nil
}

// Record folds one result into the rolling aggregates.
func (r *Recorder) Record(ctx context.Context, res model.Result) {
	localMs := float64(res.LocalLatency) / float64(time.Millisecond)
	totalMs := float64(res.TotalLatency) / float64(time.Millisecond)

	r.mu.Lock()
	r.total++
	r.byStatus[res.Status]++
	for _, v := range res.Violations {
		r.byViolation[v]++
	}
	if !systemFailure(res.Violations) {
		r.successes++
	}
	r.emaLocalMs = ema(r.emaLocalMs, localMs)
	r.emaTotalMs = ema(r.emaTotalMs, totalMs)
	r.oracleHealth = ema(r.oracleHealth, res.OracleHealth)
	r.mu.Unlock()

	r.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("risk_grade", string(res.RiskGrade)),
	))
	r.totalLatency.Record(ctx, totalMs)
	r.localLatency.Record(ctx, localMs)
}

// Stats is a point-in-time view of the aggregates.
type Stats struct {
	Total        uint64            `json:"total"`
	ByStatus     map[string]uint64 `json:"by_status"`
	ByViolation  map[string]uint64 `json:"by_violation,omitempty"`
	AvgLocalMs   float64           `json:"avg_local_ms"`
	AvgTotalMs   float64           `json:"avg_total_ms"`
	OracleHealth float64           `json:"oracle_health"`
	SuccessRate  float64           `json:"success_rate"`
}

// Snapshot copies the current aggregates.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	byStatus := make(map[string]uint64, len(r.byStatus))
	for k, v := range r.byStatus {
		byStatus[string(k)] = v
	}
	byViolation := make(map[string]uint64, len(r.byViolation))
	for k, v := range r.byViolation {
		byViolation[k] = v
	}
	rate := 1.0
	if r.total > 0 {
		rate = float64(r.successes) / float64(r.total)
	}
	return Stats{
		Total:        r.total,
		ByStatus:     byStatus,
		ByViolation:  byViolation,
		AvgLocalMs:   r.emaLocalMs,
		AvgTotalMs:   r.emaTotalMs,
		OracleHealth: r.oracleHealth,
		SuccessRate:  rate,
	}
}

// Health is the roll-up served by the health endpoint.
type Health struct {
	Healthy      bool     `json:"healthy"`
	Reasons      []string `json:"reasons,omitempty"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	OracleHealth float64  `json:"oracle_health"`
	SuccessRate  float64  `json:"success_rate"`
}

// Health evaluates the roll-up against the engine's latency budget:
// healthy unless average latency exceeds the budget, oracle health drops
// below 0.7, or the success rate drops below 0.95.
func (r *Recorder) Health(maxTotal time.Duration) Health {
	s := r.Snapshot()
	h := Health{
		Healthy:      true,
		AvgLatencyMs: s.AvgTotalMs,
		OracleHealth: s.OracleHealth,
		SuccessRate:  s.SuccessRate,
	}
	budgetMs := float64(maxTotal) / float64(time.Millisecond)
	if s.AvgTotalMs > budgetMs {
		h.Healthy = false
		h.Reasons = append(h.Reasons, "avg_latency_above_budget")
	}
	if s.OracleHealth < 0.7 {
		h.Healthy = false
		h.Reasons = append(h.Reasons, "oracle_health_low")
	}
	if s.SuccessRate < 0.95 {
		h.Healthy = false
		h.Reasons = append(h.Reasons, "success_rate_low")
	}
	return h
}

func systemFailure(violations []string) bool {
	return model.HasViolation(violations, model.ViolationOverloaded) ||
		model.HasViolation(violations, model.ViolationInternalError)
}

func ema(prior, sample float64) float64 {
	if prior == 0 {
		return sample
	}
	return prior*(1-alpha) + sample*alpha
}
