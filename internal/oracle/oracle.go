// Package oracle implements the multi-source price oracle risk manager:
// bounded parallel fan-out to external feeds, weighted-median consensus,
// deviation classification, and per-source health tracking.
package oracle

import (
	"context"
	"time"
)

// Quote is a single raw price observation from one source. Sources return
// quotes as observed; consensus interpretation is the manager's job.
type Quote struct {
	SourceID   string    `json:"source_id"`
	Pair       string    `json:"pair"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// Source is one external price feed. Fetch must honour ctx cancellation and
// deadline, cancelling any in-flight I/O, and must return an error rather
// than fabricate defaults when the upstream responds with malformed data.
type Source interface {
	ID() string
	Fetch(ctx context.Context, pair string, at time.Time) (Quote, error)
}

// SourceStatus is the manager's view of a source's health.
type SourceStatus string

const (
	StatusHealthy     SourceStatus = "healthy"
	StatusDegraded    SourceStatus = "degraded"
	StatusFailed      SourceStatus = "failed"
	StatusUnreachable SourceStatus = "unreachable"
)

// Classification describes the shape of the collected quotes.
type Classification string

const (
	ClassNormal                Classification = "normal"
	ClassVolatile              Classification = "volatile"
	ClassSuspectedManipulation Classification = "suspected_manipulation"
	ClassInsufficientSources   Classification = "insufficient_sources"
)

// Verdict is the manager's fused answer for one pair at one moment.
// ConsensusPrice is zero when Classification is insufficient_sources.
type Verdict struct {
	ConsensusPrice       float64        `json:"consensus_price"`
	MaxDeviation         float64        `json:"max_deviation"`
	ParticipatingSources []string       `json:"participating_sources,omitempty"`
	SourceCount          int            `json:"source_count"`
	HealthScore          float64        `json:"health_score"`
	Classification       Classification `json:"classification"`
}

// Degraded reports whether the verdict should fail a claim that required
// price context.
func (v Verdict) Degraded() bool {
	return v.Classification == ClassSuspectedManipulation || v.Classification == ClassInsufficientSources
}

// IntegrityVerified reports whether the verdict is trustworthy enough for
// compliance predicates that require verified oracle integrity.
func (v Verdict) IntegrityVerified() bool {
	return !v.Degraded()
}

// SourceInfo is a read-only snapshot of one source's rolling stats,
// surfaced through the stats endpoint and health roll-up.
type SourceInfo struct {
	ID           string       `json:"id"`
	Status       SourceStatus `json:"status"`
	Weight       float64      `json:"weight"`
	Successes    int64        `json:"successes"`
	Failures     int64        `json:"failures"`
	EMALatencyMs float64      `json:"ema_latency_ms"`
	LastSuccess  time.Time    `json:"last_success,omitempty"`
}
