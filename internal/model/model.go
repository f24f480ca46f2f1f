// Package model defines the verification data model: claim kinds, typed
// payload variants, the violation taxonomy, and request/result values
// exchanged between the engine and its subsystems.
package model

import "time"

// Kind identifies the class of claim submitted for verification.
type Kind string

const (
	KindTradingDecision  Kind = "trading_decision"
	KindPerformanceClaim Kind = "performance_claim"
	KindDeFiStrategy     Kind = "defi_strategy"
	KindRiskCompliance   Kind = "risk_compliance"
	KindGeneric          Kind = "generic"
)

// KnownKind reports whether k is one of the supported claim kinds.
func KnownKind(k Kind) bool {
	switch k {
	case KindTradingDecision, KindPerformanceClaim, KindDeFiStrategy, KindRiskCompliance, KindGeneric:
		return true
	}
	return false
}

// OracleRequired reports whether claims of kind k need price context from
// the oracle risk manager.
func OracleRequired(k Kind) bool {
	return k == KindTradingDecision || k == KindDeFiStrategy
}

// Status is the final verdict of a verification.
type Status string

const (
	StatusVerified    Status = "verified"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusPending     Status = "pending"
)

// RiskGrade buckets a risk score into a coarse grade.
type RiskGrade string

const (
	RiskLow      RiskGrade = "low"
	RiskMedium   RiskGrade = "medium"
	RiskHigh     RiskGrade = "high"
	RiskCritical RiskGrade = "critical"
)

// GradeRisk maps a risk score in [0,1] onto a grade using the
// {0.2, 0.5, 0.8} thresholds.
func GradeRisk(score float64) RiskGrade {
	switch {
	case score < 0.2:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.8:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// MaxRequestIDLen bounds the opaque request_id field.
const MaxRequestIDLen = 64

// Request is an immutable verification request. Payload is the raw decoded
// JSON object; the verifier decodes it into a typed variant once per pass.
type Request struct {
	RequestID       string         `json:"request_id"`
	Kind            Kind           `json:"kind"`
	Payload         map[string]any `json:"payload"`
	CreatedAt       int64          `json:"created_at"` // monotonic nanoseconds
	PreservePrivacy bool           `json:"preserve_privacy"`
	OracleSources   []string       `json:"oracle_sources,omitempty"`
	Compliance      []string       `json:"compliance,omitempty"`
}

// Validate checks the request-level invariants. Payload conformance is the
// verifier's job; this only rejects requests that no component should see.
func (r Request) Validate() []string {
	var v []string
	if len(r.RequestID) > MaxRequestIDLen {
		v = appendViolation(v, ViolationInvalidRequest)
	}
	if r.CreatedAt == 0 {
		v = appendViolation(v, ViolationInvalidRequest)
	}
	if !KnownKind(r.Kind) {
		v = appendViolation(v, ViolationUnknownKind)
	}
	return v
}

// Result is the immutable outcome of a verification.
type Result struct {
	RequestID       string          `json:"request_id"`
	Status          Status          `json:"status"`
	Confidence      float64         `json:"confidence"`
	RiskGrade       RiskGrade       `json:"risk_grade"`
	RiskScore       float64         `json:"risk_score"`
	Violations      []string        `json:"violations,omitempty"`
	OracleHealth    float64         `json:"oracle_health"`
	LocalLatency    time.Duration   `json:"local_latency_ns"`
	TotalLatency    time.Duration   `json:"total_latency_ns"`
	Attestation     string          `json:"attestation,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Compliance      map[string]bool `json:"compliance,omitempty"`
	Details         map[string]any  `json:"details,omitempty"`
}

// Clone returns a deep-enough copy: cached results are shared between
// requests, so callers must never mutate a Result they did not clone.
func (r Result) Clone() Result {
	out := r
	out.Violations = append([]string(nil), r.Violations...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	if r.Compliance != nil {
		out.Compliance = make(map[string]bool, len(r.Compliance))
		for k, v := range r.Compliance {
			out.Compliance[k] = v
		}
	}
	if r.Details != nil {
		out.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			out.Details[k] = v
		}
	}
	return out
}

// LocalResult is the deterministic output of the local verifier.
type LocalResult struct {
	Valid           bool           `json:"valid"`
	Confidence      float64        `json:"confidence"`
	Violations      []string       `json:"violations,omitempty"`
	RiskScore       float64        `json:"risk_score"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// appendViolation appends tag to set iff it is not already present,
// preserving detection order.
func appendViolation(set []string, tag string) []string {
	for _, t := range set {
		if t == tag {
			return set
		}
	}
	return append(set, tag)
}

// AppendViolation is the exported form used by the verifier and engine.
func AppendViolation(set []string, tag string) []string {
	return appendViolation(set, tag)
}

// HasViolation reports whether set contains tag.
func HasViolation(set []string, tag string) bool {
	for _, t := range set {
		if t == tag {
			return true
		}
	}
	return false
}
