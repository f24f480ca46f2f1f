package trustwrapper

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the class of claim submitted for verification.
type Kind string

const (
	KindTradingDecision  Kind = "trading_decision"
	KindPerformanceClaim Kind = "performance_claim"
	KindDeFiStrategy     Kind = "defi_strategy"
	KindRiskCompliance   Kind = "risk_compliance"
	KindGeneric          Kind = "generic"
)

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

// Request is one verification request.
// It is a curated view of the internal request type for use in extension
// interfaces and embedded deployments. No internal package imports — safe to
// use from outside the module.
type Request struct {
	// RequestID is the caller's opaque identifier; generated when empty.
	RequestID string
	Kind      Kind
	// Payload is the raw claim body, shaped per Kind.
	Payload map[string]any
	// PreservePrivacy requests an attestation and suppresses raw claim
	// figures in diagnostics.
	PreservePrivacy bool
	// OracleSources restricts the oracle fan-out to these source IDs.
	OracleSources []string
	// Compliance lists framework tags to evaluate (e.g. "SOC2", "GDPR").
	Compliance []string
}

// Result is the outcome of one verification.
type Result struct {
	RequestID       string
	Status          Status
	Confidence      float64
	RiskGrade       RiskGrade
	RiskScore       float64
	Violations      []string
	OracleHealth    float64
	LocalLatency    time.Duration
	TotalLatency    time.Duration
	Attestation     string
	Recommendations []string
	Compliance      map[string]bool
	Details         map[string]any
}

// Quote is a single raw price observation from one oracle source.
type Quote struct {
	Pair       string
	Price      float64
	Confidence float64
	ObservedAt time.Time
}

// AttestationView is the minimum disclosure an attestation commits to.
type AttestationView struct {
	RequestID  string
	Status     Status
	RiskGrade  RiskGrade
	Compliance map[string]bool
}

// AuditRecord is one audit trail entry: verdict metadata only, never payloads.
type AuditRecord struct {
	ID              uuid.UUID
	RequestID       string
	Kind            Kind
	Status          Status
	RiskGrade       RiskGrade
	RiskScore       float64
	Violations      []string
	PreservePrivacy bool
	Attested        bool
	CreatedAt       time.Time
}
