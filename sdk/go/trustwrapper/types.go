package trustwrapper

import "time"

// Claim kinds accepted by the gateway.
const (
	KindTradingDecision  = "trading_decision"
	KindPerformanceClaim = "performance_claim"
	KindDeFiStrategy     = "defi_strategy"
	KindRiskCompliance   = "risk_compliance"
	KindGeneric          = "generic"
)

// Verification statuses returned by the gateway.
const (
	StatusVerified    = "verified"
	StatusFailed      = "failed"
	StatusNeedsReview = "needs_review"
	StatusPending     = "pending"
)

// Risk grades returned by the gateway.
const (
	GradeLow      = "low"
	GradeMedium   = "medium"
	GradeHigh     = "high"
	GradeCritical = "critical"
)

// VerifyRequest is the input for Client.Verify.
type VerifyRequest struct {
	// RequestID is an optional caller-supplied identifier. The server
	// generates one when empty.
	RequestID string `json:"request_id,omitempty"`

	// Kind selects the rule set applied to the payload. See the Kind*
	// constants.
	Kind string `json:"kind"`

	// Payload is the claim body, shaped per kind.
	Payload map[string]any `json:"payload"`

	// PreservePrivacy requests an attestation and suppresses raw claim
	// figures in diagnostics.
	PreservePrivacy bool `json:"preserve_privacy,omitempty"`

	// OracleSources restricts the oracle fan-out to these source IDs.
	OracleSources []string `json:"oracle_sources,omitempty"`

	// Compliance lists framework tags to evaluate (SOC2, ISO27001, GDPR).
	Compliance []string `json:"compliance,omitempty"`
}

// VerifyResult is the gateway's verdict on one claim.
type VerifyResult struct {
	RequestID      string          `json:"request_id"`
	Status         string          `json:"status"`
	Confidence     float64         `json:"confidence"`
	RiskGrade      string          `json:"risk_grade"`
	RiskScore      float64         `json:"risk_score"`
	Violations     []string        `json:"violations,omitempty"`
	OracleHealth   float64         `json:"oracle_health"`
	LocalLatency   int64           `json:"local_latency_ns"`
	TotalLatency   int64           `json:"total_latency_ns"`
	Attestation    string          `json:"attestation,omitempty"`
	Recommendation []string        `json:"recommendations,omitempty"`
	Compliance     map[string]bool `json:"compliance,omitempty"`
	Details        map[string]any  `json:"details,omitempty"`
}

// Verified reports whether the claim passed all checks.
func (r *VerifyResult) Verified() bool { return r.Status == StatusVerified }

// FromCache reports whether the result was served from the gateway's
// result cache rather than freshly computed.
func (r *VerifyResult) FromCache() bool {
	if r.Details == nil {
		return false
	}
	v, _ := r.Details["from_cache"].(bool)
	return v
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Version string         `json:"version"`
	Health  map[string]any `json:"health"`
	Sources []SourceInfo   `json:"sources,omitempty"`
}

// SourceInfo describes one oracle source's health as seen by the gateway.
type SourceInfo struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Weight       float64    `json:"weight"`
	Successes    int64      `json:"successes"`
	Failures     int64      `json:"failures"`
	EMALatencyMs float64    `json:"ema_latency_ms"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
}

// StatsResponse is the output of Client.Stats.
type StatsResponse struct {
	Verifications map[string]any `json:"verifications"`
	Cache         map[string]any `json:"cache"`
	Sources       []SourceInfo   `json:"sources,omitempty"`
}

// AuditRecord is one entry of the gateway's audit trail.
type AuditRecord struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	RiskGrade       string    `json:"risk_grade"`
	RiskScore       float64   `json:"risk_score"`
	Violations      []string  `json:"violations,omitempty"`
	PreservePrivacy bool      `json:"preserve_privacy"`
	Attested        bool      `json:"attested"`
	CreatedAt       time.Time `json:"created_at"`
}
