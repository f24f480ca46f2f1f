package trustwrapper

import (
	"context"
	"time"
)

// Source is an external price feed. When provided via WithSource, it is
// registered under its ID and participates in the oracle fan-out for
// matching entries in TW_ORACLE_SOURCES.
//
// Fetch must honour ctx cancellation and deadline, and must return an error
// rather than fabricate defaults when the upstream responds with malformed
// data.
type Source interface {
	ID() string
	Fetch(ctx context.Context, pair string, at time.Time) (Quote, error)
}

// Attester generates attestation strings over the disclosed view.
// When provided via WithAttester, replaces the built-in hash-commitment
// generator — e.g. with a real proof system.
type Attester interface {
	Attest(ctx context.Context, view AttestationView) (string, error)
}

// AuditSink receives one record per verification verdict.
// When provided via WithAuditSink, replaces the configured sink. Append is
// best-effort from the engine's perspective: failures are logged, never
// surfaced to the verification caller.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
	Close() error
}
