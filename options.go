package trustwrapper

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port      int
	logger    *slog.Logger
	version   string
	sources   []Source
	attester  Attester
	auditSink AuditSink
	clock     func() time.Time
}

// WithPort overrides the TCP port from config (TW_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSource registers a programmatic oracle source implementation. The
// source always participates in the fan-out: a TW_ORACLE_SOURCES entry whose
// id matches Source.ID() supplies its weight and timeout, otherwise defaults
// apply. A programmatic source takes priority over the generic HTTP adapter
// for the same id. Multiple sources may be registered.
func WithSource(s Source) Option {
	return func(o *resolvedOptions) { o.sources = append(o.sources, s) }
}

// WithAttester replaces the built-in hash-commitment attestation generator.
// Only the last call wins.
func WithAttester(a Attester) Option {
	return func(o *resolvedOptions) { o.attester = a }
}

// WithAuditSink replaces the configured audit sink (TW_AUDIT_SINK).
// Only the last call wins.
func WithAuditSink(s AuditSink) Option {
	return func(o *resolvedOptions) { o.auditSink = s }
}

// WithClock overrides the time source. Intended for tests; production
// deployments should leave the default.
func WithClock(clock func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = clock }
}
