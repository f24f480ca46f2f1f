// Package config loads and validates application configuration from
// environment variables. Invalid values abort startup — no component ever
// sees an unvalidated config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SourceSpec is the static registration of one oracle source. Sources with
// a URL get the generic JSON HTTP adapter; sources without one must be
// injected programmatically by ID.
type SourceSpec struct {
	ID                  string  `json:"id"`
	Weight              float64 `json:"weight"`
	DeclaredReliability float64 `json:"declared_reliability"`
	TimeoutMs           int     `json:"per_source_timeout_ms"`
	URL                 string  `json:"url,omitempty"`
	PriceField          string  `json:"price_field,omitempty"`
	ConfidenceField     string  `json:"confidence_field,omitempty"`
	TimestampField      string  `json:"timestamp_field,omitempty"`
}

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Engine budgets.
	MaxTotal       time.Duration // hard per-request deadline
	LocalTarget    time.Duration // soft target for the local rule engine
	OverheadMargin time.Duration // reserved for fuse/attest/bookkeeping
	MaxInflight    int           // admission cap; excess requests fail fast

	// Result and quote cache settings.
	CacheCapacity     int
	ResultTTL         time.Duration
	QuoteTTL          time.Duration
	ErrorTTL          time.Duration
	FingerprintWindow time.Duration

	// Oracle consensus settings.
	MinSources          int
	DevNormal           float64
	DevWarn             float64
	DevManip            float64
	StalenessLimit      time.Duration
	FailedProbeCooldown time.Duration
	Sources             []SourceSpec

	// Rule-engine thresholds.
	StaleAfter           time.Duration
	PerformanceThreshold float64
	WinRateTolerance     float64
	PositionCap          float64
	SlippageLimit        float64
	LeverageLimit        float64
	DrawdownLimit        float64
	StopLossLimit        float64
	MaxFractionDigits    int
	ProtocolDenyList     []string

	// Compliance frameworks evaluated for every request in addition to
	// the tags each request carries.
	RequiredCompliance []string

	// Attestation settings. An empty secret generates a per-process salt.
	AttestationSecret string

	// Audit trail settings. Sink is "memory", "sqlite", or "off".
	AuditSink      string
	AuditDBPath    string
	AuditMemoryCap int

	// Auth settings for the REST transport. Empty APIKeys disables auth.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	APIKeys           map[string]string // key id → plaintext key, hashed at startup

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with the documented
// defaults, then validates.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TW_PORT", 8170),
		ReadTimeout:         envDuration("TW_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:        envDuration("TW_WRITE_TIMEOUT", 10*time.Second),
		MaxRequestBodyBytes: int64(envInt("TW_MAX_REQUEST_BODY_BYTES", 256*1024)),

		MaxTotal:       envDuration("TW_MAX_TOTAL", 50*time.Millisecond),
		LocalTarget:    envDuration("TW_LOCAL_TARGET", 10*time.Millisecond),
		OverheadMargin: envDuration("TW_OVERHEAD_MARGIN", 5*time.Millisecond),
		MaxInflight:    envInt("TW_MAX_INFLIGHT_REQUESTS", 1024),

		CacheCapacity:     envInt("TW_CACHE_CAPACITY", 10000),
		ResultTTL:         envDuration("TW_RESULT_TTL", 5*time.Minute),
		QuoteTTL:          envDuration("TW_QUOTE_TTL", 30*time.Second),
		ErrorTTL:          envDuration("TW_ERROR_TTL", 2*time.Second),
		FingerprintWindow: envDuration("TW_FINGERPRINT_WINDOW", time.Minute),

		MinSources:          envInt("TW_MIN_SOURCES", 2),
		DevNormal:           envFloat("TW_DEV_NORMAL", 0.005),
		DevWarn:             envFloat("TW_DEV_WARN", 0.02),
		DevManip:            envFloat("TW_DEV_MANIP", 0.10),
		StalenessLimit:      envDuration("TW_QUOTE_STALENESS_LIMIT", time.Minute),
		FailedProbeCooldown: envDuration("TW_FAILED_PROBE_COOLDOWN", 30*time.Second),

		StaleAfter:           envDuration("TW_TRADE_STALE_AFTER", 300*time.Second),
		PerformanceThreshold: envFloat("TW_PERFORMANCE_THRESHOLD", 0.05),
		WinRateTolerance:     envFloat("TW_WIN_RATE_TOLERANCE", 0.1),
		PositionCap:          envFloat("TW_POSITION_CAP", 10000),
		SlippageLimit:        envFloat("TW_SLIPPAGE_LIMIT", 0.05),
		LeverageLimit:        envFloat("TW_LEVERAGE_LIMIT", 3.0),
		DrawdownLimit:        envFloat("TW_DRAWDOWN_LIMIT", 0.2),
		StopLossLimit:        envFloat("TW_STOP_LOSS_LIMIT", 0.1),
		MaxFractionDigits:    envInt("TW_MAX_FRACTION_DIGITS", 8),
		ProtocolDenyList:     envList("TW_PROTOCOL_DENY_LIST", nil),

		RequiredCompliance: envList("TW_REQUIRED_COMPLIANCE", nil),

		AttestationSecret: envStr("TW_ATTESTATION_SECRET", ""),

		AuditSink:      envStr("TW_AUDIT_SINK", "memory"),
		AuditDBPath:    envStr("TW_AUDIT_DB_PATH", "trustwrapper-audit.db"),
		AuditMemoryCap: envInt("TW_AUDIT_MEMORY_CAPACITY", 1024),

		JWTPrivateKeyPath: envStr("TW_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("TW_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     envDuration("TW_JWT_EXPIRATION", 24*time.Hour),
		APIKeys:           envKeyMap("TW_API_KEYS"),

		RateLimitEnabled: envBool("TW_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     envFloat("TW_RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envInt("TW_RATE_LIMIT_BURST", 100),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "trustwrapper"),

		LogLevel: envStr("TW_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("TW_ORACLE_SOURCES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Sources); err != nil {
			return Config{}, fmt.Errorf("config: TW_ORACLE_SOURCES is not valid JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants on the loaded configuration.
func (c Config) Validate() error {
	if c.MaxTotal < 0 {
		return fmt.Errorf("config: TW_MAX_TOTAL must be >= 0")
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("config: TW_MAX_INFLIGHT_REQUESTS must be positive")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("config: TW_CACHE_CAPACITY must be positive")
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("config: TW_RESULT_TTL must be positive")
	}
	if c.MinSources < 1 {
		return fmt.Errorf("config: TW_MIN_SOURCES must be >= 1")
	}
	if !(c.DevNormal > 0 && c.DevNormal <= c.DevWarn && c.DevWarn <= c.DevManip) {
		return fmt.Errorf("config: deviation thresholds must satisfy 0 < normal <= warn <= manip (got %v, %v, %v)",
			c.DevNormal, c.DevWarn, c.DevManip)
	}
	if c.PerformanceThreshold <= 0 {
		return fmt.Errorf("config: TW_PERFORMANCE_THRESHOLD must be positive")
	}
	if c.PositionCap <= 0 {
		return fmt.Errorf("config: TW_POSITION_CAP must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TW_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.AuditSink {
	case "memory", "sqlite", "off":
	default:
		return fmt.Errorf("config: TW_AUDIT_SINK must be memory, sqlite, or off (got %q)", c.AuditSink)
	}
	if c.AuditSink == "sqlite" && c.AuditDBPath == "" {
		return fmt.Errorf("config: TW_AUDIT_DB_PATH is required when TW_AUDIT_SINK=sqlite")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("config: oracle source missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate oracle source id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Weight <= 0 || s.Weight > 1 {
			return fmt.Errorf("config: oracle source %q weight must be in (0,1]", s.ID)
		}
		if s.DeclaredReliability <= 0 || s.DeclaredReliability > 1 {
			return fmt.Errorf("config: oracle source %q declared_reliability must be in (0,1]", s.ID)
		}
		if s.TimeoutMs <= 0 {
			return fmt.Errorf("config: oracle source %q per_source_timeout_ms must be positive", s.ID)
		}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envList parses a comma-separated list, trimming whitespace.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// envKeyMap parses "id:key,id2:key2" into a map. Malformed entries are
// skipped rather than silently granting access.
func envKeyMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		id, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && id != "" && secret != "" {
			out[id] = secret
		}
	}
	return out
}
