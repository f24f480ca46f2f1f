package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8170, cfg.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.MaxTotal)
	assert.Equal(t, 5*time.Millisecond, cfg.OverheadMargin)
	assert.Equal(t, 10000, cfg.CacheCapacity)
	assert.Equal(t, 2, cfg.MinSources)
	assert.Equal(t, 0.005, cfg.DevNormal)
	assert.Equal(t, 0.02, cfg.DevWarn)
	assert.Equal(t, 0.10, cfg.DevManip)
	assert.Equal(t, "memory", cfg.AuditSink)
	assert.Empty(t, cfg.APIKeys)
	assert.Empty(t, cfg.Sources)
}

func TestLoadParsesOracleSources(t *testing.T) {
	t.Setenv("TW_ORACLE_SOURCES", `[
		{"id":"chainlink","weight":0.4,"declared_reliability":0.99,"per_source_timeout_ms":20,"url":"https://feeds.example.com/{pair}","price_field":"price"},
		{"id":"band","weight":0.3,"declared_reliability":0.95,"per_source_timeout_ms":25,"url":"https://band.example.com/{pair}","price_field":"px"}
	]`)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "chainlink", cfg.Sources[0].ID)
	assert.Equal(t, 0.4, cfg.Sources[0].Weight)
	assert.Equal(t, 20, cfg.Sources[0].TimeoutMs)
	assert.Equal(t, "px", cfg.Sources[1].PriceField)
}

func TestLoadFailsOnMalformedSources(t *testing.T) {
	t.Setenv("TW_ORACLE_SOURCES", `{not json`)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TW_ORACLE_SOURCES")
}

func TestLoadParsesAPIKeys(t *testing.T) {
	t.Setenv("TW_API_KEYS", "trader-1:s3cret, trader-2:other, malformed-entry")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"trader-1": "s3cret",
		"trader-2": "other",
	}, cfg.APIKeys)
}

func TestValidateRejectsBadThresholdOrdering(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.DevWarn = 0.001 // below DevNormal
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviation thresholds")
}

func TestValidateRejectsZeroNormalThreshold(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.DevNormal = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownAuditSink(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.AuditSink = "postgres"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TW_AUDIT_SINK")
}

func TestValidateRejectsDuplicateSourceIDs(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sources = []SourceSpec{
		{ID: "a", Weight: 0.5, DeclaredReliability: 0.9, TimeoutMs: 20},
		{ID: "a", Weight: 0.5, DeclaredReliability: 0.9, TimeoutMs: 20},
	}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate oracle source")
}

func TestValidateRejectsOutOfRangeWeight(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sources = []SourceSpec{
		{ID: "a", Weight: 1.5, DeclaredReliability: 0.9, TimeoutMs: 20},
	}
	require.Error(t, cfg.Validate())
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("TW_CACHE_CAPACITY", "not-a-number")
	t.Setenv("TW_RESULT_TTL", "five minutes")
	t.Setenv("TW_RATE_LIMIT_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.CacheCapacity)
	assert.Equal(t, 5*time.Minute, cfg.ResultTTL)
	assert.True(t, cfg.RateLimitEnabled)
}

func TestEnvListTrimsEntries(t *testing.T) {
	t.Setenv("TW_PROTOCOL_DENY_LIST", " ponzi-swap , , rug-farm ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ponzi-swap", "rug-farm"}, cfg.ProtocolDenyList)
}
