package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shinrai-ai/trustwrapper/internal/audit"
	"github.com/shinrai-ai/trustwrapper/internal/auth"
	"github.com/shinrai-ai/trustwrapper/internal/cache"
	"github.com/shinrai-ai/trustwrapper/internal/engine"
	"github.com/shinrai-ai/trustwrapper/internal/metrics"
	"github.com/shinrai-ai/trustwrapper/internal/model"
	"github.com/shinrai-ai/trustwrapper/internal/verifier"
)

type fixture struct {
	handler http.Handler
	sink    *audit.MemorySink
	rec     *metrics.Recorder
}

func newFixture(t *testing.T, mutate func(*ServerConfig)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	sink := audit.NewMemorySink(64)

	ver := verifier.New(verifier.Config{
		StaleAfter:           300 * time.Second,
		PerformanceThreshold: 0.05,
		WinRateTolerance:     0.1,
		PositionCap:          10000,
		SlippageLimit:        0.05,
		LeverageLimit:        3.0,
		DrawdownLimit:        0.2,
		StopLossLimit:        0.1,
		MaxFractionDigits:    8,
	})
	eng := engine.New(engine.Config{
		MaxTotal:          50 * time.Millisecond,
		OverheadMargin:    5 * time.Millisecond,
		MaxInflight:       32,
		ResultTTL:         time.Minute,
		FingerprintWindow: time.Minute,
		DevNormal:         0.005,
	}, logger, cache.New(256), nil, ver, nil, rec, sink, nil)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keyring, err := auth.NewKeyring(nil)
	require.NoError(t, err)

	cfg := ServerConfig{
		Engine:              eng,
		Metrics:             rec,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		AuditReader:         sink,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		MaxTotal:            50 * time.Millisecond,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{handler: New(cfg).Handler(), sink: sink, rec: rec}
}

// envelope matches both the success and error response shapes.
type envelope struct {
	Data  map[string]any `json:"data"`
	Error map[string]any `json:"error"`
	Meta  struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var env envelope
	if strings.Contains(rr.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	}
	return rr, env
}

func genericVerifyBody(requestID string) map[string]any {
	return map[string]any{
		"request_id": requestID,
		"kind":       "generic",
		"payload":    map[string]any{"price": 100.5, "note": "ok"},
	}
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodPost, "/v1/verify", "", genericVerifyBody("req-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "verified", env.Data["status"])
	assert.Equal(t, "req-1", env.Data["request_id"])
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestVerifyGeneratesRequestID(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodPost, "/v1/verify", "", map[string]any{
		"kind":    "generic",
		"payload": map[string]any{"price": 100.5, "note": "ok"},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, env.Data["request_id"])
}

func TestVerifyClaimFailureIsStillHTTP200(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodPost, "/v1/verify", "", map[string]any{
		"request_id": "req-1",
		"kind":       "performance_claim",
		"payload": map[string]any{
			"claimed": map[string]any{"roi": 0.50, "win_rate": 0.80},
			"actual":  map[string]any{"roi": 0.30, "win_rate": 0.55},
		},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "failed", env.Data["status"])
}

func TestVerifyMalformedBody(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, ErrCodeInvalidRequest, env.Error["code"])
}

func TestVerifyBodyTooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		cfg.MaxRequestBodyBytes = 64
	})

	body := genericVerifyBody("req-1")
	body["payload"] = map[string]any{"note": strings.Repeat("x", 256)}
	rr, env := f.do(t, http.MethodPost, "/v1/verify", "", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, ErrCodeInvalidRequest, env.Error["code"])
}

func TestAuthTokenFlow(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		kr, err := auth.NewKeyring(map[string]string{"trader-1": "sekret-key-123"})
		require.NoError(t, err)
		cfg.Keyring = kr
	})

	// Protected routes reject anonymous callers.
	rr, env := f.do(t, http.MethodGet, "/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, ErrCodeUnauthorized, env.Error["code"])

	// A malformed scheme is rejected before validation.
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong credentials do not get a token.
	rr, _ = f.do(t, http.MethodPost, "/auth/token", "", map[string]any{
		"client_id": "trader-1", "api_key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The real key exchanges for a JWT.
	rr, env = f.do(t, http.MethodPost, "/auth/token", "", map[string]any{
		"client_id": "trader-1", "api_key": "sekret-key-123",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	token, _ := env.Data["token"].(string)
	require.NotEmpty(t, token)

	// The JWT opens the protected routes.
	rr, _ = f.do(t, http.MethodGet, "/v1/stats", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Unauthenticated paths stay open.
	rr, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = f.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthTokenNotEnabled(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodPost, "/auth/token", "", map[string]any{
		"client_id": "trader-1", "api_key": "whatever",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, ErrCodeNotFound, env.Error["code"])
}

func TestAuthTokenMissingFields(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		kr, err := auth.NewKeyring(map[string]string{"trader-1": "sekret-key-123"})
		require.NoError(t, err)
		cfg.Keyring = kr
	})

	rr, _ := f.do(t, http.MethodPost, "/auth/token", "", map[string]any{"client_id": "trader-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test", env.Data["version"])
	require.Contains(t, env.Data, "health")
}

func TestHealthUnhealthyIs503(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.Record(context.Background(), model.Result{
		Status:       model.StatusFailed,
		Violations:   []string{model.ViolationInternalError},
		OracleHealth: 1,
	})

	rr, _ := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/verify", "", genericVerifyBody("req-1"))

	rr, env := f.do(t, http.MethodGet, "/v1/stats", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, env.Data, "verifications")
	require.Contains(t, env.Data, "cache")

	verifications := env.Data["verifications"].(map[string]any)
	assert.Equal(t, float64(1), verifications["total"])
}

func TestAuditRecentEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/verify", "", genericVerifyBody("req-1"))

	rr, env := f.do(t, http.MethodGet, "/v1/audit/recent", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	records := env.Data["records"].([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, "req-1", first["request_id"])
}

func TestAuditRecentLimitValidation(t *testing.T) {
	f := newFixture(t, nil)

	for _, limit := range []string{"0", "1001", "abc"} {
		rr, env := f.do(t, http.MethodGet, "/v1/audit/recent?limit="+limit, "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrCodeInvalidRequest, env.Error["code"])
	}
}

func TestAuditRecentDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		cfg.AuditReader = nil
	})

	rr, env := f.do(t, http.MethodGet, "/v1/audit/recent", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, ErrCodeNotFound, env.Error["code"])
}

func TestCacheFlushEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rr, env := f.do(t, http.MethodPost, "/v1/cache/flush", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, env.Data["flushed"])
}

func TestOpenAPISpecServed(t *testing.T) {
	f := newFixture(t, nil)

	rr, _ := f.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "openapi:")
}

func TestOpenAPISpecMissing(t *testing.T) {
	f := newFixture(t, func(cfg *ServerConfig) {
		cfg.OpenAPISpec = nil
	})

	rr, _ := f.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-42")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, "trace-me-42", rr.Header().Get("X-Request-ID"))
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, "trace-me-42", env.Meta.RequestID)
}
