package trustwrapper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	// Pin the environment so ambient TW_* variables cannot leak into the test.
	t.Setenv("TW_ORACLE_SOURCES", "")
	t.Setenv("TW_API_KEYS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("TW_AUDIT_SINK", "memory")
	t.Setenv("TW_RATE_LIMIT_ENABLED", "false")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(append([]Option{WithLogger(logger), WithVersion("test")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func TestAppVerifyInProcess(t *testing.T) {
	app := newTestApp(t)

	res := app.Verify(context.Background(), Request{
		RequestID: "req-1",
		Kind:      KindGeneric,
		Payload:   map[string]any{"price": 100.5, "note": "ok"},
	})

	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, StatusVerified, res.Status)
	assert.Equal(t, RiskLow, res.RiskGrade)
	assert.Empty(t, res.Violations)
}

func TestAppVerifyPrivacyAttestation(t *testing.T) {
	t.Setenv("TW_ATTESTATION_SECRET", "test-secret")
	app := newTestApp(t)

	res := app.Verify(context.Background(), Request{
		RequestID:       "req-1",
		Kind:            KindGeneric,
		Payload:         map[string]any{"price": 100.5, "note": "ok"},
		PreservePrivacy: true,
		Compliance:      []string{"SOC2", "GDPR"},
	})

	assert.Equal(t, StatusVerified, res.Status)
	assert.Equal(t, map[string]bool{"SOC2": true, "GDPR": true}, res.Compliance)
	assert.NotEmpty(t, res.Attestation)
}

func TestAppHandlerServesHealth(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "test", body.Data["version"])
}

func TestAppWithExternalAttester(t *testing.T) {
	app := newTestApp(t, WithAttester(staticAttester{}))

	res := app.Verify(context.Background(), Request{
		RequestID:       "req-1",
		Kind:            KindGeneric,
		Payload:         map[string]any{"price": 100.5, "note": "ok"},
		PreservePrivacy: true,
	})
	assert.Equal(t, "ext.attestation", res.Attestation)
}

type staticAttester struct{}

func (staticAttester) Attest(_ context.Context, view AttestationView) (string, error) {
	return "ext.attestation", nil
}

func TestAppWithExternalAuditSink(t *testing.T) {
	sink := &collectingSink{}
	app := newTestApp(t, WithAuditSink(sink))

	app.Verify(context.Background(), Request{
		RequestID: "req-1",
		Kind:      KindGeneric,
		Payload:   map[string]any{"price": 100.5, "note": "ok"},
	})

	require.Len(t, sink.records, 1)
	assert.Equal(t, "req-1", sink.records[0].RequestID)
	assert.Equal(t, KindGeneric, sink.records[0].Kind)
}

type collectingSink struct {
	records []AuditRecord
}

func (s *collectingSink) Append(_ context.Context, rec AuditRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *collectingSink) Close() error { return nil }

// feedSource is a programmatic oracle source registered without any
// TW_ORACLE_SOURCES entry.
type feedSource struct {
	price float64
}

func (feedSource) ID() string { return "test-feed" }

func (s feedSource) Fetch(_ context.Context, pair string, _ time.Time) (Quote, error) {
	return Quote{Pair: pair, Price: s.price, Confidence: 1, ObservedAt: time.Now()}, nil
}

func TestAppWithSourceJoinsFanOutWithoutConfigEntry(t *testing.T) {
	t.Setenv("TW_MIN_SOURCES", "1")
	app := newTestApp(t, WithSource(feedSource{price: 100}))

	res := app.Verify(context.Background(), Request{
		RequestID: "req-1",
		Kind:      KindTradingDecision,
		Payload: map[string]any{
			"pair":      "BTC/USD",
			"action":    "buy",
			"amount":    1.0,
			"price":     100.0,
			"timestamp": float64(time.Now().Unix()),
		},
	})

	assert.Equal(t, StatusVerified, res.Status)
	assert.Empty(t, res.Violations)
	assert.Equal(t, 1, res.Details["oracle_source_count"], "option source must feed the oracle verdict")
}

func TestAppRunStopsOnContextCancel(t *testing.T) {
	app := newTestApp(t, WithPort(18171))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
