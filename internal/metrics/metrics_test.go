package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shinrai-ai/trustwrapper/internal/model"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return r
}

func TestSnapshotAggregates(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.Record(ctx, model.Result{
		Status:       model.StatusVerified,
		OracleHealth: 1,
		LocalLatency: 2 * time.Millisecond,
		TotalLatency: 10 * time.Millisecond,
	})
	r.Record(ctx, model.Result{
		Status:       model.StatusFailed,
		Violations:   []string{model.ViolationRiskLimitExceeded},
		OracleHealth: 1,
		LocalLatency: 2 * time.Millisecond,
		TotalLatency: 10 * time.Millisecond,
	})

	s := r.Snapshot()
	assert.Equal(t, uint64(2), s.Total)
	assert.Equal(t, uint64(1), s.ByStatus["verified"])
	assert.Equal(t, uint64(1), s.ByStatus["failed"])
	assert.Equal(t, uint64(1), s.ByViolation[model.ViolationRiskLimitExceeded])
	assert.InDelta(t, 10.0, s.AvgTotalMs, 1e-9, "EMA seeds from the first sample")
	assert.Equal(t, 1.0, s.SuccessRate, "claim failures are not system failures")
}

func TestSuccessRateCountsSystemFailures(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.Record(ctx, model.Result{Status: model.StatusVerified, OracleHealth: 1})
	r.Record(ctx, model.Result{
		Status:     model.StatusFailed,
		Violations: []string{model.ViolationOverloaded},
	})

	s := r.Snapshot()
	assert.Equal(t, 0.5, s.SuccessRate)
}

func TestHealthHealthyByDefault(t *testing.T) {
	r := newRecorder(t)
	h := r.Health(50 * time.Millisecond)
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Reasons)
}

func TestHealthLatencyAboveBudget(t *testing.T) {
	r := newRecorder(t)
	r.Record(context.Background(), model.Result{
		Status:       model.StatusVerified,
		OracleHealth: 1,
		TotalLatency: 80 * time.Millisecond,
	})

	h := r.Health(50 * time.Millisecond)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reasons, "avg_latency_above_budget")
}

func TestHealthOracleDegraded(t *testing.T) {
	r := newRecorder(t)
	// Drive the oracle health EMA well below 0.7.
	for i := 0; i < 50; i++ {
		r.Record(context.Background(), model.Result{
			Status:       model.StatusVerified,
			OracleHealth: 0.1,
		})
	}

	h := r.Health(50 * time.Millisecond)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reasons, "oracle_health_low")
}

func TestHealthSuccessRateLow(t *testing.T) {
	r := newRecorder(t)
	for i := 0; i < 9; i++ {
		r.Record(context.Background(), model.Result{Status: model.StatusVerified, OracleHealth: 1})
	}
	r.Record(context.Background(), model.Result{
		Status:     model.StatusFailed,
		Violations: []string{model.ViolationInternalError},
		// Keep the oracle EMA out of the unhealthy band for this case.
		OracleHealth: 1,
	})

	h := r.Health(time.Minute)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Reasons, "success_rate_low")
}
