// Package engine orchestrates one verification: admission, caching, the
// parallel local/oracle race against the latency budget, risk synthesis,
// compliance evaluation, attestation, and audit.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shinrai-ai/trustwrapper/internal/attest"
	"github.com/shinrai-ai/trustwrapper/internal/audit"
	"github.com/shinrai-ai/trustwrapper/internal/cache"
	"github.com/shinrai-ai/trustwrapper/internal/metrics"
	"github.com/shinrai-ai/trustwrapper/internal/model"
	"github.com/shinrai-ai/trustwrapper/internal/oracle"
	"github.com/shinrai-ai/trustwrapper/internal/verifier"
)

// Compliance frameworks the engine knows how to evaluate. Unknown frameworks
// always evaluate to false rather than silently passing.
const (
	FrameworkSOC2     = "SOC2"
	FrameworkISO27001 = "ISO27001"
	FrameworkGDPR     = "GDPR"
)

// Config holds the engine's orchestration parameters. internal/config
// supplies validated values.
type Config struct {
	MaxTotal           time.Duration // hard end-to-end deadline; <= 0 sheds all load
	OverheadMargin     time.Duration // reserved out of MaxTotal for fuse/attest/bookkeeping
	MaxInflight        int           // admission cap
	ResultTTL          time.Duration
	FingerprintWindow  time.Duration
	DevNormal          float64  // deviation considered noise in risk synthesis
	RequiredCompliance []string // frameworks evaluated on every request
}

// Engine composes the verification pipeline. Safe for concurrent use.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	results  *cache.Cache
	oracle   *oracle.Manager // nil when no sources are configured
	verifier *verifier.Verifier
	attester attest.Attester
	metrics  *metrics.Recorder
	auditor  audit.Sink // nil disables the trail
	clock    func() time.Time
	inflight atomic.Int64
}

// New wires the pipeline. results must be non-nil; oracle and auditor are
// optional.
func New(cfg Config, logger *slog.Logger, results *cache.Cache, mgr *oracle.Manager,
	ver *verifier.Verifier, att attest.Attester, rec *metrics.Recorder, sink audit.Sink,
	clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		results:  results,
		oracle:   mgr,
		verifier: ver,
		attester: att,
		metrics:  rec,
		auditor:  sink,
		clock:    clock,
	}
}

// Verify runs the full pipeline for one request. It never returns an error:
// every failure mode is a Result with the appropriate status and violations.
func (e *Engine) Verify(ctx context.Context, req model.Request) model.Result {
	start := e.clock()

	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	if e.cfg.MaxTotal <= 0 || int(n) > e.cfg.MaxInflight {
		res := e.systemFailure(req, model.ViolationOverloaded, start)
		e.metrics.Record(ctx, res)
		return res
	}

	if violations := req.Validate(); len(violations) > 0 {
		res := e.rejected(req, violations, start)
		e.metrics.Record(ctx, res)
		e.appendAudit(req, res)
		return res
	}

	fp := model.Fingerprint(req, start, e.cfg.FingerprintWindow)

	computed := false
	v, err := e.results.GetOrCompute(ctx, "result:"+fp, e.cfg.ResultTTL, func(ctx context.Context) (any, error) {
		computed = true
		return e.computeSafe(ctx, req, start)
	})
	if err != nil {
		res := e.systemFailure(req, model.ViolationInternalError, start)
		e.metrics.Record(ctx, res)
		e.appendAudit(req, res)
		return res
	}

	res := v.(model.Result)
	if !computed {
		// Shared with another request: hand back a private copy stamped with
		// this caller's identity. Latencies stay those of the original
		// computation so callers can see what the verdict actually cost.
		res = res.Clone()
		res.RequestID = req.RequestID
		if res.Details == nil {
			res.Details = map[string]any{}
		}
		res.Details["from_cache"] = true
	}
	e.metrics.Record(ctx, res)
	return res
}

// computeSafe isolates one computation behind a panic barrier so a bad
// payload can never take down the process or poison the cache.
func (e *Engine) computeSafe(ctx context.Context, req model.Request, start time.Time) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("verification panic",
				"request_id", req.RequestID, "kind", string(req.Kind), "panic", r)
			err = fmt.Errorf("engine: verification panic: %v", r)
		}
	}()
	return e.compute(ctx, req, start), nil
}

func (e *Engine) compute(ctx context.Context, req model.Request, start time.Time) model.Result {
	deadline := start.Add(e.cfg.MaxTotal)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Oracle fan-out starts before the local pass so the two run in
	// parallel inside the same budget.
	var verdictCh chan oracle.Verdict
	var oracleCancel context.CancelFunc
	useOracle := e.oracle != nil && model.OracleRequired(req.Kind)
	if useOracle {
		pair, at, ok := oracleTarget(req.Kind, req.Payload, start)
		if !ok {
			useOracle = false
		} else {
			budget := e.cfg.MaxTotal - e.cfg.OverheadMargin
			if budget <= 0 {
				budget = e.cfg.MaxTotal
			}
			var octx context.Context
			octx, oracleCancel = context.WithTimeout(ctx, budget)
			defer oracleCancel()
			verdictCh = make(chan oracle.Verdict, 1)
			go func() {
				verdictCh <- e.oracle.VerifyAllowed(octx, pair, at, req.OracleSources)
			}()
		}
	}

	localStart := e.clock()
	local := e.verifier.Verify(req.Kind, req.Payload, nil, start, req.PreservePrivacy)
	localLatency := e.clock().Sub(localStart)

	var verdict *oracle.Verdict
	if useOracle {
		if !local.Valid {
			// The claim fails regardless of what the oracle says; stop
			// paying for the fan-out.
			oracleCancel()
			<-verdictCh
		} else {
			v, timedOut := e.awaitVerdict(verdictCh, oracleCancel, deadline)
			verdict = &v
			// Re-apply the rules with price context so oracle-derived
			// violations and diagnostics land in the result.
			local = e.verifier.Verify(req.Kind, req.Payload, verdict, start, req.PreservePrivacy)
			if timedOut {
				local.Violations = model.AppendViolation(local.Violations, model.ViolationHighOracleLatency)
			}
			if v.Classification == oracle.ClassInsufficientSources {
				local.Violations = model.AppendViolation(local.Violations, model.ViolationInsufficientOracleSource)
			}
		}
	}

	return e.finish(ctx, req, local, verdict, localLatency, start)
}

// awaitVerdict waits for the fan-out until margin before the hard deadline.
// On timeout it cancels the fan-out and collects the manager's verdict, which
// scores health by the sources that answered before the cut. Only if even the
// cancelled fan-out fails to return within the remaining margin does it fall
// back to a synthesized zero-health verdict.
func (e *Engine) awaitVerdict(ch <-chan oracle.Verdict, cancel context.CancelFunc, deadline time.Time) (oracle.Verdict, bool) {
	wait := deadline.Add(-e.cfg.OverheadMargin).Sub(e.clock())
	if wait <= 0 {
		wait = time.Nanosecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, false
	case <-timer.C:
	}

	cancel()
	grace := e.cfg.OverheadMargin / 2
	if grace < time.Millisecond {
		grace = time.Millisecond
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-graceTimer.C:
		return oracle.Verdict{
			MaxDeviation:   1,
			Classification: oracle.ClassInsufficientSources,
		}, true
	}
}

// finish synthesizes risk, decides status, evaluates compliance, attests,
// and audits.
func (e *Engine) finish(ctx context.Context, req model.Request, local model.LocalResult,
	verdict *oracle.Verdict, localLatency time.Duration, start time.Time) model.Result {

	health := 1.0
	maxDev := 0.0
	if verdict != nil {
		health = verdict.HealthScore
		maxDev = verdict.MaxDeviation
	}

	risk := clamp01(local.RiskScore + 0.3*(1-health) + 0.5*max(0, maxDev-e.cfg.DevNormal))
	conf := clamp01(0.5*local.Confidence + 0.5*health - 0.3*risk)
	grade := model.GradeRisk(risk)

	details := local.Details
	if details == nil {
		details = map[string]any{}
	}
	if verdict != nil {
		details["oracle_source_count"] = verdict.SourceCount
		details["oracle_max_deviation"] = verdict.MaxDeviation
	}

	compliance := e.evaluateCompliance(req, details, verdict)

	status := model.StatusVerified
	switch {
	case grade == model.RiskCritical:
		status = model.StatusFailed
	case !local.Valid:
		status = model.StatusFailed
	case verdict != nil && verdict.Degraded():
		status = model.StatusFailed
	case hasUnmet(compliance):
		status = model.StatusNeedsReview
	case grade == model.RiskHigh:
		status = model.StatusNeedsReview
	}

	res := model.Result{
		RequestID:       req.RequestID,
		Status:          status,
		Confidence:      conf,
		RiskGrade:       grade,
		RiskScore:       risk,
		Violations:      local.Violations,
		OracleHealth:    health,
		LocalLatency:    localLatency,
		Recommendations: local.Recommendations,
		Compliance:      compliance,
		Details:         details,
	}

	if req.PreservePrivacy && e.attester != nil {
		att, err := e.attester.Attest(ctx, attest.View{
			RequestID:  req.RequestID,
			Status:     string(status),
			RiskGrade:  string(grade),
			Compliance: compliance,
		})
		if err != nil {
			e.logger.Error("attestation failed", "request_id", req.RequestID, "error", err)
		} else {
			res.Attestation = att
		}
	}

	res.TotalLatency = e.clock().Sub(start)
	e.appendAudit(req, res)
	return res
}

// evaluateCompliance checks each requested framework plus the globally
// required ones. Framework names are matched case-insensitively.
func (e *Engine) evaluateCompliance(req model.Request, details map[string]any, verdict *oracle.Verdict) map[string]bool {
	frameworks := map[string]string{} // canonical → as-requested
	for _, f := range e.cfg.RequiredCompliance {
		frameworks[strings.ToUpper(f)] = f
	}
	for _, f := range req.Compliance {
		frameworks[strings.ToUpper(f)] = f
	}
	if len(frameworks) == 0 {
		return nil
	}

	integrity, _ := details["data_integrity"].(bool)
	out := make(map[string]bool, len(frameworks))
	for canonical, name := range frameworks {
		var met bool
		switch canonical {
		case FrameworkSOC2:
			met = req.PreservePrivacy && e.auditor != nil
		case FrameworkISO27001:
			met = integrity && (verdict == nil || verdict.IntegrityVerified())
		case FrameworkGDPR:
			met = req.PreservePrivacy
		default:
			met = false
		}
		out[name] = met
	}
	return out
}

// rejected is the fast-fail path for requests that no subsystem should see.
func (e *Engine) rejected(req model.Request, violations []string, start time.Time) model.Result {
	risk := verifier.Score(violations)
	return model.Result{
		RequestID:    req.RequestID,
		Status:       model.StatusFailed,
		Confidence:   verifier.ConfidenceFor(risk),
		RiskGrade:    model.GradeRisk(risk),
		RiskScore:    risk,
		Violations:   violations,
		OracleHealth: 1,
		TotalLatency: e.clock().Sub(start),
	}
}

// systemFailure marks a verification the engine could not run at all. No
// claim was assessed, so the risk score stays zero; the status and violation
// carry the failure.
func (e *Engine) systemFailure(req model.Request, tag string, start time.Time) model.Result {
	return model.Result{
		RequestID:    req.RequestID,
		Status:       model.StatusFailed,
		Confidence:   0,
		RiskGrade:    model.GradeRisk(0),
		RiskScore:    0,
		Violations:   []string{tag},
		OracleHealth: 1,
		TotalLatency: e.clock().Sub(start),
	}
}

// appendAudit writes the trail entry. Best-effort: failures are logged and
// never change the verdict.
func (e *Engine) appendAudit(req model.Request, res model.Result) {
	if e.auditor == nil {
		return
	}
	rec := audit.Record{
		ID:              uuid.New(),
		RequestID:       req.RequestID,
		Kind:            string(req.Kind),
		Status:          string(res.Status),
		RiskGrade:       string(res.RiskGrade),
		RiskScore:       res.RiskScore,
		Violations:      res.Violations,
		PreservePrivacy: req.PreservePrivacy,
		Attested:        res.Attestation != "",
		CreatedAt:       e.clock(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.auditor.Append(ctx, rec); err != nil {
		e.logger.Error("audit append failed", "request_id", req.RequestID, "error", err)
	}
}

// CacheStats exposes the result cache counters for the stats endpoint.
func (e *Engine) CacheStats() cache.Stats { return e.results.Stats() }

// OracleSnapshot exposes per-source health, or nil when no oracle is wired.
func (e *Engine) OracleSnapshot() []oracle.SourceInfo {
	if e.oracle == nil {
		return nil
	}
	return e.oracle.Snapshot()
}

// FlushCache drops all cached results and quotes.
func (e *Engine) FlushCache() { e.results.Flush() }

// oracleTarget extracts the pair and reference time the fan-out should
// price. A claim without a usable pair skips the oracle; the schema
// violation surfaces through the rule engine instead.
func oracleTarget(kind model.Kind, raw map[string]any, now time.Time) (string, time.Time, bool) {
	payload, _ := model.Decode(kind, raw)
	switch p := payload.(type) {
	case model.TradingDecision:
		if p.Pair == "" {
			return "", time.Time{}, false
		}
		at := now
		if p.Timestamp > 0 {
			at = time.Unix(p.Timestamp, 0)
		}
		return p.Pair, at, true
	case model.DeFiStrategy:
		if p.Pair == "" {
			return "", time.Time{}, false
		}
		return p.Pair, now, true
	}
	return "", time.Time{}, false
}

func hasUnmet(compliance map[string]bool) bool {
	for _, met := range compliance {
		if !met {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
