// Package verifier is the deterministic in-process rule engine. Given a
// claim (and optionally an oracle verdict) it produces a LocalResult with
// violations, a risk score, and diagnostics — with no wall-clock reads, no
// randomness, and no map iteration order leaking into outputs: two runs
// with the same inputs yield byte-identical results.
package verifier

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shinrai-ai/trustwrapper/internal/model"
	"github.com/shinrai-ai/trustwrapper/internal/oracle"
)

// Config holds the rule thresholds. All fields must be set by the caller
// (internal/config supplies validated defaults).
type Config struct {
	StaleAfter           time.Duration // trade timestamp drift tolerance
	PerformanceThreshold float64       // allowed relative ROI deviation
	WinRateTolerance     float64       // allowed absolute win-rate deviation
	PositionCap          float64       // absolute position size cap
	SlippageLimit        float64       // max tolerated slippage_tolerance
	LeverageLimit        float64       // max tolerated leverage
	DrawdownLimit        float64       // max tolerated max_drawdown
	StopLossLimit        float64       // max tolerated stop_loss distance
	MaxFractionDigits    int           // precision heuristic for generic claims
	ProtocolDenyList     []string      // lowercase protocol names
}

// Verifier applies the per-kind rules. Stateless and safe for concurrent use.
type Verifier struct {
	cfg  Config
	deny map[string]bool
}

// New builds a Verifier from validated config.
func New(cfg Config) *Verifier {
	deny := make(map[string]bool, len(cfg.ProtocolDenyList))
	for _, p := range cfg.ProtocolDenyList {
		deny[strings.ToLower(p)] = true
	}
	return &Verifier{cfg: cfg, deny: deny}
}

// Verify decodes the raw payload and applies the rules for kind. The oracle
// verdict is optional; now is injected by the engine so time-dependent rules
// stay deterministic. preservePrivacy suppresses raw claim numbers in the
// diagnostic details.
func (v *Verifier) Verify(kind model.Kind, raw map[string]any, verdict *oracle.Verdict, now time.Time, preservePrivacy bool) model.LocalResult {
	payload, violations := model.Decode(kind, raw)
	schemaClean := len(violations) == 0
	details := map[string]any{}

	switch p := payload.(type) {
	case model.TradingDecision:
		violations = v.checkTrade(p, verdict, now, violations, details)
	case model.PerformanceClaim:
		violations = v.checkPerformance(p, violations, details, preservePrivacy)
	case model.DeFiStrategy:
		violations = v.checkStrategy(p, verdict, violations, details)
	case model.RiskProfile:
		violations = v.checkRiskProfile(p, violations, details)
	case model.GenericClaim:
		violations = v.checkGeneric(p, violations, details)
	}

	details["data_integrity"] = schemaClean && !hasSchemaViolation(violations)

	risk := riskScore(violations)
	return model.LocalResult{
		Valid:           len(violations) == 0,
		Confidence:      confidence(risk),
		Violations:      violations,
		RiskScore:       risk,
		Recommendations: recommendations(violations),
		Details:         details,
	}
}

func (v *Verifier) checkTrade(td model.TradingDecision, verdict *oracle.Verdict, now time.Time, violations []string, details map[string]any) []string {
	if td.Timestamp > 0 {
		drift := now.Unix() - td.Timestamp
		if drift < 0 {
			drift = -drift
		}
		// Compare in whole seconds: converting an arbitrary drift to a
		// Duration overflows int64 for timestamps far from now.
		if drift > int64(v.cfg.StaleAfter/time.Second) {
			violations = model.AppendViolation(violations, model.ViolationStaleTradeData)
		}
	}

	if td.Amount > 0 && td.Price > 0 {
		position := td.Amount * td.Price
		details["position_value"] = position
		maxPosition := v.cfg.PositionCap
		if td.Strategy != nil && td.Strategy.MaxPosition > 0 {
			maxPosition = td.Strategy.MaxPosition
		}
		if position > maxPosition {
			violations = model.AppendViolation(violations, model.ViolationRiskLimitExceeded)
		}
	}

	if td.Strategy != nil && td.Action != "" {
		if allowed, constrained := strategyAllowedAction(td.Strategy.Type); constrained && allowed != td.Action {
			violations = model.AppendViolation(violations, model.ViolationStrategyDeviation)
		}
	}

	return applyOracleRules(verdict, violations, details)
}

func (v *Verifier) checkPerformance(pc model.PerformanceClaim, violations []string, details map[string]any, preservePrivacy bool) []string {
	// Only evaluate when both sides decoded.
	if model.HasViolation(violations, model.InvalidFieldViolation("claimed")) ||
		model.HasViolation(violations, model.InvalidFieldViolation("actual")) {
		return violations
	}

	const epsilon = 1e-9
	roiBase := math.Max(math.Abs(pc.Claimed.ROI), epsilon)
	roiDelta := math.Abs(pc.Claimed.ROI-pc.Actual.ROI) / roiBase
	if roiDelta > v.cfg.PerformanceThreshold {
		violations = model.AppendViolation(violations, model.ViolationPerformanceMismatch)
	}

	winRateDelta := math.Abs(pc.Claimed.WinRate - pc.Actual.WinRate)
	if winRateDelta > v.cfg.WinRateTolerance {
		violations = model.AppendViolation(violations, model.ViolationWinRateMismatch)
	}

	if pc.Claimed.ROI > 5.0 || pc.Claimed.WinRate > 0.95 {
		violations = model.AppendViolation(violations, model.ViolationSuspiciousPattern)
	}
	if pc.Claimed.ROI > 0 && pc.Actual.ROI < 0 {
		violations = model.AppendViolation(violations, model.ViolationSuspiciousPattern)
	}

	// Diagnostics are aggregates only. The raw claimed/actual figures are
	// never echoed here when the caller asked for privacy.
	details["roi_delta"] = roiDelta
	details["win_rate_delta"] = winRateDelta
	details["roi_consistent"] = roiDelta <= v.cfg.PerformanceThreshold
	details["win_rate_consistent"] = winRateDelta <= v.cfg.WinRateTolerance
	if !preservePrivacy {
		details["claimed_roi"] = pc.Claimed.ROI
		details["actual_roi"] = pc.Actual.ROI
	}
	return violations
}

func (v *Verifier) checkStrategy(ds model.DeFiStrategy, verdict *oracle.Verdict, violations []string, details map[string]any) []string {
	if ds.Type != "" {
		details["strategy_type"] = ds.Type
	}
	if ds.SlippageTolerance != nil && *ds.SlippageTolerance > v.cfg.SlippageLimit {
		violations = model.AppendViolation(violations, model.ViolationHighSlippageRisk)
	}
	for _, p := range ds.Protocols {
		if v.deny[strings.ToLower(p)] {
			violations = model.AppendViolation(violations, model.ViolationHighRiskProtocol)
			break
		}
	}
	return applyOracleRules(verdict, violations, details)
}

func (v *Verifier) checkRiskProfile(rp model.RiskProfile, violations []string, details map[string]any) []string {
	if rp.MaxDrawdown > v.cfg.DrawdownLimit {
		violations = model.AppendViolation(violations, model.ViolationExcessiveDrawdownLimit)
	}
	if rp.MaxPositionSize > v.cfg.PositionCap {
		violations = model.AppendViolation(violations, model.ViolationExcessivePositionSize)
	}
	if rp.Leverage > v.cfg.LeverageLimit {
		violations = model.AppendViolation(violations, model.ViolationExcessiveLeverage)
	}
	switch {
	case rp.StopLoss == nil:
		violations = model.AppendViolation(violations, model.ViolationMissingStopLoss)
	case *rp.StopLoss > v.cfg.StopLossLimit:
		violations = model.AppendViolation(violations, model.ViolationWideStopLoss)
	}
	details["leverage"] = rp.Leverage
	return violations
}

// checkGeneric applies the fabricated-number heuristic: real market data
// rarely carries more than a handful of fractional digits.
func (v *Verifier) checkGeneric(gc model.GenericClaim, violations []string, details map[string]any) []string {
	if len(gc.Fields) == 0 {
		return model.AppendViolation(violations, model.ViolationEmptyData)
	}
	details["field_count"] = len(gc.Fields)

	for _, k := range model.SortedKeys(gc.Fields) {
		n, ok := gc.Fields[k].(float64)
		if !ok {
			continue
		}
		if fractionDigits(n) > v.cfg.MaxFractionDigits {
			violations = model.AppendViolation(violations, model.ViolationSuspiciousPrecision)
			break
		}
	}
	return violations
}

// applyOracleRules folds the oracle verdict into the rule outcome for the
// kinds that consume price context.
func applyOracleRules(verdict *oracle.Verdict, violations []string, details map[string]any) []string {
	if verdict == nil {
		return violations
	}
	details["oracle_classification"] = string(verdict.Classification)
	if verdict.Classification == oracle.ClassSuspectedManipulation {
		violations = model.AppendViolation(violations, model.ViolationOraclePriceManipulation)
	}
	return violations
}

// strategyAllowedAction returns the single action a declared strategy type
// permits, when it constrains one at all.
func strategyAllowedAction(strategyType string) (model.TradeAction, bool) {
	switch strings.ToLower(strategyType) {
	case "long", "long_only", "accumulate", "dca":
		return model.ActionBuy, true
	case "short", "short_only":
		return model.ActionSell, true
	default:
		return "", false
	}
}

func hasSchemaViolation(violations []string) bool {
	for _, t := range violations {
		if strings.HasPrefix(t, "invalid_field_") ||
			t == model.ViolationInvalidStrategyConfig ||
			t == model.ViolationUnknownKind {
			return true
		}
	}
	return false
}

// fractionDigits counts digits after the decimal point in the shortest
// round-trip representation of n.
func fractionDigits(n float64) int {
	s := strconv.FormatFloat(n, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
