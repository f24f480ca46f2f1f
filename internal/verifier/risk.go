package verifier

import (
	"strings"

	"github.com/shinrai-ai/trustwrapper/internal/model"
)

// violationWeights maps each violation tag to its fixed risk contribution.
// The local risk score is min(1, Σ weights) over the detected violations.
var violationWeights = map[string]float64{
	model.ViolationInvalidRequest:          0.50,
	model.ViolationUnknownKind:             0.50,
	model.ViolationStaleTradeData:          0.30,
	model.ViolationRiskLimitExceeded:       0.40,
	model.ViolationStrategyDeviation:       0.25,
	model.ViolationPerformanceMismatch:     0.40,
	model.ViolationWinRateMismatch:         0.30,
	model.ViolationSuspiciousPattern:       0.35,
	model.ViolationInvalidStrategyConfig:   0.30,
	model.ViolationHighSlippageRisk:        0.30,
	model.ViolationHighRiskProtocol:        0.50,
	model.ViolationExcessiveDrawdownLimit:  0.35,
	model.ViolationExcessivePositionSize:   0.35,
	model.ViolationExcessiveLeverage:       0.40,
	model.ViolationMissingStopLoss:         0.35,
	model.ViolationWideStopLoss:            0.20,
	model.ViolationEmptyData:               0.30,
	model.ViolationSuspiciousPrecision:     0.20,
	model.ViolationOraclePriceManipulation: 0.80,
}

// Weights for the pattern-derived tags (invalid_field_<name>,
// <field>_out_of_range) that cannot appear in the table verbatim.
const (
	invalidFieldWeight = 0.20
	outOfRangeWeight   = 0.25
	unknownTagWeight   = 0.25
)

func weightFor(tag string) float64 {
	if w, ok := violationWeights[tag]; ok {
		return w
	}
	if strings.HasPrefix(tag, "invalid_field_") {
		return invalidFieldWeight
	}
	if strings.HasSuffix(tag, "_out_of_range") {
		return outOfRangeWeight
	}
	return unknownTagWeight
}

// Score returns the rule-engine risk score for a violation set. Exposed so
// the engine prices request-level violations (invalid request, unknown kind)
// with the same weights the rule engine uses.
func Score(violations []string) float64 { return riskScore(violations) }

// ConfidenceFor derives the local confidence for a given risk score.
func ConfidenceFor(risk float64) float64 { return confidence(risk) }

func riskScore(violations []string) float64 {
	var sum float64
	for _, tag := range violations {
		sum += weightFor(tag)
	}
	if sum > 1 {
		return 1
	}
	return sum
}

// confidence derives the local confidence from the risk score. A clean
// claim scores 1.0; each violation erodes confidence proportionally to its
// risk weight.
func confidence(risk float64) float64 {
	c := 1 - 0.9*risk
	if c < 0 {
		return 0
	}
	return c
}

// recommendationText maps violation tags to short operator-facing guidance.
var recommendationText = map[string]string{
	model.ViolationStaleTradeData:          "refresh market data before submitting trades",
	model.ViolationRiskLimitExceeded:       "reduce position size below the strategy limit",
	model.ViolationStrategyDeviation:       "align the trade direction with the declared strategy",
	model.ViolationPerformanceMismatch:     "reconcile claimed ROI against the measured track record",
	model.ViolationWinRateMismatch:         "reconcile claimed win rate against the measured track record",
	model.ViolationSuspiciousPattern:       "review the claim for implausible performance figures",
	model.ViolationInvalidStrategyConfig:   "complete the strategy configuration for its declared type",
	model.ViolationHighSlippageRisk:        "lower slippage tolerance to 5% or less",
	model.ViolationHighRiskProtocol:        "remove deny-listed protocols from the strategy",
	model.ViolationExcessiveDrawdownLimit:  "tighten the max drawdown limit to 20% or less",
	model.ViolationExcessivePositionSize:   "cap position size at the configured limit",
	model.ViolationExcessiveLeverage:       "reduce leverage to 3x or less",
	model.ViolationMissingStopLoss:         "configure a stop loss",
	model.ViolationWideStopLoss:            "tighten the stop loss to 10% or less",
	model.ViolationEmptyData:               "submit a non-empty claim payload",
	model.ViolationSuspiciousPrecision:     "verify the provenance of high-precision figures",
	model.ViolationOraclePriceManipulation: "halt trading on this pair until oracle feeds reconverge",
}

// recommendations returns guidance strings in violation order.
func recommendations(violations []string) []string {
	var recs []string
	for _, tag := range violations {
		if text, ok := recommendationText[tag]; ok {
			recs = append(recs, text)
		}
	}
	return recs
}
