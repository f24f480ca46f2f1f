package model

// Violation tags are stable strings that appear in Result.Violations.
// They are part of the public contract: renaming one is a breaking change.
const (
	// Request shape.
	ViolationInvalidRequest = "invalid_request"
	ViolationUnknownKind    = "unknown_kind"

	// Trading decisions.
	ViolationStaleTradeData    = "stale_trade_data"
	ViolationRiskLimitExceeded = "risk_limit_exceeded"
	ViolationStrategyDeviation = "strategy_deviation"

	// Performance claims.
	ViolationPerformanceMismatch = "performance_mismatch"
	ViolationWinRateMismatch     = "win_rate_mismatch"
	ViolationSuspiciousPattern   = "suspicious_pattern"

	// DeFi strategies.
	ViolationInvalidStrategyConfig = "invalid_strategy_config"
	ViolationHighSlippageRisk      = "high_slippage_risk"
	ViolationHighRiskProtocol      = "high_risk_protocol"

	// Risk compliance.
	ViolationExcessiveDrawdownLimit = "excessive_drawdown_limit"
	ViolationExcessivePositionSize  = "excessive_position_size"
	ViolationExcessiveLeverage      = "excessive_leverage"
	ViolationMissingStopLoss        = "missing_stop_loss"
	ViolationWideStopLoss           = "wide_stop_loss"

	// Generic claims.
	ViolationEmptyData           = "empty_data"
	ViolationSuspiciousPrecision = "suspicious_precision"

	// Oracle.
	ViolationOraclePriceManipulation  = "oracle_price_manipulation"
	ViolationInsufficientOracleSource = "insufficient_oracle_sources"
	ViolationHighOracleLatency        = "high_oracle_latency"

	// System.
	ViolationOverloaded    = "overloaded"
	ViolationInternalError = "internal_error"
)

// InvalidFieldViolation returns the invalid_field_<name> tag for a missing
// or malformed payload field.
func InvalidFieldViolation(field string) string {
	return "invalid_field_" + field
}

// OutOfRangeViolation returns the <field>_out_of_range tag for a strategy
// field outside its declared range.
func OutOfRangeViolation(field string) string {
	return field + "_out_of_range"
}
