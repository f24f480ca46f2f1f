package model

import (
	"sort"
)

// Payload is the tagged variant decoded from a request's raw payload map.
// Exactly one concrete type exists per Kind; Decode performs the schema
// validation once so downstream rule code sees typed values.
type Payload interface {
	isPayload()
}

// TradeAction is the direction of a trading decision.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// StrategyRef is the optional strategy declaration attached to a trade.
type StrategyRef struct {
	Type        string
	MaxPosition float64 // 0 means unset
}

// TradingDecision is the typed payload for kind=trading_decision.
type TradingDecision struct {
	Pair      string
	Action    TradeAction
	Amount    float64
	Price     float64
	Timestamp int64 // unix seconds
	Strategy  *StrategyRef
	BotID     string
}

func (TradingDecision) isPayload() {}

// PerfStats is one side (claimed or actual) of a performance claim.
type PerfStats struct {
	ROI         float64
	WinRate     float64
	Sharpe      *float64
	MaxDrawdown *float64
}

// PerformanceClaim is the typed payload for kind=performance_claim.
type PerformanceClaim struct {
	BotID   string
	Claimed PerfStats
	Actual  PerfStats
}

func (PerformanceClaim) isPayload() {}

// DeFiStrategy is the typed payload for kind=defi_strategy. Fields holds
// the type-specific numeric parameters (take_profit, grid_size, ...).
type DeFiStrategy struct {
	Type              string
	Pair              string
	SlippageTolerance *float64
	Protocols         []string
	Fields            map[string]float64
}

func (DeFiStrategy) isPayload() {}

// RiskProfile is the typed payload for kind=risk_compliance.
type RiskProfile struct {
	MaxDrawdown     float64
	MaxPositionSize float64
	Leverage        float64
	StopLoss        *float64 // nil when absent; absence is itself a rule violation
}

func (RiskProfile) isPayload() {}

// GenericClaim is the free-form payload for kind=generic.
type GenericClaim struct {
	Fields map[string]any
}

func (GenericClaim) isPayload() {}

// strategyFieldRange declares the inclusive valid range of one type-specific
// DeFi strategy field.
type strategyFieldRange struct {
	Field string
	Min   float64
	Max   float64
}

// defiFieldRanges lists the required fields and ranges per strategy type.
// Types absent from this table (e.g. "lp") carry no type-specific fields.
var defiFieldRanges = map[string][]strategyFieldRange{
	"dca": {
		{Field: "take_profit", Min: 0.5, Max: 20.0},
		{Field: "safety_orders", Min: 1, Max: 10},
		{Field: "deviation", Min: 1.0, Max: 10.0},
	},
	"grid": {
		{Field: "grid_size", Min: 3, Max: 50},
		{Field: "upper_limit", Min: 0.01, Max: 2.0},
		{Field: "lower_limit", Min: 0.01, Max: 2.0},
	},
	"arbitrage": {
		{Field: "min_spread", Min: 0.001, Max: 0.1},
		{Field: "max_exposure", Min: 0.1, Max: 1.0},
	},
	"lp": nil,
}

// Decode turns the raw payload map into the typed variant for kind,
// returning schema violations in detection order. A non-nil payload is
// returned even when violations are present so rule code can still inspect
// the fields that did decode.
func Decode(kind Kind, raw map[string]any) (Payload, []string) {
	switch kind {
	case KindTradingDecision:
		return decodeTradingDecision(raw)
	case KindPerformanceClaim:
		return decodePerformanceClaim(raw)
	case KindDeFiStrategy:
		return decodeDeFiStrategy(raw)
	case KindRiskCompliance:
		return decodeRiskProfile(raw)
	case KindGeneric:
		return GenericClaim{Fields: raw}, nil
	default:
		return nil, []string{ViolationUnknownKind}
	}
}

func decodeTradingDecision(raw map[string]any) (Payload, []string) {
	var v []string
	td := TradingDecision{}

	if s, ok := stringField(raw, "pair"); ok && s != "" {
		td.Pair = s
	} else {
		v = appendViolation(v, InvalidFieldViolation("pair"))
	}
	if s, ok := stringField(raw, "action"); ok && (s == string(ActionBuy) || s == string(ActionSell)) {
		td.Action = TradeAction(s)
	} else {
		v = appendViolation(v, InvalidFieldViolation("action"))
	}
	if n, ok := numberField(raw, "amount"); ok && n > 0 {
		td.Amount = n
	} else {
		v = appendViolation(v, InvalidFieldViolation("amount"))
	}
	if n, ok := numberField(raw, "price"); ok && n > 0 {
		td.Price = n
	} else {
		v = appendViolation(v, InvalidFieldViolation("price"))
	}
	if n, ok := numberField(raw, "timestamp"); ok && n > 0 {
		td.Timestamp = int64(n)
	} else {
		v = appendViolation(v, InvalidFieldViolation("timestamp"))
	}
	if s, ok := stringField(raw, "bot_id"); ok {
		td.BotID = s
	}
	if m, ok := mapField(raw, "strategy"); ok {
		ref := &StrategyRef{}
		if s, ok := stringField(m, "type"); ok {
			ref.Type = s
		}
		if n, ok := numberField(m, "max_position"); ok {
			ref.MaxPosition = n
		}
		td.Strategy = ref
	}
	return td, v
}

func decodePerformanceClaim(raw map[string]any) (Payload, []string) {
	var v []string
	pc := PerformanceClaim{}

	if s, ok := stringField(raw, "bot_id"); ok {
		pc.BotID = s
	}

	decodeSide := func(field string) (PerfStats, bool) {
		m, ok := mapField(raw, field)
		if !ok {
			return PerfStats{}, false
		}
		stats := PerfStats{}
		roi, roiOK := numberField(m, "roi")
		wr, wrOK := numberField(m, "win_rate")
		if !roiOK || !wrOK {
			return PerfStats{}, false
		}
		stats.ROI = roi
		stats.WinRate = wr
		if n, ok := numberField(m, "sharpe"); ok {
			stats.Sharpe = &n
		}
		if n, ok := numberField(m, "max_drawdown"); ok {
			stats.MaxDrawdown = &n
		}
		return stats, true
	}

	if claimed, ok := decodeSide("claimed"); ok {
		pc.Claimed = claimed
	} else {
		v = appendViolation(v, InvalidFieldViolation("claimed"))
	}
	if actual, ok := decodeSide("actual"); ok {
		pc.Actual = actual
	} else {
		v = appendViolation(v, InvalidFieldViolation("actual"))
	}
	return pc, v
}

func decodeDeFiStrategy(raw map[string]any) (Payload, []string) {
	var v []string
	ds := DeFiStrategy{Fields: map[string]float64{}}

	typ, ok := stringField(raw, "type")
	if !ok || typ == "" {
		return ds, appendViolation(v, ViolationInvalidStrategyConfig)
	}
	ranges, known := defiFieldRanges[typ]
	if !known {
		return ds, appendViolation(v, ViolationInvalidStrategyConfig)
	}
	ds.Type = typ

	if s, ok := stringField(raw, "pair"); ok {
		ds.Pair = s
	}
	if n, ok := numberField(raw, "slippage_tolerance"); ok {
		ds.SlippageTolerance = &n
	}
	if arr, ok := raw["protocols"].([]any); ok {
		for _, p := range arr {
			if s, ok := p.(string); ok {
				ds.Protocols = append(ds.Protocols, s)
			}
		}
	}

	// Type-specific fields: missing is a config error, present-but-out-of-range
	// is a per-field violation. Iteration order is the declared table order,
	// never map order, so violation order stays deterministic.
	for _, fr := range ranges {
		n, ok := numberField(raw, fr.Field)
		if !ok {
			v = appendViolation(v, ViolationInvalidStrategyConfig)
			continue
		}
		ds.Fields[fr.Field] = n
		if n < fr.Min || n > fr.Max {
			v = appendViolation(v, OutOfRangeViolation(fr.Field))
		}
	}
	return ds, v
}

func decodeRiskProfile(raw map[string]any) (Payload, []string) {
	var v []string
	rp := RiskProfile{}

	if n, ok := numberField(raw, "max_drawdown"); ok {
		rp.MaxDrawdown = n
	} else {
		v = appendViolation(v, InvalidFieldViolation("max_drawdown"))
	}
	if n, ok := numberField(raw, "max_position_size"); ok {
		rp.MaxPositionSize = n
	} else {
		v = appendViolation(v, InvalidFieldViolation("max_position_size"))
	}
	if n, ok := numberField(raw, "leverage"); ok {
		rp.Leverage = n
	} else {
		v = appendViolation(v, InvalidFieldViolation("leverage"))
	}
	if n, ok := numberField(raw, "stop_loss"); ok {
		rp.StopLoss = &n
	}
	return rp, v
}

// SortedKeys returns the keys of m in lexicographic order. Rule code uses it
// wherever map contents leak into violation order or hashed bytes.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numberField accepts the numeric types JSON decoding and in-process callers
// produce. Anything else (strings, bools, nulls) is a schema error, never a
// fabricated default.
func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mapField(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	mm, ok := v.(map[string]any)
	return mm, ok
}
