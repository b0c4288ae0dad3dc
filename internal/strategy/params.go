package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StructuralKeys are the parameters baked into the engines at
// construction: the variant itself and the window capacities. Changing
// any of them requires rebuilding the engines.
var StructuralKeys = []string{
	"strategy",
	"momentum_window",
	"delta_window",
	"imbalance_window",
	"absorption_window",
	"vwap_slope_window",
	"depth_levels",
}

// Defaults returns the base parameter document for the order-flow strategy.
// Keys match the persisted override document and the control API payloads.
func Defaults() map[string]any {
	return map[string]any{
		// engine variant
		"strategy": VariantOrderFlow,

		// core windows
		"momentum_window":  20,
		"delta_window":     12,
		"imbalance_window": 8,
		"depth_levels":     3,

		// entry thresholds
		"imbalance_threshold_long":  0.60,
		"imbalance_threshold_short": -0.60,
		"depth_ratio_min_long":      1.50,
		"depth_ratio_max_short":     1.0 / 1.50,
		"delta_trend_ticks":         6,
		"require_hh_hl_for_long":    true,
		"require_ll_lh_for_short":   true,

		// vwap alignment
		"use_vwap_filter":   true,
		"vwap_slope_window": 30,

		// absorption (computed, reported, currently not gating)
		"absorption_window":              15,
		"absorption_min_traded_qty":      2000.0,
		"absorption_max_price_range_bps": 4.0,

		// session filters, exchange local time "HH:MM"
		"skip_first_minutes": 5,
		"lunch_skip_start":   "13:15",
		"lunch_skip_end":     "13:30",
		"use_best_windows":   true,
		"best_windows":       [][]string{{"09:20", "13:15"}, {"13:30", "14:45"}},

		// tick sanity filters
		"max_spread_pct":    0.0005,
		"max_tick_jump_bps": 10.0,

		// risk / execution
		"dry_run":                true,
		"qty":                    1,
		"exchange":               "NSE",
		"tick_size":              0.10,
		"stoploss_pct":           0.001,
		"target_pct":             0.001,
		"cooldown_seconds":       60.0,
		"max_trades_per_session": 3,
		"time_stop_seconds":      180.0,

		// logging
		"log_signals":    true,
		"log_rejections": true,
	}
}

// LoadBase reads the optional strategy defaults file and layers it over the
// compiled defaults. A missing file is not an error; unknown keys are
// dropped.
func LoadBase(path string) (map[string]any, error) {
	base := Defaults()
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read strategy defaults %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy defaults %s: %w", path, err)
	}
	for k, v := range doc {
		if _, ok := base[k]; ok {
			base[k] = v
		}
	}
	return base, nil
}

// Params is the compiled form of the parameter document an engine runs with.
type Params struct {
	Variant string

	MomentumWindow  int
	DeltaWindow     int
	ImbalanceWindow int
	DepthLevels     int

	ImbalanceThresholdLong  float64
	ImbalanceThresholdShort float64
	DepthRatioMinLong       float64
	DepthRatioMaxShort      float64
	DeltaTrendTicks         int
	RequireHHHLForLong      bool
	RequireLLLHForShort     bool

	UseVwapFilter   bool
	VwapSlopeWindow int

	AbsorptionWindow           int
	AbsorptionMinTradedQty     float64
	AbsorptionMaxPriceRangeBps float64

	SkipFirstMinutes int
	LunchSkipStart   string
	LunchSkipEnd     string
	UseBestWindows   bool
	BestWindows      [][2]string

	MaxSpreadPct   float64
	MaxTickJumpBps float64

	DryRun              bool
	Qty                 int
	Exchange            string
	TickSize            float64
	StoplossPct         float64
	TargetPct           float64
	CooldownSeconds     float64
	MaxTradesPerSession int
	TimeStopSeconds     float64

	LogSignals    bool
	LogRejections bool
}

// ParamsFromMap compiles an effective parameter document. Missing or
// uncoercible values fall back to the compiled defaults.
func ParamsFromMap(m map[string]any) Params {
	d := Defaults()
	get := func(key string) any {
		if v, ok := m[key]; ok {
			return v
		}
		return d[key]
	}
	return Params{
		Variant: asString(get("strategy"), VariantOrderFlow),

		MomentumWindow:  asInt(get("momentum_window"), 20),
		DeltaWindow:     asInt(get("delta_window"), 12),
		ImbalanceWindow: asInt(get("imbalance_window"), 8),
		DepthLevels:     asInt(get("depth_levels"), 3),

		ImbalanceThresholdLong:  asFloat(get("imbalance_threshold_long"), 0.60),
		ImbalanceThresholdShort: asFloat(get("imbalance_threshold_short"), -0.60),
		DepthRatioMinLong:       asFloat(get("depth_ratio_min_long"), 1.50),
		DepthRatioMaxShort:      asFloat(get("depth_ratio_max_short"), 1.0/1.50),
		DeltaTrendTicks:         asInt(get("delta_trend_ticks"), 6),
		RequireHHHLForLong:      asBool(get("require_hh_hl_for_long"), true),
		RequireLLLHForShort:     asBool(get("require_ll_lh_for_short"), true),

		UseVwapFilter:   asBool(get("use_vwap_filter"), true),
		VwapSlopeWindow: asInt(get("vwap_slope_window"), 30),

		AbsorptionWindow:           asInt(get("absorption_window"), 15),
		AbsorptionMinTradedQty:     asFloat(get("absorption_min_traded_qty"), 2000),
		AbsorptionMaxPriceRangeBps: asFloat(get("absorption_max_price_range_bps"), 4),

		SkipFirstMinutes: asInt(get("skip_first_minutes"), 5),
		LunchSkipStart:   asString(get("lunch_skip_start"), "13:15"),
		LunchSkipEnd:     asString(get("lunch_skip_end"), "13:30"),
		UseBestWindows:   asBool(get("use_best_windows"), true),
		BestWindows:      asWindows(get("best_windows")),

		MaxSpreadPct:   asFloat(get("max_spread_pct"), 0.0005),
		MaxTickJumpBps: asFloat(get("max_tick_jump_bps"), 10),

		DryRun:              asBool(get("dry_run"), true),
		Qty:                 asInt(get("qty"), 1),
		Exchange:            asString(get("exchange"), "NSE"),
		TickSize:            asFloat(get("tick_size"), 0.10),
		StoplossPct:         asFloat(get("stoploss_pct"), 0.001),
		TargetPct:           asFloat(get("target_pct"), 0.001),
		CooldownSeconds:     asFloat(get("cooldown_seconds"), 60),
		MaxTradesPerSession: asInt(get("max_trades_per_session"), 3),
		TimeStopSeconds:     asFloat(get("time_stop_seconds"), 180),

		LogSignals:    asBool(get("log_signals"), true),
		LogRejections: asBool(get("log_rejections"), true),
	}
}

func asFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return def
	}
}

func asInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case float32:
		return int(x)
	default:
		return def
	}
}

func asBool(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// asWindows accepts the composite best_windows value in any of the shapes
// it round-trips through (compiled default, JSON, YAML).
func asWindows(v any) [][2]string {
	var out [][2]string
	switch x := v.(type) {
	case [][2]string:
		return x
	case [][]string:
		for _, pair := range x {
			if len(pair) == 2 {
				out = append(out, [2]string{pair[0], pair[1]})
			}
		}
	case []any:
		for _, raw := range x {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			a, aok := pair[0].(string)
			b, bok := pair[1].(string)
			if aok && bok {
				out = append(out, [2]string{a, b})
			}
		}
	}
	if len(out) == 0 {
		return [][2]string{{"09:20", "13:15"}, {"13:30", "14:45"}}
	}
	return out
}
