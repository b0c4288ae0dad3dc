// Package strategy holds the per-symbol decision engines.
package strategy

import (
	"context"
	"fmt"

	"intraday-core/pkg/db"
	"intraday-core/pkg/kite"
)

// Engine variants selectable through the "strategy" parameter.
const (
	VariantOrderFlow = "orderflow_liquidity_trap"
	VariantMomentum  = "simple_momentum"
)

// Action is the decision an engine reached for one tick.
type Action string

const (
	ActionHold       Action = "HOLD"
	ActionEnterLong  Action = "ENTER_LONG"
	ActionEnterShort Action = "ENTER_SHORT"
	ActionExit       Action = "EXIT"
)

// PositionState is the engine's local position.
type PositionState string

const (
	PositionFlat  PositionState = "FLAT"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// Strategy is one per-symbol engine. OnTick runs on the feed-delivery
// goroutine; ApplyLive and SquareOff may be called from other goroutines
// and are synchronized internally against tick processing.
type Strategy interface {
	Symbol() string
	OnTick(t kite.Tick) Action
	ApplyLive(effective map[string]any)
	SquareOff(reason string)
}

// Gateway places and exits protective bracket orders. *kite.Client
// implements it.
type Gateway interface {
	PlaceCoverOrder(ctx context.Context, req kite.CoverOrderRequest) (string, error)
	ExitCoverOrder(ctx context.Context, parentOrderID string) (string, error)
}

// TradeLogger persists entry/exit records. *db.Database implements it.
type TradeLogger interface {
	InsertTradeLog(ctx context.Context, e db.TradeLogEntry) error
}

// New builds the engine variant named by d.Params.Variant. An empty
// variant falls back to the order-flow engine.
func New(d Deps) (Strategy, error) {
	switch d.Params.Variant {
	case "", VariantOrderFlow:
		return NewOrderFlow(d), nil
	case VariantMomentum:
		return NewMomentum(d), nil
	default:
		return nil, fmt.Errorf("unknown strategy variant %q", d.Params.Variant)
	}
}
