package strategy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"intraday-core/pkg/db"
	"intraday-core/pkg/kite"
)

// Momentum is the plain price-run scalper: enter long on a strictly
// rising price window, short on a strictly falling one, protected by
// the same cover-order stop as the order-flow engine. It needs only
// last-price ticks and keeps no book state, so it also runs in LTP mode.
type Momentum struct {
	mu sync.Mutex

	symbol string
	token  uint32
	p      Params

	gateway Gateway
	trades  TradeLogger
	loc     *time.Location
	now     func() time.Time
	ctx     context.Context

	prices        *Window
	position      PositionState
	entryPrice    float64
	parentOrderID string
}

// NewMomentum builds a momentum engine with the price window fixed from
// params.
func NewMomentum(d Deps) *Momentum {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Context == nil {
		d.Context = context.Background()
	}
	return &Momentum{
		symbol:   d.Symbol,
		token:    d.Token,
		p:        d.Params,
		gateway:  d.Gateway,
		trades:   d.Trades,
		loc:      d.Location,
		now:      d.Now,
		ctx:      d.Context,
		prices:   NewWindow(d.Params.MomentumWindow),
		position: PositionFlat,
	}
}

func (e *Momentum) Symbol() string { return e.symbol }

// Position returns the current position state and entry price.
func (e *Momentum) Position() (PositionState, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, e.entryPrice
}

// OnTick evaluates the price run and flips the position with it. A run
// in the direction already held is a no-op.
func (e *Momentum) OnTick(t kite.Tick) Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.InstrumentToken != e.token {
		return ActionHold
	}
	lp := t.LastPrice
	if lp <= 0 {
		return ActionHold
	}

	e.prices.Push(lp)
	if !e.prices.Full() {
		return ActionHold
	}
	k := e.prices.Cap()

	switch {
	case e.prices.StrictlyIncreasing(k) && e.position != PositionLong:
		if e.enter("BUY", lp) {
			return ActionEnterLong
		}
	case e.prices.StrictlyDecreasing(k) && e.position != PositionShort:
		if e.enter("SELL", lp) {
			return ActionEnterShort
		}
	}
	return ActionHold
}

// ApplyLive replaces live-applicable parameters; the window capacity
// stays pinned to its construction-time value.
func (e *Momentum) ApplyLive(effective map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	np := ParamsFromMap(effective)
	np.MomentumWindow = e.p.MomentumWindow
	e.p = np
}

// SquareOff force-flattens the position. No-op when already flat.
func (e *Momentum) SquareOff(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == PositionFlat {
		return
	}
	if last, ok := e.prices.Last(); ok {
		e.exit(reason, last)
	} else {
		e.exit(reason, e.entryPrice)
	}
}

// enter flattens any opposite position first, then places the cover
// order. Returns false when the live placement failed and the engine
// stayed flat.
func (e *Momentum) enter(side string, price float64) bool {
	if e.position != PositionFlat {
		e.exit("signal reversed", price)
	}

	raw := price * (1.0 - e.p.StoplossPct)
	if side == "SELL" {
		raw = price * (1.0 + e.p.StoplossPct)
	}
	trigger := roundToTick(round2(raw), e.p.TickSize)

	log.Printf("[%s] ENTER %s-CO qty=%d entry=%.2f sl_trig=%.2f dry=%v",
		e.symbol, side, e.p.Qty, price, trigger, e.p.DryRun)

	action := ActionEnterLong
	pos := PositionLong
	if side == "SELL" {
		action = ActionEnterShort
		pos = PositionShort
	}

	if e.p.DryRun {
		e.position = pos
		e.entryPrice = price
		e.parentOrderID = "SIM-" + uuid.NewString()
		e.logTrade(string(action), side, price, "")
		return true
	}

	parentID, err := e.gateway.PlaceCoverOrder(e.ctx, kite.CoverOrderRequest{
		Exchange:     e.p.Exchange,
		Symbol:       e.symbol,
		Side:         side,
		Qty:          e.p.Qty,
		TriggerPrice: trigger,
		OrderType:    "MARKET",
	})
	if err != nil {
		log.Printf("[%s] %s-CO failed: %v", e.symbol, side, err)
		return false
	}
	e.position = pos
	e.entryPrice = price
	e.parentOrderID = parentID
	e.logTrade(string(action), side, price, "")
	return true
}

func (e *Momentum) exit(reason string, price float64) {
	if e.position == PositionFlat {
		return
	}
	side := "SELL"
	if e.position == PositionShort {
		side = "BUY"
	}
	log.Printf("[%s] EXIT (%s) dry=%v", e.symbol, reason, e.p.DryRun)

	if !e.p.DryRun {
		if e.parentOrderID == "" {
			log.Printf("[%s] CO exit failed: no parent order id", e.symbol)
		} else if childID, err := e.gateway.ExitCoverOrder(e.ctx, e.parentOrderID); err != nil {
			log.Printf("[%s] CO exit failed: %v", e.symbol, err)
		} else {
			log.Printf("[%s] CO exit sent, child order_id=%s", e.symbol, childID)
		}
	}
	e.logTrade(string(ActionExit), side, price, reason)
	e.position = PositionFlat
	e.entryPrice = 0
	e.parentOrderID = ""
}

func (e *Momentum) logTrade(action, side string, price float64, reason string) {
	if e.trades == nil {
		return
	}
	entry := db.TradeLogEntry{
		ID:            uuid.NewString(),
		Symbol:        e.symbol,
		Action:        action,
		Side:          side,
		Price:         price,
		Qty:           e.p.Qty,
		ParentOrderID: e.parentOrderID,
		DryRun:        e.p.DryRun,
		Reason:        reason,
	}
	if err := e.trades.InsertTradeLog(e.ctx, entry); err != nil {
		log.Printf("[%s] trade log write failed: %v", e.symbol, err)
	}
}
