package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"intraday-core/internal/diag"
	"intraday-core/pkg/db"
	"intraday-core/pkg/kite"
)

// Deps wires one OrderFlow engine. Gateway may be nil only with
// Params.DryRun set; Trades and Recorder are optional.
type Deps struct {
	Symbol   string
	Token    uint32
	Params   Params
	Gateway  Gateway
	Recorder *diag.Recorder
	Trades   TradeLogger
	Location *time.Location
	Now      func() time.Time
	Context  context.Context
}

// OrderFlow is the order-flow / momentum / liquidity-trap scalping engine.
// It needs full-depth ticks. All exported methods are safe to call
// concurrently; a single mutex orders tick processing against live config
// pushes and square-off requests.
type OrderFlow struct {
	mu sync.Mutex

	symbol string
	token  uint32
	p      Params

	gateway  Gateway
	recorder *diag.Recorder
	trades   TradeLogger
	loc      *time.Location
	now      func() time.Time
	ctx      context.Context

	prices    *Window
	delta     *Window
	imbalance *Window
	absPrices *Window
	absQty    *Window
	vwap      *Vwap

	session sessionClock

	position      PositionState
	entryPrice    float64
	parentOrderID string
	entryTime     time.Time
	lastEntry     time.Time
	tradesTaken   int
	lastPrice     float64
}

// NewOrderFlow builds an engine with window capacities fixed from params.
func NewOrderFlow(d Deps) *OrderFlow {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Context == nil {
		d.Context = context.Background()
	}
	e := &OrderFlow{
		symbol:    d.Symbol,
		token:     d.Token,
		p:         d.Params,
		gateway:   d.Gateway,
		recorder:  d.Recorder,
		trades:    d.Trades,
		loc:       d.Location,
		now:       d.Now,
		ctx:       d.Context,
		prices:    NewWindow(d.Params.MomentumWindow),
		delta:     NewWindow(d.Params.DeltaWindow),
		imbalance: NewWindow(d.Params.ImbalanceWindow),
		absPrices: NewWindow(d.Params.AbsorptionWindow),
		absQty:    NewWindow(d.Params.AbsorptionWindow),
		vwap:      NewVwap(d.Params.VwapSlopeWindow),
		position:  PositionFlat,
	}
	e.session = newSessionClock(e.p)
	return e
}

func (e *OrderFlow) Symbol() string { return e.symbol }

// Position returns the current position state and entry price.
func (e *OrderFlow) Position() (PositionState, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, e.entryPrice
}

// OnTick runs the full per-tick evaluation and returns the decision.
func (e *OrderFlow) OnTick(t kite.Tick) Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.InstrumentToken != e.token {
		return ActionHold
	}
	lp := t.LastPrice
	if lp <= 0 {
		return ActionHold
	}
	now := e.now().In(e.loc)

	bid, hasBid := t.BestBid()
	ask, hasAsk := t.BestAsk()

	// Spread filter, only when both sides of the book are visible.
	if hasBid && hasAsk {
		mid := 0.5 * (bid + ask)
		var spreadPct float64
		if mid > 0 {
			spreadPct = (ask - bid) / mid
		}
		if spreadPct > e.p.MaxSpreadPct {
			if e.p.LogRejections {
				log.Printf("[%s] reject: spread %.4f%% too wide", e.symbol, spreadPct*100)
			}
			e.emit(now, lp, e.vwapOr(lp), diag.Filters{SpreadOK: false, JumpOK: true},
				diag.Metrics{DeltaSlope: "flat", Momentum: "-"}, diag.Signals{}, string(ActionHold))
			if e.position != PositionFlat && spreadPct > e.p.MaxSpreadPct*2 {
				e.exit(fmt.Sprintf("spread %.4f%% over limit", spreadPct*100), lp)
				return ActionExit
			}
			return ActionHold
		}
	}

	// Single-tick jump filter against the previous price.
	if prev, ok := e.prices.Last(); ok {
		jumpBps := math.Abs(lp-prev) / prev * 10000
		if jumpBps > e.p.MaxTickJumpBps {
			if e.p.LogRejections {
				log.Printf("[%s] reject: tick jump %.2f bps too large", e.symbol, jumpBps)
			}
			e.emit(now, lp, e.vwapOr(lp), diag.Filters{SpreadOK: true, JumpOK: false},
				diag.Metrics{DeltaSlope: "flat", Momentum: "-"}, diag.Signals{}, string(ActionHold))
			if e.position != PositionFlat && jumpBps > e.p.MaxTickJumpBps*2 {
				e.exit(fmt.Sprintf("vol spike %.1fbps", jumpBps), lp)
				return ActionExit
			}
			return ActionHold
		}
	}

	// Rolling updates.
	e.prices.Push(lp)
	e.lastPrice = lp
	ltq := float64(t.LastTradedQty)
	if ltq <= 0 {
		ltq = 1
	}
	var buyInit, sellInit float64
	if hasAsk && lp >= ask {
		buyInit = ltq
	} else if hasBid && lp <= bid {
		sellInit = ltq
	}
	e.delta.Push(buyInit - sellInit)

	bidQty := sumDepthQty(t.Depth, true, e.p.DepthLevels)
	askQty := sumDepthQty(t.Depth, false, e.p.DepthLevels)
	denom := bidQty + askQty
	if denom == 0 {
		denom = 1
	}
	e.imbalance.Push((bidQty - askQty) / denom)

	e.absPrices.Push(lp)
	e.absQty.Push(ltq)
	vwap := e.vwap.Update(lp, ltq)

	// Warm-up gate: signals need full windows.
	if e.prices.Len() < maxInt(5, e.prices.Cap()) ||
		!e.delta.Full() || !e.imbalance.Full() {
		return ActionHold
	}

	trueFilters := diag.Filters{
		SessionOK: bptr(true), VwapOK: bptr(true), SpreadOK: true, JumpOK: true,
	}

	// In a position: exits first, nothing else.
	if e.position != PositionFlat {
		if hit, reason := e.shouldExitNow(lp, bidQty, askQty, now); hit {
			e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty), diag.Signals{}, string(ActionExit))
			e.exit(reason, lp)
			return ActionExit
		}
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty), diag.Signals{}, string(ActionHold))
		return ActionHold
	}

	// Entry-side filters.
	if !e.sessionOK(now) {
		e.emit(now, lp, vwap, diag.Filters{SessionOK: bptr(false), SpreadOK: true, JumpOK: true},
			diag.Metrics{DeltaSlope: "flat", Momentum: "-"}, diag.Signals{}, string(ActionHold))
		return ActionHold
	}
	if e.p.UseVwapFilter && !e.vwapFilterPass(lp) {
		e.emit(now, lp, vwap, diag.Filters{SessionOK: bptr(true), VwapOK: bptr(false), SpreadOK: true, JumpOK: true},
			diag.Metrics{DeltaSlope: "flat", Momentum: "-"}, diag.Signals{}, string(ActionHold))
		return ActionHold
	}

	longOK, shortOK := e.signals(lp, bidQty, askQty)
	if e.p.LogSignals {
		log.Printf("[%s] sig long=%v short=%v imb_avg=%.2f depth_ratio=%.2f vwap=%.2f",
			e.symbol, longOK, shortOK, e.imbalance.Avg(), depthRatio(bidQty, askQty), vwap)
	}
	sig := diag.Signals{LongOK: longOK, ShortOK: shortOK}

	// Cooldown and per-session cap hold regardless of the signal.
	if !e.lastEntry.IsZero() && now.Sub(e.lastEntry).Seconds() < e.p.CooldownSeconds {
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty), sig, string(ActionHold))
		return ActionHold
	}
	if e.tradesTaken >= e.p.MaxTradesPerSession {
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty), sig, string(ActionHold))
		return ActionHold
	}

	switch {
	case longOK:
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty),
			diag.Signals{LongOK: true}, string(ActionEnterLong))
		e.enter("BUY", lp, now)
		return ActionEnterLong
	case shortOK:
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty),
			diag.Signals{ShortOK: true}, string(ActionEnterShort))
		e.enter("SELL", lp, now)
		return ActionEnterShort
	default:
		e.emit(now, lp, vwap, trueFilters, e.metrics(bidQty, askQty), sig, string(ActionHold))
		return ActionHold
	}
}

// ApplyLive replaces live-applicable parameters. Window capacities stay
// pinned to their construction-time values; a structural change goes
// through an engine rebuild instead.
func (e *OrderFlow) ApplyLive(effective map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	np := ParamsFromMap(effective)
	np.MomentumWindow = e.p.MomentumWindow
	np.DeltaWindow = e.p.DeltaWindow
	np.ImbalanceWindow = e.p.ImbalanceWindow
	np.AbsorptionWindow = e.p.AbsorptionWindow
	np.VwapSlopeWindow = e.p.VwapSlopeWindow
	np.DepthLevels = e.p.DepthLevels
	e.p = np
	e.session = newSessionClock(e.p)
}

// SquareOff force-flattens the position. No-op when already flat.
func (e *OrderFlow) SquareOff(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == PositionFlat {
		return
	}
	now := e.now().In(e.loc)
	e.emit(now, e.lastPrice, e.vwapOr(e.lastPrice),
		diag.Filters{SpreadOK: true, JumpOK: true},
		diag.Metrics{DeltaSlope: e.deltaSlopeTag(), Momentum: e.momentumCode()},
		diag.Signals{}, string(ActionExit))
	e.exit(reason, e.lastPrice)
}

// ---- entry / exit ----

func (e *OrderFlow) enter(side string, price float64, now time.Time) {
	raw := price * (1.0 - e.p.StoplossPct)
	if side == "SELL" {
		raw = price * (1.0 + e.p.StoplossPct)
	}
	trigger := roundToTick(round2(raw), e.p.TickSize)

	log.Printf("[%s] ENTER %s-CO qty=%d entry=%.2f sl_trig=%.2f dry=%v",
		e.symbol, side, e.p.Qty, price, trigger, e.p.DryRun)

	prevTrades, prevEntry := e.tradesTaken, e.lastEntry
	e.position = PositionLong
	action := ActionEnterLong
	if side == "SELL" {
		e.position = PositionShort
		action = ActionEnterShort
	}
	e.entryPrice = price
	e.entryTime = now
	e.lastEntry = now
	e.tradesTaken++

	if e.p.DryRun {
		e.parentOrderID = "SIM-" + uuid.NewString()
		e.logTrade(string(action), side, price, "")
		return
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
		// Roll back fully: the failed attempt burns neither the trade cap
		// nor the cooldown, so the next eligible tick gets a fresh chance.
		e.clearPosition()
		e.tradesTaken = prevTrades
		e.lastEntry = prevEntry
		e.entryTime = time.Time{}
		return
	}
	e.parentOrderID = parentID
	log.Printf("[%s] %s-CO placed, parent_order_id=%s", e.symbol, side, parentID)
	e.logTrade(string(action), side, price, "")
}

func (e *OrderFlow) exit(reason string, price float64) {
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
	// Cleared unconditionally: the exit is best-effort and non-reconciling.
	e.logTrade(string(ActionExit), side, price, reason)
	e.clearPosition()
}

func (e *OrderFlow) clearPosition() {
	e.position = PositionFlat
	e.entryPrice = 0
	e.parentOrderID = ""
	e.entryTime = time.Time{}
}

func (e *OrderFlow) logTrade(action, side string, price float64, reason string) {
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

// ---- exit conditions ----

func (e *OrderFlow) shouldExitNow(lp, bidQty, askQty float64, now time.Time) (bool, string) {
	if e.entryPrice > 0 {
		ret := (lp - e.entryPrice) / e.entryPrice
		if e.position == PositionShort {
			ret = (e.entryPrice - lp) / e.entryPrice
		}
		if ret >= e.p.TargetPct {
			return true, fmt.Sprintf("target hit %.3f%% >= %.3f%%", ret*100, e.p.TargetPct*100)
		}
	}
	if e.p.TimeStopSeconds > 0 && !e.entryTime.IsZero() &&
		now.Sub(e.entryTime).Seconds() >= e.p.TimeStopSeconds {
		return true, fmt.Sprintf("time stop %.0fs", e.p.TimeStopSeconds)
	}
	if e.imbalanceAgainstPosition() || e.deltaTrendAgainstPosition() {
		return true, "opposite flow"
	}
	ratio := depthRatio(bidQty, askQty)
	if e.position == PositionLong && ratio < e.p.DepthRatioMaxShort {
		return true, fmt.Sprintf("depth flipped against LONG (ratio=%.2f)", ratio)
	}
	if e.position == PositionShort && ratio > e.p.DepthRatioMinLong {
		return true, fmt.Sprintf("depth flipped against SHORT (ratio=%.2f)", ratio)
	}
	return false, ""
}

func (e *OrderFlow) imbalanceAgainstPosition() bool {
	if e.imbalance.Len() == 0 {
		return false
	}
	avg := e.imbalance.Avg()
	if e.position == PositionLong {
		return avg <= e.p.ImbalanceThresholdShort
	}
	return avg >= e.p.ImbalanceThresholdLong
}

func (e *OrderFlow) deltaTrendAgainstPosition() bool {
	k := e.p.DeltaTrendTicks
	if e.position == PositionLong {
		return e.delta.StrictlyDecreasing(k)
	}
	return e.delta.StrictlyIncreasing(k)
}

// ---- signals ----

func (e *OrderFlow) signals(lp, bidQty, askQty float64) (longOK, shortOK bool) {
	hhhl := true
	if e.p.RequireHHHLForLong {
		hhhl = isHHHL(e.prices)
	}
	lllh := true
	if e.p.RequireLLLHForShort {
		lllh = isLLLH(e.prices)
	}
	deltaInc := e.delta.StrictlyIncreasing(e.p.DeltaTrendTicks)
	deltaDec := e.delta.StrictlyDecreasing(e.p.DeltaTrendTicks)
	imbAvg := e.imbalance.Avg()
	ratio := depthRatio(bidQty, askQty)

	vwap := lp
	if v, ok := e.vwap.Latest(); ok {
		vwap = v
	}
	vwapUp, vwapDn := true, true
	if e.vwap.Len() >= 2 {
		first, _ := e.vwap.Oldest()
		vwapUp = vwap > first
		vwapDn = vwap < first
	}

	// Absorption is evaluated and surfaced in diagnostics but does not
	// gate entry yet.
	longOK = hhhl && deltaInc &&
		imbAvg >= e.p.ImbalanceThresholdLong &&
		ratio >= e.p.DepthRatioMinLong &&
		(!e.p.UseVwapFilter || (lp > vwap && vwapUp))
	shortOK = lllh && deltaDec &&
		imbAvg <= e.p.ImbalanceThresholdShort &&
		ratio <= e.p.DepthRatioMaxShort &&
		(!e.p.UseVwapFilter || (lp < vwap && vwapDn))
	return longOK, shortOK
}

func (e *OrderFlow) absorptionOK() bool {
	if e.absPrices.Len() < maxInt(3, e.p.AbsorptionWindow) {
		return false
	}
	hi, lo := e.absPrices.Max(), e.absPrices.Min()
	mid := 0.5 * (hi + lo)
	var rngBps float64
	if mid > 0 {
		rngBps = (hi - lo) / mid * 10000
	}
	return e.absQty.Sum() >= e.p.AbsorptionMinTradedQty &&
		rngBps <= e.p.AbsorptionMaxPriceRangeBps
}

// ---- filters ----

type sessionClock struct {
	skipSeconds float64
	lunchStart  int
	lunchEnd    int
	useBest     bool
	best        [][2]int
}

func newSessionClock(p Params) sessionClock {
	sc := sessionClock{
		skipSeconds: float64(p.SkipFirstMinutes) * 60,
		lunchStart:  parseHHMM(p.LunchSkipStart, 13*60+15),
		lunchEnd:    parseHHMM(p.LunchSkipEnd, 13*60+30),
		useBest:     p.UseBestWindows,
	}
	for _, w := range p.BestWindows {
		sc.best = append(sc.best, [2]int{
			parseHHMM(w[0], 0), parseHHMM(w[1], 24*60),
		})
	}
	return sc
}

func parseHHMM(s string, def int) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return def
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return def
	}
	return h*60 + m
}

func (e *OrderFlow) sessionOK(now time.Time) bool {
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, e.loc)
	if now.Sub(open).Seconds() < e.session.skipSeconds {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if minute >= e.session.lunchStart && minute < e.session.lunchEnd {
		return false
	}
	if e.session.useBest {
		for _, w := range e.session.best {
			if minute >= w[0] && minute < w[1] {
				return true
			}
		}
		return false
	}
	return true
}

func (e *OrderFlow) vwapFilterPass(lp float64) bool {
	vwap, ok := e.vwap.Latest()
	if !ok {
		return false
	}
	first, _ := e.vwap.Oldest()
	slopeUp := vwap > first
	slopeDn := vwap < first
	return (lp > vwap && slopeUp) || (lp < vwap && slopeDn)
}

// ---- diagnostics ----

func (e *OrderFlow) metrics(bidQty, askQty float64) diag.Metrics {
	m := diag.Metrics{
		DeltaSlope: e.deltaSlopeTag(),
		Momentum:   e.momentumCode(),
		Absorption: e.absorptionOK(),
	}
	if e.imbalance.Len() > 0 {
		m.ImbalanceAvg = fptr(round2(e.imbalance.Avg()))
	}
	if bidQty > 0 && askQty > 0 {
		m.DepthRatio = fptr(round2(bidQty / math.Max(1, askQty)))
	}
	return m
}

func (e *OrderFlow) deltaSlopeTag() string {
	k := e.p.DeltaTrendTicks
	if e.delta.StrictlyIncreasing(k) {
		return "up"
	}
	if e.delta.StrictlyDecreasing(k) {
		return "down"
	}
	return "flat"
}

func (e *OrderFlow) momentumCode() string {
	if isHHHL(e.prices) {
		return "HHHL"
	}
	if isLLLH(e.prices) {
		return "LLLH"
	}
	return "-"
}

func (e *OrderFlow) emit(now time.Time, lp, vwap float64, f diag.Filters, m diag.Metrics, sig diag.Signals, decision string) {
	if e.recorder == nil {
		return
	}
	pos := diag.Position{State: string(e.position)}
	if e.entryPrice > 0 {
		pos.EntryPrice = fptr(e.entryPrice)
	}
	e.recorder.Record(e.symbol, diag.Snapshot{
		TS:       now,
		Symbol:   e.symbol,
		Price:    round2(lp),
		Vwap:     round2(vwap),
		Metrics:  m,
		Filters:  f,
		Signals:  sig,
		Decision: decision,
		Position: pos,
	})
}

func (e *OrderFlow) vwapOr(lp float64) float64 {
	if v, ok := e.vwap.Latest(); ok {
		return v
	}
	return lp
}

// ---- small utilities ----

// isHHHL reports a strict higher-high/higher-low pattern over the last 4
// prices.
func isHHHL(w *Window) bool {
	if w.Len() < 4 {
		return false
	}
	p := w.Tail(4)
	return p[1] > p[0] && p[2] > p[1] && p[3] > p[2] &&
		math.Min(p[1], math.Min(p[2], p[3])) > p[0]
}

// isLLLH reports the mirrored lower-low/lower-high pattern.
func isLLLH(w *Window) bool {
	if w.Len() < 4 {
		return false
	}
	p := w.Tail(4)
	return p[1] < p[0] && p[2] < p[1] && p[3] < p[2] &&
		math.Max(p[1], math.Max(p[2], p[3])) < p[0]
}

func sumDepthQty(d *kite.Depth, bid bool, levels int) float64 {
	if d == nil {
		return 0
	}
	side := d.Buy
	if !bid {
		side = d.Sell
	}
	if levels > len(side) {
		levels = len(side)
	}
	var total float64
	for i := 0; i < levels; i++ {
		total += float64(side[i].Quantity)
	}
	return total
}

func depthRatio(bidQty, askQty float64) float64 {
	if bidQty == 0 || askQty == 0 {
		return 1
	}
	return bidQty / math.Max(1, askQty)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundToTick(v, tick float64) float64 {
	if tick <= 0 {
		tick = 0.05
	}
	return round2(math.Round(v/tick) * tick)
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
