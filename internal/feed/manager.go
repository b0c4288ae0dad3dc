// Package feed owns the streaming lifecycle: the tick bus, the stream,
// the per-symbol engines and the shared market caches.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"intraday-core/internal/config"
	"intraday-core/internal/diag"
	"intraday-core/internal/events"
	"intraday-core/internal/market"
	"intraday-core/internal/strategy"
	"intraday-core/pkg/kite"
)

// TickHistoryCap bounds the shared recent-tick buffer.
const TickHistoryCap = 50

var (
	ErrFeedRunning    = errors.New("feed already running")
	ErrFeedNotRunning = errors.New("feed not running")
)

// Broker is the exchange-facing surface the manager needs: a liveness
// probe plus order placement. *kite.Client implements it.
type Broker interface {
	strategy.Gateway
	Profile(ctx context.Context) (kite.Profile, error)
}

// Options wire one Manager.
type Options struct {
	Broker   Broker
	Store    *config.Store
	Recorder *diag.Recorder
	Trades   strategy.TradeLogger
	Location *time.Location
	// NewConn builds a fresh transport per feed start.
	NewConn func() (market.Conn, error)
	Stream  market.Options
}

// Status is the control-plane view of the feed.
type Status struct {
	Running    bool               `json:"running"`
	State      string             `json:"state"`
	Mode       string             `json:"mode"`
	Symbols    []string           `json:"symbols"`
	LastPrices map[string]float64 `json:"last_prices"`
	LastError  string             `json:"last_error,omitempty"`
}

// Manager serializes all control-plane operations behind one mutex and
// dispatches ticks to engines by instrument token.
type Manager struct {
	opts Options

	mu        sync.Mutex
	running   bool
	stream    *market.Stream
	mode      string
	tokens    map[string]uint32
	cancelRun context.CancelFunc

	engMu    sync.RWMutex
	engines  map[string]strategy.Strategy
	byToken  map[uint32]strategy.Strategy
	symOfTok map[uint32]string

	cacheMu    sync.Mutex
	lastPrices map[string]float64
	lastTicks  []kite.Tick

	statusMu  sync.Mutex
	lastState market.State
	lastErr   error
}

// NewManager creates a stopped manager.
func NewManager(opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Manager{
		opts:       opts,
		lastPrices: make(map[string]float64),
	}
}

// StartFeed probes the broker, builds one engine per symbol from the
// current effective config and opens the stream. Token map is symbol to
// instrument token.
func (m *Manager) StartFeed(ctx context.Context, tokens map[string]uint32, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrFeedRunning
	}
	if len(tokens) == 0 {
		return errors.New("no instruments to subscribe")
	}
	if mode == "" {
		mode = kite.ModeFull
	}

	if m.opts.Broker != nil {
		if _, err := m.opts.Broker.Profile(ctx); err != nil {
			return fmt.Errorf("broker liveness check: %w", err)
		}
	}

	conn, err := m.opts.NewConn()
	if err != nil {
		return fmt.Errorf("build stream transport: %w", err)
	}

	params := strategy.ParamsFromMap(m.opts.Store.Effective())
	engines := make(map[string]strategy.Strategy, len(tokens))
	byToken := make(map[uint32]strategy.Strategy, len(tokens))
	symOfTok := make(map[uint32]string, len(tokens))
	for sym, tok := range tokens {
		eng, err := strategy.New(strategy.Deps{
			Symbol:   sym,
			Token:    tok,
			Params:   params,
			Gateway:  m.opts.Broker,
			Recorder: m.opts.Recorder,
			Trades:   m.opts.Trades,
			Location: m.opts.Location,
		})
		if err != nil {
			return fmt.Errorf("build engine for %s: %w", sym, err)
		}
		engines[sym] = eng
		byToken[tok] = eng
		symOfTok[tok] = sym
	}

	m.engMu.Lock()
	m.engines = engines
	m.byToken = byToken
	m.symOfTok = symOfTok
	m.engMu.Unlock()

	bus := events.NewBus()
	bus.Subscribe(m.recordTicks)
	bus.Subscribe(m.dispatch)

	streamOpts := m.opts.Stream
	userStatus := streamOpts.OnStatus
	streamOpts.OnStatus = func(st market.State, err error) {
		m.onStatus(st, err)
		if userStatus != nil {
			userStatus(st, err)
		}
	}
	stream := market.NewStream(conn, bus, streamOpts)

	tokenList := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		tokenList = append(tokenList, tok)
	}
	// The caller's ctx only scopes the start call itself (liveness probe,
	// connect wait). The run loop lives until StopFeed, so it gets a
	// context rooted in the manager, not in an HTTP request.
	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := stream.Start(runCtx, tokenList, mode); err != nil {
		cancelRun()
		return fmt.Errorf("start stream: %w", err)
	}

	m.cancelRun = cancelRun
	m.stream = stream
	m.mode = mode
	m.tokens = tokens
	m.running = true
	log.Printf("feed: started with %d instruments (mode=%s)", len(tokens), mode)
	return nil
}

// StopFeed closes the stream and discards the engines. Idempotent. No
// outstanding exchange order is cancelled as a side effect.
func (m *Manager) StopFeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.stream.Stop()
	m.cancelRun()
	m.cancelRun = nil
	m.stream = nil
	m.running = false
	m.engMu.Lock()
	m.engines = nil
	m.byToken = nil
	m.symOfTok = nil
	m.engMu.Unlock()
	log.Printf("feed: stopped")
}

// UpdateTokens reconciles the subscription and the engine set against the
// new symbol map. Engines for surviving symbols keep their state.
func (m *Manager) UpdateTokens(ctx context.Context, tokens map[string]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrFeedNotRunning
	}
	if len(tokens) == 0 {
		return errors.New("no instruments to subscribe")
	}

	params := strategy.ParamsFromMap(m.opts.Store.Effective())

	m.engMu.Lock()
	engines := make(map[string]strategy.Strategy, len(tokens))
	byToken := make(map[uint32]strategy.Strategy, len(tokens))
	symOfTok := make(map[uint32]string, len(tokens))
	for sym, tok := range tokens {
		if old, ok := m.engines[sym]; ok && m.tokens[sym] == tok {
			engines[sym] = old
		} else {
			eng, err := strategy.New(strategy.Deps{
				Symbol:   sym,
				Token:    tok,
				Params:   params,
				Gateway:  m.opts.Broker,
				Recorder: m.opts.Recorder,
				Trades:   m.opts.Trades,
				Location: m.opts.Location,
			})
			if err != nil {
				m.engMu.Unlock()
				return fmt.Errorf("build engine for %s: %w", sym, err)
			}
			engines[sym] = eng
		}
		byToken[tok] = engines[sym]
		symOfTok[tok] = sym
	}
	m.engines = engines
	m.byToken = byToken
	m.symOfTok = symOfTok
	m.engMu.Unlock()

	tokenList := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		tokenList = append(tokenList, tok)
	}
	m.stream.UpdateTokens(ctx, tokenList)
	m.tokens = tokens
	log.Printf("feed: token set updated, %d instruments", len(tokens))
	return nil
}

// ApplyConfig persists overrides via the store. Non-structural changes
// are pushed into running engines; a structural change is persisted but
// takes effect only on the next feed start.
func (m *Manager) ApplyConfig(ctx context.Context, raw map[string]any) (config.ApplyResult, error) {
	res, err := m.opts.Store.Apply(ctx, raw)
	if err != nil {
		return res, err
	}
	if res.RebuildRequired {
		log.Printf("feed: structural config change, engines rebuild on next start")
		return res, nil
	}
	effective := m.opts.Store.Effective()
	m.engMu.RLock()
	for _, eng := range m.engines {
		eng.ApplyLive(effective)
	}
	m.engMu.RUnlock()
	return res, nil
}

// ResetConfig clears all overrides and pushes base defaults into running
// engines.
func (m *Manager) ResetConfig(ctx context.Context) error {
	if err := m.opts.Store.Reset(ctx); err != nil {
		return err
	}
	effective := m.opts.Store.Effective()
	m.engMu.RLock()
	for _, eng := range m.engines {
		eng.ApplyLive(effective)
	}
	m.engMu.RUnlock()
	return nil
}

// SquareOff force-flattens one symbol, or every engine when symbol is
// "all" or empty.
func (m *Manager) SquareOff(symbol, reason string) error {
	if reason == "" {
		reason = "manual square-off"
	}
	m.engMu.RLock()
	defer m.engMu.RUnlock()
	if len(m.engines) == 0 {
		return ErrFeedNotRunning
	}
	if symbol == "" || symbol == "all" {
		for _, eng := range m.engines {
			eng.SquareOff(reason)
		}
		return nil
	}
	eng, ok := m.engines[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	eng.SquareOff(reason)
	return nil
}

// Status reports the current feed state for the control plane.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running := m.running
	mode := m.mode
	var state market.State
	if m.stream != nil {
		state = m.stream.State()
	}
	m.mu.Unlock()

	m.statusMu.Lock()
	if !running && m.lastState != 0 {
		state = m.lastState
	}
	var lastErr string
	if m.lastErr != nil {
		lastErr = m.lastErr.Error()
	}
	m.statusMu.Unlock()

	m.engMu.RLock()
	symbols := make([]string, 0, len(m.engines))
	for sym := range m.engines {
		symbols = append(symbols, sym)
	}
	m.engMu.RUnlock()
	sort.Strings(symbols)

	m.cacheMu.Lock()
	prices := make(map[string]float64, len(m.lastPrices))
	for sym, p := range m.lastPrices {
		prices[sym] = p
	}
	m.cacheMu.Unlock()

	return Status{
		Running:    running,
		State:      state.String(),
		Mode:       mode,
		Symbols:    symbols,
		LastPrices: prices,
		LastError:  lastErr,
	}
}

// RecentTicks returns a copy of the recent-tick buffer, oldest first.
// A non-empty symbol restricts the result to that instrument.
func (m *Manager) RecentTicks(symbol string) []kite.Tick {
	var token uint32
	if symbol != "" {
		m.engMu.RLock()
		for tok, sym := range m.symOfTok {
			if sym == symbol {
				token = tok
				break
			}
		}
		m.engMu.RUnlock()
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if symbol == "" {
		out := make([]kite.Tick, len(m.lastTicks))
		copy(out, m.lastTicks)
		return out
	}
	out := make([]kite.Tick, 0, len(m.lastTicks))
	for _, t := range m.lastTicks {
		if t.InstrumentToken == token {
			out = append(out, t)
		}
	}
	return out
}

// dispatch routes every tick to the engine owning its instrument token.
func (m *Manager) dispatch(batch []kite.Tick) {
	m.engMu.RLock()
	byToken := m.byToken
	m.engMu.RUnlock()
	for _, t := range batch {
		if eng, ok := byToken[t.InstrumentToken]; ok {
			eng.OnTick(t)
		}
	}
}

// recordTicks maintains the last-price map and the bounded tick history.
// The lock is scoped to the mutation only.
func (m *Manager) recordTicks(batch []kite.Tick) {
	m.engMu.RLock()
	symOfTok := m.symOfTok
	m.engMu.RUnlock()

	m.cacheMu.Lock()
	for _, t := range batch {
		if sym, ok := symOfTok[t.InstrumentToken]; ok && t.LastPrice > 0 {
			m.lastPrices[sym] = t.LastPrice
		}
		m.lastTicks = append(m.lastTicks, t)
	}
	if len(m.lastTicks) > TickHistoryCap {
		m.lastTicks = m.lastTicks[len(m.lastTicks)-TickHistoryCap:]
	}
	m.cacheMu.Unlock()
}

func (m *Manager) onStatus(st market.State, err error) {
	m.statusMu.Lock()
	m.lastState = st
	if err != nil {
		m.lastErr = err
	}
	m.statusMu.Unlock()
	if st == market.StateNoReconnect {
		log.Printf("feed: reconnect budget exhausted, operator restart required: %v", err)
	}
}
