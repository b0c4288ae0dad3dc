// Package market manages the streaming connection to the exchange feed.
package market

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"intraday-core/internal/events"
	"intraday-core/pkg/kite"
)

// State is the connection lifecycle state of a Stream.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	// StateNoReconnect is terminal: the retry budget is exhausted and the
	// operator has to restart the feed.
	StateNoReconnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	case StateNoReconnect:
		return "NO_RECONNECT"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyStarted is returned when Start is called on a running stream.
var ErrAlreadyStarted = errors.New("stream already started")

// Conn is the wire transport the stream drives. *kite.Ticker implements it.
type Conn interface {
	Dial(ctx context.Context) error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetMode(mode string, tokens []uint32) error
	ReadBatch() ([]kite.Tick, error)
	Close() error
}

// ReconnectPolicy bounds automatic reconnection. It is passed explicitly
// at construction; the stream never probes the transport for reconnect
// capabilities.
type ReconnectPolicy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// Options tune one stream instance.
type Options struct {
	ConnectTimeout time.Duration
	ChunkSize      int
	ChunkPause     time.Duration
	Reconnect      ReconnectPolicy
	// OnStatus is invoked on state transitions; err is non-nil for
	// transitions caused by a failure. Must not block.
	OnStatus func(s State, err error)
}

// Stream owns one streaming connection: connect, chunked (re)subscribe,
// mode selection and bounded reconnection. Every inbound batch is
// forwarded verbatim to the tick bus.
type Stream struct {
	conn    Conn
	bus     *events.Bus
	opts    Options
	limiter *rate.Limiter

	state atomic.Int32

	mu     sync.Mutex // guards tokens and mode
	tokens map[uint32]struct{}
	mode   string

	cancel      context.CancelFunc
	done        chan struct{}
	connected   chan struct{}
	connectOnce sync.Once
	stopOnce    sync.Once
}

// NewStream builds a stream over the given transport. Missing options
// fall back to conservative defaults.
func NewStream(conn Conn, bus *events.Bus, opts Options) *Stream {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 400
	}
	if opts.ChunkPause <= 0 {
		opts.ChunkPause = 50 * time.Millisecond
	}
	if opts.Reconnect.MaxRetries <= 0 {
		opts.Reconnect.MaxRetries = 50
	}
	if opts.Reconnect.MinDelay <= 0 {
		opts.Reconnect.MinDelay = time.Second
	}
	if opts.Reconnect.MaxDelay < opts.Reconnect.MinDelay {
		opts.Reconnect.MaxDelay = opts.Reconnect.MinDelay
	}
	return &Stream{
		conn:      conn,
		bus:       bus,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(opts.ChunkPause), 1),
		tokens:    make(map[uint32]struct{}),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State, err error) {
	s.state.Store(int32(st))
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st, err)
	}
}

// Start opens the connection and subscribes to tokens in mode. It blocks
// until connected or until the connect timeout elapses; a timeout is not
// a failure — the stream keeps connecting in the background.
func (s *Stream) Start(ctx context.Context, tokens []uint32, mode string) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	if mode == "" {
		mode = kite.ModeFull
	}
	s.mode = mode
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)

	select {
	case <-s.connected:
	case <-time.After(s.opts.ConnectTimeout):
		log.Printf("stream: not connected after %v, continuing in background", s.opts.ConnectTimeout)
	case <-runCtx.Done():
	}
	return nil
}

// Stop closes the connection. Idempotent; close failures are logged,
// never returned.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.setState(StateClosed, nil)
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.conn.Close(); err != nil {
			log.Printf("stream: error closing connection: %v", err)
		}
	})
}

// UpdateTokens reconciles the subscription against newSet: removed tokens
// are unsubscribed, added ones subscribed in chunks. Safe while connected.
func (s *Stream) UpdateTokens(ctx context.Context, newSet []uint32) {
	want := make(map[uint32]struct{}, len(newSet))
	for _, t := range newSet {
		want[t] = struct{}{}
	}

	s.mu.Lock()
	var added, removed []uint32
	for t := range want {
		if _, ok := s.tokens[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range s.tokens {
		if _, ok := want[t]; !ok {
			removed = append(removed, t)
		}
	}
	s.tokens = want
	mode := s.mode
	s.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	if s.State() != StateConnected {
		return // next connect subscribes the reconciled set
	}
	if len(removed) > 0 {
		if err := s.conn.Unsubscribe(removed); err != nil {
			log.Printf("stream: unsubscribe failed: %v", err)
		}
	}
	if len(added) > 0 {
		s.subscribeChunks(ctx, added, mode)
	}
}

// run drives the connect/read/reconnect loop until stopped or the retry
// budget is exhausted.
func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	attempts := 0
	for {
		if err := s.conn.Dial(ctx); err != nil {
			if ctx.Err() != nil || s.State() == StateClosed {
				s.markStopped(ctx.Err())
				return
			}
			log.Printf("stream: connect failed: %v", err)
			if !s.backoff(ctx, &attempts, err) {
				return
			}
			continue
		}

		attempts = 0
		s.setState(StateConnected, nil)
		s.connectOnce.Do(func() { close(s.connected) })

		s.mu.Lock()
		tokens := make([]uint32, 0, len(s.tokens))
		for t := range s.tokens {
			tokens = append(tokens, t)
		}
		mode := s.mode
		s.mu.Unlock()
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		log.Printf("stream: connected, subscribing %d tokens (mode=%s)", len(tokens), mode)
		s.subscribeChunks(ctx, tokens, mode)

		readErr := s.readLoop(ctx)
		if ctx.Err() != nil || s.State() == StateClosed {
			s.markStopped(readErr)
			return
		}
		log.Printf("stream: connection lost: %v", readErr)
		s.setState(StateReconnecting, readErr)
		if !s.backoff(ctx, &attempts, readErr) {
			return
		}
	}
}

// markStopped records a run-loop exit that did not go through Stop, so
// the control plane does not keep reporting a live connection.
func (s *Stream) markStopped(cause error) {
	if st := s.State(); st == StateClosed || st == StateNoReconnect {
		return
	}
	log.Printf("stream: run loop stopped: %v", cause)
	s.setState(StateDisconnected, cause)
}

func (s *Stream) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := s.conn.ReadBatch()
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			s.bus.Publish(batch)
		}
	}
}

// backoff sleeps before the next attempt, doubling the delay between the
// policy bounds. Returns false when the budget is exhausted or the stream
// was stopped.
func (s *Stream) backoff(ctx context.Context, attempts *int, cause error) bool {
	*attempts++
	if *attempts > s.opts.Reconnect.MaxRetries {
		log.Printf("stream: giving up after %d attempts: %v", *attempts-1, cause)
		s.setState(StateNoReconnect, cause)
		return false
	}

	delay := s.opts.Reconnect.MinDelay << (*attempts - 1)
	if delay > s.opts.Reconnect.MaxDelay || delay <= 0 {
		delay = s.opts.Reconnect.MaxDelay
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// subscribeChunks subscribes tokens in bounded chunks with a pause between
// chunks to respect upstream rate limits, then applies the streaming mode.
func (s *Stream) subscribeChunks(ctx context.Context, tokens []uint32, mode string) {
	for start := 0; start < len(tokens); start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.conn.Subscribe(chunk); err != nil {
			log.Printf("stream: subscribe failed for chunk of %d: %v", len(chunk), err)
			continue
		}
	}
	if len(tokens) > 0 {
		if err := s.conn.SetMode(mode, tokens); err != nil {
			log.Printf("stream: set mode %s failed: %v", mode, err)
		}
	}
}

// Done is closed when the run loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }
