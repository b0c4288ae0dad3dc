package market

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"intraday-core/internal/events"
	"intraday-core/pkg/kite"
)

type fakeConn struct {
	mu           sync.Mutex
	dialErr      error
	dials        int
	subscribed   [][]uint32
	unsubscribed [][]uint32
	modes        []string
	closed       int
	reads        chan []kite.Tick
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []kite.Tick, 16)}
}

func (c *fakeConn) Dial(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	return c.dialErr
}

func (c *fakeConn) Subscribe(tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, append([]uint32(nil), tokens...))
	return nil
}

func (c *fakeConn) Unsubscribe(tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, append([]uint32(nil), tokens...))
	return nil
}

func (c *fakeConn) SetMode(mode string, _ []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = append(c.modes, mode)
	return nil
}

func (c *fakeConn) ReadBatch() ([]kite.Tick, error) {
	batch, ok := <-c.reads
	if !ok {
		return nil, io.EOF
	}
	return batch, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		ChunkSize:      2,
		ChunkPause:     time.Millisecond,
		Reconnect:      ReconnectPolicy{MaxRetries: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func TestStartSubscribesAndPublishes(t *testing.T) {
	conn := newFakeConn()
	bus := events.NewBus()
	received := make(chan []kite.Tick, 1)
	bus.Subscribe(func(batch []kite.Tick) { received <- batch })

	s := NewStream(conn, bus, testOptions())
	if err := s.Start(context.Background(), []uint32{3, 1, 2}, kite.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if st := s.State(); st != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", st)
	}

	waitFor(t, "chunked subscribe", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.subscribed) == 2 && len(conn.modes) == 1
	})
	conn.mu.Lock()
	first := conn.subscribed[0]
	mode := conn.modes[0]
	conn.mu.Unlock()
	// Tokens subscribe sorted, in chunks of two.
	if len(first) != 2 || first[0] != 1 || first[1] != 2 {
		t.Fatalf("first chunk = %v, want [1 2]", first)
	}
	if mode != kite.ModeFull {
		t.Fatalf("mode = %s, want %s", mode, kite.ModeFull)
	}

	conn.reads <- []kite.Tick{{InstrumentToken: 1, LastPrice: 10}}
	select {
	case batch := <-received:
		if len(batch) != 1 || batch[0].InstrumentToken != 1 {
			t.Fatalf("unexpected batch %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch never published")
	}
}

func TestStartTwiceFails(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(conn, events.NewBus(), testOptions())
	if err := s.Start(context.Background(), []uint32{1}, kite.ModeLTP); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background(), []uint32{1}, kite.ModeLTP); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestReconnectBudgetExhaustionIsTerminal(t *testing.T) {
	conn := newFakeConn()
	conn.dialErr = errors.New("connection refused")

	var mu sync.Mutex
	var states []State
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	opts.OnStatus = func(st State, _ error) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}

	s := NewStream(conn, events.NewBus(), opts)
	if err := s.Start(context.Background(), []uint32{1}, kite.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop never gave up")
	}
	if st := s.State(); st != StateNoReconnect {
		t.Fatalf("state = %v, want NO_RECONNECT", st)
	}
	conn.mu.Lock()
	dials := conn.dials
	conn.mu.Unlock()
	if dials != 4 { // initial + MaxRetries
		t.Fatalf("dial attempts = %d, want 4", dials)
	}
	mu.Lock()
	last := states[len(states)-1]
	mu.Unlock()
	if last != StateNoReconnect {
		t.Fatalf("last status callback = %v, want NO_RECONNECT", last)
	}
}

func TestContextCancelSurfacesStoppedState(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var last State
	opts := testOptions()
	opts.OnStatus = func(st State, _ error) {
		mu.Lock()
		last = st
		mu.Unlock()
	}

	s := NewStream(conn, events.NewBus(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, []uint32{1}, kite.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancel()
	// Unblock the read loop so it observes the dead context.
	conn.reads <- []kite.Tick{{InstrumentToken: 1, LastPrice: 10}}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit on context cancel")
	}
	if st := s.State(); st != StateDisconnected {
		t.Fatalf("state = %v, want DISCONNECTED", st)
	}
	mu.Lock()
	got := last
	mu.Unlock()
	if got != StateDisconnected {
		t.Fatalf("last status callback = %v, want DISCONNECTED", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(conn, events.NewBus(), testOptions())
	if err := s.Start(context.Background(), []uint32{1}, kite.ModeQuote); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()
	if st := s.State(); st != StateClosed {
		t.Fatalf("state = %v, want CLOSED", st)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed != 1 {
		t.Fatalf("close calls = %d, want 1", closed)
	}
}

func TestUpdateTokensIssuesDiff(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(conn, events.NewBus(), testOptions())
	if err := s.Start(context.Background(), []uint32{1, 2}, kite.ModeFull); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "initial subscribe", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.subscribed) >= 1
	})

	s.UpdateTokens(context.Background(), []uint32{2, 3})

	waitFor(t, "diff subscribe", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.unsubscribed) == 1 && len(conn.subscribed) >= 2
	})
	conn.mu.Lock()
	removed := conn.unsubscribed[0]
	added := conn.subscribed[len(conn.subscribed)-1]
	conn.mu.Unlock()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("unsubscribed = %v, want [1]", removed)
	}
	if len(added) != 1 || added[0] != 3 {
		t.Fatalf("subscribed diff = %v, want [3]", added)
	}
}
