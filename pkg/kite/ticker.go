package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by ticker operations before Dial succeeds.
var ErrNotConnected = errors.New("kite: ticker not connected")

// Ticker is one websocket connection to the streaming endpoint. It only
// speaks the wire protocol: dialing, subscribe/mode commands and reading
// tick batches. Reconnection and chunking live in the stream layer above.
type Ticker struct {
	apiKey      string
	accessToken string
	wsURL       string
	dialer      *websocket.Dialer

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn
}

// NewTicker builds a ticker for the given credentials.
func NewTicker(apiKey, accessToken string) *Ticker {
	u := url.URL{
		Scheme:   "wss",
		Host:     "ws.kite.trade",
		RawQuery: url.Values{"api_key": {apiKey}, "access_token": {accessToken}}.Encode(),
	}
	return &Ticker{
		apiKey:      apiKey,
		accessToken: accessToken,
		wsURL:       u.String(),
		dialer:      websocket.DefaultDialer,
	}
}

// Dial opens the websocket connection, replacing any previous one.
func (t *Ticker) Dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial kite ws: %w", err)
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

type wsCommand struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

func (t *Ticker) writeCommand(cmd wsCommand) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Subscribe registers interest in the given instrument tokens.
func (t *Ticker) Subscribe(tokens []uint32) error {
	return t.writeCommand(wsCommand{Action: "subscribe", Value: tokens})
}

// Unsubscribe drops the given instrument tokens.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	return t.writeCommand(wsCommand{Action: "unsubscribe", Value: tokens})
}

// SetMode switches the streaming mode (full/quote/ltp) for the tokens.
func (t *Ticker) SetMode(mode string, tokens []uint32) error {
	return t.writeCommand(wsCommand{Action: "mode", Value: []any{mode, tokens}})
}

// ReadBatch blocks for the next inbound frame and returns the parsed tick
// batch. Text frames (postbacks, error messages) yield an empty batch.
func (t *Ticker) ReadBatch() ([]Tick, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch msgType {
	case websocket.BinaryMessage:
		return ParseBinary(msg), nil
	case websocket.TextMessage:
		// Postback/error envelope; surface server errors to the caller.
		var env struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}
		if jsonErr := json.Unmarshal(msg, &env); jsonErr == nil && env.Type == "error" {
			return nil, fmt.Errorf("kite ws error: %v", env.Data)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// Close sends a normal close frame and tears the connection down.
// Safe to call when not connected.
func (t *Ticker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}
