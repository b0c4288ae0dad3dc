package kite

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotAuthenticated is returned when no access token has been set.
var ErrNotAuthenticated = errors.New("kite: access token not set")

// Client wraps REST access to the Kite trading API.
type Client struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// NewClient builds a REST client for the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:     apiKey,
		BaseURL:    "https://api.kite.trade",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetAccessToken attaches a session token obtained from the login flow.
func (c *Client) SetAccessToken(token string) { c.AccessToken = token }

// LoadAccessToken reads a persisted access token from a tokens file
// ({"access_token": "..."}). A missing file is not an error; the client
// simply stays unauthenticated until a token is set.
func (c *Client) LoadAccessToken(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tokens file: %w", err)
	}
	var doc struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tokens file: %w", err)
	}
	if doc.AccessToken != "" {
		c.AccessToken = doc.AccessToken
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if c.AccessToken == "" {
		return ErrNotAuthenticated
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.APIKey+":"+c.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		var apiErr struct {
			Message   string `json:"message"`
			ErrorType string `json:"error_type"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("kite %s %s: %s (%s)", method, path, apiErr.Message, apiErr.ErrorType)
		}
		return fmt.Errorf("kite %s %s: status %d", method, path, res.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Profile fetches the account profile; used as a session liveness check
// before the feed is started.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var res struct {
		Data Profile `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &res); err != nil {
		return Profile{}, err
	}
	return res.Data, nil
}

// PlaceCoverOrder places a cover order (market or limit entry with a
// mandatory stop-loss trigger child) and returns the parent order id.
func (c *Client) PlaceCoverOrder(ctx context.Context, req CoverOrderRequest) (string, error) {
	orderType := strings.ToUpper(req.OrderType)
	if orderType == "" {
		orderType = "MARKET"
	}

	form := url.Values{}
	form.Set("exchange", req.Exchange)
	form.Set("tradingsymbol", req.Symbol)
	form.Set("transaction_type", strings.ToUpper(req.Side))
	form.Set("quantity", strconv.Itoa(req.Qty))
	form.Set("product", "MIS")
	form.Set("order_type", orderType)
	form.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64))
	if orderType == "LIMIT" {
		if req.Price <= 0 {
			return "", errors.New("kite: price is required for LIMIT cover orders")
		}
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}

	var res struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/co", form, &res); err != nil {
		return "", err
	}
	if res.Data.OrderID == "" {
		return "", errors.New("kite: cover order accepted without an order_id")
	}
	return res.Data.OrderID, nil
}

// ExitCoverOrder exits a cover order position by cancelling the open
// stop-loss child of the given parent order. Returns the child order id.
func (c *Client) ExitCoverOrder(ctx context.Context, parentOrderID string) (string, error) {
	if parentOrderID == "" {
		return "", errors.New("kite: parent order id is required to exit a cover order")
	}

	childID, err := c.findOpenChild(ctx, parentOrderID)
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/orders/co/%s?parent_order_id=%s", childID, url.QueryEscape(parentOrderID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return "", err
	}
	return childID, nil
}

func (c *Client) findOpenChild(ctx context.Context, parentOrderID string) (string, error) {
	var res struct {
		Data []struct {
			OrderID       string `json:"order_id"`
			ParentOrderID string `json:"parent_order_id"`
			Status        string `json:"status"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &res); err != nil {
		return "", err
	}
	for _, o := range res.Data {
		if o.ParentOrderID != parentOrderID {
			continue
		}
		switch o.Status {
		case "OPEN", "TRIGGER PENDING":
			return o.OrderID, nil
		}
	}
	return "", fmt.Errorf("kite: no open child order for parent %s", parentOrderID)
}

// Instruments fetches the full instrument dump (CSV) and parses the
// columns the engine cares about. The caller is expected to cache it.
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	if c.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/instruments", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.APIKey+":"+c.AccessToken)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kite instruments: status %d", res.StatusCode)
	}

	return parseInstrumentsCSV(res.Body)
}

func parseInstrumentsCSV(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("instruments csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"instrument_token", "exchange", "tradingsymbol"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instruments csv missing column %q", required)
		}
	}

	var out []Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments csv row: %w", err)
		}
		token, err := strconv.ParseUint(field(rec, col, "instrument_token"), 10, 32)
		if err != nil {
			continue // skip malformed rows rather than failing the dump
		}
		inst := Instrument{
			Token:    uint32(token),
			Exchange: field(rec, col, "exchange"),
			Symbol:   field(rec, col, "tradingsymbol"),
			Name:     field(rec, col, "name"),
		}
		if ts := field(rec, col, "tick_size"); ts != "" {
			inst.TickSize, _ = strconv.ParseFloat(ts, 64)
		}
		out = append(out, inst)
	}
	return out, nil
}

func field(rec []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}
