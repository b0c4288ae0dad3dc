package kite

import "time"

// Streaming modes accepted by the ticker. Full carries market depth,
// LTP carries last price only.
const (
	ModeFull  = "full"
	ModeQuote = "quote"
	ModeLTP   = "ltp"
)

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// Depth holds the top five levels on each side of the book.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is one market update for an instrument. Depth is nil in LTP mode.
type Tick struct {
	InstrumentToken uint32    `json:"instrument_token"`
	Mode            string    `json:"mode"`
	LastPrice       float64   `json:"last_price"`
	LastTradedQty   uint32    `json:"last_traded_quantity"`
	AvgTradePrice   float64   `json:"average_traded_price"`
	VolumeTraded    uint32    `json:"volume_traded"`
	TotalBuyQty     uint32    `json:"total_buy_quantity"`
	TotalSellQty    uint32    `json:"total_sell_quantity"`
	Depth           *Depth    `json:"depth,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// BestBid returns the top buy level price, or false when depth is absent.
func (t Tick) BestBid() (float64, bool) {
	if t.Depth == nil || len(t.Depth.Buy) == 0 {
		return 0, false
	}
	return t.Depth.Buy[0].Price, true
}

// BestAsk returns the top sell level price, or false when depth is absent.
func (t Tick) BestAsk() (float64, bool) {
	if t.Depth == nil || len(t.Depth.Sell) == 0 {
		return 0, false
	}
	return t.Depth.Sell[0].Price, true
}

// Instrument is one row of the exchange instrument dump.
type Instrument struct {
	Token    uint32
	Exchange string
	Symbol   string
	Name     string
	TickSize float64
}

// Profile is the minimal account identity used as a liveness check.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// CoverOrderRequest describes a stop-protected entry order.
type CoverOrderRequest struct {
	Exchange     string
	Symbol       string
	Side         string // BUY or SELL
	Qty          int
	TriggerPrice float64
	OrderType    string  // MARKET or LIMIT
	Price        float64 // required for LIMIT entries
}
