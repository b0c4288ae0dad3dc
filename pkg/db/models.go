package db

import "time"

// TradeLogEntry is one recorded entry or exit decision, real or simulated.
type TradeLogEntry struct {
	ID            string
	Symbol        string
	Action        string // ENTER_LONG, ENTER_SHORT, EXIT
	Side          string // BUY or SELL
	Price         float64
	Qty           int
	ParentOrderID string
	DryRun        bool
	Reason        string
	CreatedAt     time.Time
}
