package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertOverride stores one config override. Values are JSON-encoded so
// the key→value document round-trips with its types intact.
func (d *Database) UpsertOverride(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode override %s: %w", key, err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, string(raw))
	return err
}

// ListOverrides loads the persisted override map.
func (d *Database) ListOverrides(ctx context.Context) (map[string]any, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value FROM config_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			continue // a corrupt row must not block the rest
		}
		out[key] = value
	}
	return out, rows.Err()
}

// ClearOverrides removes every persisted override.
func (d *Database) ClearOverrides(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM config_overrides`)
	return err
}

// InsertTradeLog appends one entry/exit record.
func (d *Database) InsertTradeLog(ctx context.Context, e TradeLogEntry) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_log (id, symbol, action, side, price, qty, parent_order_id, dry_run, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Symbol, e.Action, e.Side, e.Price, e.Qty, e.ParentOrderID, e.DryRun, e.Reason)
	return err
}

// RecentTradeLog returns the last n records for a symbol, newest first.
func (d *Database) RecentTradeLog(ctx context.Context, symbol string, n int) ([]TradeLogEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, action, side, price, qty,
		       COALESCE(parent_order_id, ''), dry_run, COALESCE(reason, ''), created_at
		FROM trade_log
		WHERE symbol = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("query trade log: %w", err)
	}
	defer rows.Close()

	var out []TradeLogEntry
	for rows.Next() {
		var e TradeLogEntry
		if err := rows.Scan(&e.ID, &e.Symbol, &e.Action, &e.Side, &e.Price, &e.Qty,
			&e.ParentOrderID, &e.DryRun, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
