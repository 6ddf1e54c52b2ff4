// Package whale flags trades whose notional value crosses a USD threshold.
// Detection is a tail over the trades table driven by the "whale_sync"
// cursor, so every trade is considered exactly once no matter how often the
// detector runs or what threshold each run uses.
package whale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

const queryTimeout = 15 * time.Second

// Detector finds and serves whale trades.
type Detector struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a detector.
func New(st *store.Store, logger *slog.Logger) *Detector {
	return &Detector{store: st, log: logger.With("component", "whale")}
}

const insertWhalesSQL = `
	INSERT OR IGNORE INTO whale_trades
		(trade_id, tx_hash, log_index, market_id, trader, side, outcome,
		 price, size, usd_value, block_number, timestamp)
	SELECT id, tx_hash, log_index, market_id, taker, side, outcome,
		price, size, price * size, block_number, timestamp
	FROM trades
	WHERE price * size > ?`

// Backfill flags every historical trade above the threshold. It does not
// move the detection cursor; the tail will still visit newer trades.
func (d *Detector) Backfill(ctx context.Context, threshold float64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := d.store.DB().ExecContext(ctx, insertWhalesSQL, threshold)
	if err != nil {
		return 0, fmt.Errorf("whale backfill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	d.log.Info("whale backfill done", "threshold", threshold, "flagged", n)
	return n, nil
}

// DetectNew tails trades past the whale_sync cursor, flags those above the
// threshold, and returns them joined with market context. The comparison is
// strictly greater: a trade worth exactly the threshold is not flagged, here
// or in Backfill. The cursor always advances to the newest trade examined,
// whale or not.
func (d *Detector) DetectNew(ctx context.Context, threshold float64) ([]types.WhaleTrade, error) {
	cursor, err := d.store.Cursor(ctx, store.CursorWhaleSync)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var maxID int64
	err = d.store.DB().GetContext(qctx, &maxID, "SELECT COALESCE(MAX(id), 0) FROM trades")
	if err != nil {
		return nil, fmt.Errorf("whale tail max id: %w", err)
	}
	if maxID <= cursor {
		return nil, nil
	}

	var whales []types.WhaleTrade
	err = d.store.DB().SelectContext(qctx, &whales, `
		SELECT t.id AS trade_id, t.tx_hash, t.log_index, t.market_id,
			t.taker AS trader, t.side, t.outcome, t.price, t.size,
			t.price * t.size AS usd_value, t.block_number, t.timestamp,
			m.slug AS market_slug, m.question
		FROM trades t
		JOIN markets m ON m.id = t.market_id
		WHERE t.id > ? AND t.price * t.size > ?
		ORDER BY t.id`, cursor, threshold)
	if err != nil {
		return nil, fmt.Errorf("whale tail: %w", err)
	}

	err = d.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, w := range whales {
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO whale_trades
					(trade_id, tx_hash, log_index, market_id, trader, side, outcome,
					 price, size, usd_value, block_number, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				w.TradeID, w.TxHash, w.LogIndex, w.MarketID, w.Trader, w.Side, w.Outcome,
				w.Price, w.Size, w.USDValue, w.BlockNumber, w.Timestamp)
			if err != nil {
				return fmt.Errorf("flag whale trade %d: %w", w.TradeID, err)
			}
		}
		return d.store.SetCursorTx(tx, store.CursorWhaleSync, maxID)
	})
	if err != nil {
		return nil, err
	}
	return whales, nil
}

// ListFilter narrows the whale listing.
type ListFilter struct {
	MarketID *int64
	MinValue float64
	Side     string
	Hours    int
	Limit    int
	Offset   int
}

// List returns whale trades, newest first.
func (d *Detector) List(ctx context.Context, f ListFilter) ([]types.WhaleTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
		SELECT w.*, m.slug AS market_slug, m.question
		FROM whale_trades w
		JOIN markets m ON m.id = w.market_id
		WHERE 1=1`
	var args []any
	if f.MarketID != nil {
		q += " AND w.market_id = ?"
		args = append(args, *f.MarketID)
	}
	if f.MinValue > 0 {
		q += " AND w.usd_value >= ?"
		args = append(args, f.MinValue)
	}
	if f.Side != "" {
		q += " AND w.side = ?"
		args = append(args, f.Side)
	}
	if f.Hours > 0 {
		q += " AND w.timestamp >= ?"
		args = append(args, cutoff(time.Duration(f.Hours)*time.Hour))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY w.timestamp DESC, w.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var out []types.WhaleTrade
	if err := d.store.DB().SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list whales: %w", err)
	}
	return out, nil
}

// Recent returns whale trades from the last N minutes, newest first.
func (d *Detector) Recent(ctx context.Context, minutes, limit int) ([]types.WhaleTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if minutes <= 0 {
		minutes = 60
	}
	if limit <= 0 {
		limit = 50
	}
	var out []types.WhaleTrade
	err := d.store.DB().SelectContext(ctx, &out, `
		SELECT w.*, m.slug AS market_slug, m.question
		FROM whale_trades w
		JOIN markets m ON m.id = w.market_id
		WHERE w.timestamp >= ?
		ORDER BY w.timestamp DESC, w.id DESC
		LIMIT ?`, cutoff(time.Duration(minutes)*time.Minute), limit)
	if err != nil {
		return nil, fmt.Errorf("recent whales: %w", err)
	}
	return out, nil
}

// TopWhale is one row of the stats leaderboard.
type TopWhale struct {
	Trader     string  `db:"trader" json:"trader"`
	TradeCount int64   `db:"trade_count" json:"trade_count"`
	TotalValue float64 `db:"total_value" json:"total_value"`
}

// BusyMarket is a market ranked by whale activity.
type BusyMarket struct {
	MarketID   int64   `db:"market_id" json:"market_id"`
	Slug       string  `db:"market_slug" json:"market_slug"`
	Question   string  `db:"question" json:"question"`
	TradeCount int64   `db:"trade_count" json:"trade_count"`
	TotalValue float64 `db:"total_value" json:"total_value"`
}

// Stats summarizes whale activity over a window.
type Stats struct {
	Hours       int          `json:"hours"`
	TradeCount  int64        `json:"trade_count"`
	TotalVolume float64      `json:"total_volume"`
	BuyVolume   float64      `json:"buy_volume"`
	SellVolume  float64      `json:"sell_volume"`
	TopWhales   []TopWhale   `json:"top_whales"`
	BusyMarkets []BusyMarket `json:"busy_markets"`
}

// WindowStats aggregates whale activity over the last N hours.
func (d *Detector) WindowStats(ctx context.Context, hours int) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if hours <= 0 {
		hours = 24
	}
	s := Stats{Hours: hours}
	since := cutoff(time.Duration(hours) * time.Hour)

	err := d.store.DB().QueryRowxContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(usd_value), 0),
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN usd_value ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN usd_value ELSE 0 END), 0)
		FROM whale_trades WHERE timestamp >= ?`, since).
		Scan(&s.TradeCount, &s.TotalVolume, &s.BuyVolume, &s.SellVolume)
	if err != nil {
		return s, fmt.Errorf("whale stats: %w", err)
	}

	err = d.store.DB().SelectContext(ctx, &s.TopWhales, `
		SELECT trader, COUNT(*) AS trade_count, SUM(usd_value) AS total_value
		FROM whale_trades WHERE timestamp >= ?
		GROUP BY trader ORDER BY total_value DESC LIMIT 10`, since)
	if err != nil {
		return s, fmt.Errorf("top whales: %w", err)
	}

	err = d.store.DB().SelectContext(ctx, &s.BusyMarkets, `
		SELECT w.market_id, m.slug AS market_slug, m.question,
			COUNT(*) AS trade_count, SUM(w.usd_value) AS total_value
		FROM whale_trades w
		JOIN markets m ON m.id = w.market_id
		WHERE w.timestamp >= ?
		GROUP BY w.market_id ORDER BY total_value DESC LIMIT 10`, since)
	if err != nil {
		return s, fmt.Errorf("busy markets: %w", err)
	}
	return s, nil
}

// cutoff formats now-minus-window in the store's timestamp layout.
func cutoff(window time.Duration) string {
	return time.Now().UTC().Add(-window).Format(store.ISOLayout)
}
