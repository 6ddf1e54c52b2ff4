// Package klines builds OHLCV candles from the trades table. Bucketing is
// done in Go after an ordered scan so the open/close tie-break (lowest row
// id wins within a timestamp) stays explicit.
package klines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

const queryTimeout = 15 * time.Second

// Intervals maps candle interval names to bucket widths in seconds.
var Intervals = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"4h":  14400,
	"1d":  86400,
}

// ErrBadInterval is returned for an interval name outside Intervals.
var ErrBadInterval = fmt.Errorf("klines: unknown interval")

// Builder answers candle queries for one store.
type Builder struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a builder.
func New(st *store.Store, logger *slog.Logger) *Builder {
	return &Builder{store: st, log: logger.With("component", "klines")}
}

// pricedTrade is the slice of a trade row candles need.
type pricedTrade struct {
	ID        int64   `db:"id"`
	Price     float64 `db:"price"`
	Size      float64 `db:"size"`
	Timestamp string  `db:"timestamp"`
}

// Candles returns the most recent limit buckets in ascending time order.
// tokenID narrows to one outcome leg when non-empty.
func (b *Builder) Candles(ctx context.Context, marketID int64, interval string, limit int, tokenID string) ([]types.Candle, error) {
	width, ok := Intervals[interval]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrBadInterval, interval)
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
		SELECT id, price, size, timestamp FROM trades
		WHERE market_id = ? AND price > 0`
	args := []any{marketID}
	if tokenID != "" {
		q += " AND token_id = ?"
		args = append(args, tokenID)
	}
	q += " ORDER BY timestamp, id"

	var trades []pricedTrade
	if err := b.store.DB().SelectContext(ctx, &trades, q, args...); err != nil {
		return nil, fmt.Errorf("candle trades market %d: %w", marketID, err)
	}

	buckets := make(map[int64]*types.Candle)
	for _, t := range trades {
		ts, err := time.Parse(store.ISOLayout, t.Timestamp)
		if err != nil {
			b.log.Warn("unparseable trade timestamp", "trade_id", t.ID, "timestamp", t.Timestamp)
			continue
		}
		start := ts.Unix() / width * width
		c, ok := buckets[start]
		if !ok {
			buckets[start] = &types.Candle{
				Timestamp:  start,
				Open:       t.Price,
				High:       t.Price,
				Low:        t.Price,
				Close:      t.Price,
				Volume:     t.Price * t.Size,
				TradeCount: 1,
			}
			continue
		}
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Price * t.Size
		c.TradeCount++
	}

	out := make([]types.Candle, 0, len(buckets))
	for _, c := range buckets {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PricePoint is one (time, price) sample for the range endpoint.
type PricePoint struct {
	Timestamp string  `db:"timestamp" json:"timestamp"`
	Price     float64 `db:"price" json:"price"`
}

// LatestPrice returns the newest traded price for a market, or
// store.ErrNotFound when the market has never traded at a nonzero price.
func (b *Builder) LatestPrice(ctx context.Context, marketID int64) (PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p PricePoint
	err := b.store.DB().GetContext(ctx, &p, `
		SELECT timestamp, price FROM trades
		WHERE market_id = ? AND price > 0
		ORDER BY timestamp DESC, id DESC LIMIT 1`, marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, store.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("latest price market %d: %w", marketID, err)
	}
	return p, nil
}

// PriceRange returns raw price samples from the last N hours in ascending
// time order.
func (b *Builder) PriceRange(ctx context.Context, marketID int64, hours int) ([]PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(store.ISOLayout)

	var out []PricePoint
	err := b.store.DB().SelectContext(ctx, &out, `
		SELECT timestamp, price FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ?
		ORDER BY timestamp, id`, marketID, since)
	if err != nil {
		return nil, fmt.Errorf("price range market %d: %w", marketID, err)
	}
	return out, nil
}
