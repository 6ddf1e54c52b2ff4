// Package metrics computes flow analytics on demand from the trades table.
// Everything is a windowed scan with the mandatory predicates
// market_id = ? AND price > 0 (plus an optional token filter); nothing is
// pre-aggregated except the rollups already kept on the markets rows.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zh0006xu/PolyLens/internal/store"
)

const queryTimeout = 15 * time.Second

// Periods maps the public window names to their lengths in seconds.
var Periods = map[string]int64{
	"1h":  3600,
	"4h":  14400,
	"24h": 86400,
	"7d":  604800,
	"30d": 2592000,
}

// ErrBadPeriod is returned for a window name outside Periods.
var ErrBadPeriod = fmt.Errorf("metrics: unknown period")

// Engine answers metric queries for one store.
type Engine struct {
	store *store.Store
	log   *slog.Logger
}

// New creates an engine.
func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, log: logger.With("component", "metrics")}
}

// windowStart resolves a period name to its cutoff timestamp.
func windowStart(period string) (string, error) {
	secs, ok := Periods[period]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrBadPeriod, period)
	}
	return time.Now().UTC().Add(-time.Duration(secs) * time.Second).Format(store.ISOLayout), nil
}

// BuySellRatio is buy/sell pressure over one window.
type BuySellRatio struct {
	MarketID   int64    `json:"market_id"`
	Period     string   `json:"period"`
	BuyVolume  float64  `json:"buy_volume"`
	SellVolume float64  `json:"sell_volume"`
	BuyCount   int64    `json:"buy_count"`
	SellCount  int64    `json:"sell_count"`
	BuyPct     float64  `json:"buy_percentage"`
	Ratio      *float64 `json:"buy_sell_ratio"` // null when undefined (no volume or no sells)
}

// BuySellPressure aggregates volume by side. The ratio is null both when the
// window is empty and when there are no sells, so clients never see a
// division-by-zero sentinel.
func (e *Engine) BuySellPressure(ctx context.Context, marketID int64, period, tokenID string) (BuySellRatio, error) {
	out := BuySellRatio{MarketID: marketID, Period: period}
	since, err := windowStart(period)
	if err != nil {
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
		SELECT
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN price * size ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN price * size ELSE 0 END), 0),
			COALESCE(SUM(side = 'BUY'), 0),
			COALESCE(SUM(side = 'SELL'), 0)
		FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ?`
	args := []any{marketID, since}
	if tokenID != "" {
		q += " AND token_id = ?"
		args = append(args, tokenID)
	}
	err = e.store.DB().QueryRowxContext(ctx, q, args...).
		Scan(&out.BuyVolume, &out.SellVolume, &out.BuyCount, &out.SellCount)
	if err != nil {
		return out, fmt.Errorf("buy/sell pressure market %d: %w", marketID, err)
	}

	total := out.BuyVolume + out.SellVolume
	switch {
	case total == 0:
		out.BuyPct = 50
	case out.SellVolume == 0:
		out.BuyPct = 100
	default:
		out.BuyPct = out.BuyVolume / total * 100
		r := out.BuyVolume / out.SellVolume
		out.Ratio = &r
	}
	return out, nil
}

// VWAP is the volume-weighted average price over one window.
type VWAP struct {
	MarketID     int64    `json:"market_id"`
	Period       string   `json:"period"`
	VWAP         *float64 `json:"vwap"`
	CurrentPrice *float64 `json:"current_price"`
	PriceVsVWAP  *float64 `json:"price_vs_vwap"` // percent deviation
	Volume       float64  `json:"volume"`
	TradeCount   int64    `json:"trade_count"`
}

// PriceVWAP computes the VWAP and how far the latest traded price sits from
// it. Nulls mean the window had no priced trades.
func (e *Engine) PriceVWAP(ctx context.Context, marketID int64, period, tokenID string) (VWAP, error) {
	out := VWAP{MarketID: marketID, Period: period}
	since, err := windowStart(period)
	if err != nil {
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
		SELECT
			COALESCE(SUM(price * size), 0),
			COALESCE(SUM(size), 0),
			COUNT(*)
		FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ?`
	args := []any{marketID, since}
	if tokenID != "" {
		q += " AND token_id = ?"
		args = append(args, tokenID)
	}
	var notional, size float64
	err = e.store.DB().QueryRowxContext(ctx, q, args...).Scan(&notional, &size, &out.TradeCount)
	if err != nil {
		return out, fmt.Errorf("vwap market %d: %w", marketID, err)
	}
	out.Volume = notional
	if size == 0 {
		return out, nil
	}
	vwap := notional / size
	out.VWAP = &vwap

	cq := `
		SELECT price FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ?`
	cargs := []any{marketID, since}
	if tokenID != "" {
		cq += " AND token_id = ?"
		cargs = append(cargs, tokenID)
	}
	cq += " ORDER BY timestamp DESC, id DESC LIMIT 1"
	var current float64
	if err := e.store.DB().GetContext(ctx, &current, cq, cargs...); err != nil {
		return out, fmt.Errorf("current price market %d: %w", marketID, err)
	}
	out.CurrentPrice = &current
	if vwap != 0 {
		dev := (current - vwap) / vwap * 100
		out.PriceVsVWAP = &dev
	}
	return out, nil
}

// WhaleSignal classifies large-trade imbalance over one window.
type WhaleSignal struct {
	MarketID   int64   `json:"market_id"`
	Period     string  `json:"period"`
	Threshold  float64 `json:"threshold"`
	BuyVolume  float64 `json:"whale_buy_volume"`
	SellVolume float64 `json:"whale_sell_volume"`
	TradeCount int64   `json:"whale_trade_count"`
	Signal     string  `json:"signal"` // bullish | bearish | neutral
}

// LargeTradeSignal aggregates trades at or above the threshold and reads the
// direction off the buy share r = buy/(buy+sell).
func (e *Engine) LargeTradeSignal(ctx context.Context, marketID int64, period string, threshold float64) (WhaleSignal, error) {
	out := WhaleSignal{MarketID: marketID, Period: period, Threshold: threshold, Signal: "neutral"}
	since, err := windowStart(period)
	if err != nil {
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err = e.store.DB().QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN price * size ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN price * size ELSE 0 END), 0),
			COUNT(*)
		FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ? AND price * size >= ?`,
		marketID, since, threshold).
		Scan(&out.BuyVolume, &out.SellVolume, &out.TradeCount)
	if err != nil {
		return out, fmt.Errorf("whale signal market %d: %w", marketID, err)
	}

	total := out.BuyVolume + out.SellVolume
	if total > 0 {
		r := out.BuyVolume / total
		switch {
		case r > 0.6:
			out.Signal = "bullish"
		case r < 0.4:
			out.Signal = "bearish"
		}
	}
	return out, nil
}

// TraderStats is participant cardinality over one window.
type TraderStats struct {
	MarketID      int64   `json:"market_id"`
	Period        string  `json:"period"`
	UniqueTraders int64   `json:"unique_traders"`
	UniqueMakers  int64   `json:"unique_makers"`
	UniqueTakers  int64   `json:"unique_takers"`
	TotalTrades   int64   `json:"total_trades"`
	AvgTradeSize  float64 `json:"avg_trade_size"`
}

// ParticipantStats counts distinct makers and takers. unique_traders is the
// larger of the two, an approximation that avoids a union pass over both
// columns.
func (e *Engine) ParticipantStats(ctx context.Context, marketID int64, period string) (TraderStats, error) {
	out := TraderStats{MarketID: marketID, Period: period}
	since, err := windowStart(period)
	if err != nil {
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err = e.store.DB().QueryRowxContext(ctx, `
		SELECT
			COUNT(DISTINCT maker),
			COUNT(DISTINCT taker),
			COUNT(*),
			COALESCE(AVG(size), 0)
		FROM trades
		WHERE market_id = ? AND price > 0 AND timestamp >= ?`, marketID, since).
		Scan(&out.UniqueMakers, &out.UniqueTakers, &out.TotalTrades, &out.AvgTradeSize)
	if err != nil {
		return out, fmt.Errorf("trader stats market %d: %w", marketID, err)
	}
	out.UniqueTraders = out.UniqueMakers
	if out.UniqueTakers > out.UniqueMakers {
		out.UniqueTraders = out.UniqueTakers
	}
	return out, nil
}

// NetFlow is directional volume over one window.
type NetFlow struct {
	MarketID   int64   `json:"market_id"`
	Period     string  `json:"period"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	NetFlow    float64 `json:"net_flow"`
	Direction  string  `json:"direction"` // inflow | outflow | neutral
}

// Flow computes buy volume minus sell volume.
func (e *Engine) Flow(ctx context.Context, marketID int64, period string) (NetFlow, error) {
	out := NetFlow{MarketID: marketID, Period: period, Direction: "neutral"}
	p, err := e.BuySellPressure(ctx, marketID, period, "")
	if err != nil {
		return out, err
	}
	out.BuyVolume = p.BuyVolume
	out.SellVolume = p.SellVolume
	out.NetFlow = p.BuyVolume - p.SellVolume
	switch {
	case out.NetFlow > 0:
		out.Direction = "inflow"
	case out.NetFlow < 0:
		out.Direction = "outflow"
	}
	return out, nil
}

// Summary bundles every per-market metric for the combined endpoint.
type Summary struct {
	MarketID    int64        `json:"market_id"`
	Period      string       `json:"period"`
	Pressure    BuySellRatio `json:"pressure"`
	VWAP        VWAP         `json:"vwap"`
	WhaleSignal WhaleSignal  `json:"whale_signal"`
	Traders     TraderStats  `json:"traders"`
	NetFlow     NetFlow      `json:"net_flow"`
}

// All computes every metric for one market and window.
func (e *Engine) All(ctx context.Context, marketID int64, period string, whaleThreshold float64) (Summary, error) {
	out := Summary{MarketID: marketID, Period: period}
	var err error
	if out.Pressure, err = e.BuySellPressure(ctx, marketID, period, ""); err != nil {
		return out, err
	}
	if out.VWAP, err = e.PriceVWAP(ctx, marketID, period, ""); err != nil {
		return out, err
	}
	if out.WhaleSignal, err = e.LargeTradeSignal(ctx, marketID, period, whaleThreshold); err != nil {
		return out, err
	}
	if out.Traders, err = e.ParticipantStats(ctx, marketID, period); err != nil {
		return out, err
	}
	if out.NetFlow, err = e.Flow(ctx, marketID, period); err != nil {
		return out, err
	}
	return out, nil
}
