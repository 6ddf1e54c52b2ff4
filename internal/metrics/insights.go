package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/zh0006xu/PolyLens/internal/store"
)

// HotMarket ranks a market by recent activity.
type HotMarket struct {
	MarketID   int64   `db:"id" json:"market_id"`
	Slug       string  `db:"slug" json:"slug"`
	Question   string  `db:"question" json:"question"`
	Category   string  `db:"category" json:"category"`
	Volume24h  float64 `db:"volume_24h" json:"volume_24h"`
	Volume     float64 `db:"volume" json:"volume"`
	TradeCount int64   `db:"trade_count" json:"trade_count"`
	BestBid    float64 `db:"best_bid" json:"best_bid"`
	BestAsk    float64 `db:"best_ask" json:"best_ask"`
}

// HotMarkets returns active markets ordered by 24h volume.
func (e *Engine) HotMarkets(ctx context.Context, limit int) ([]HotMarket, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	var out []HotMarket
	err := e.store.DB().SelectContext(ctx, &out, `
		SELECT id, slug, question, category, volume_24h, volume, trade_count, best_bid, best_ask
		FROM markets
		WHERE status = 'active' AND volume_24h > 0
		ORDER BY volume_24h DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("hot markets: %w", err)
	}
	return out, nil
}

// anomalyFallbackRatio is reported when a market has 24h volume but no
// 30-day history to compare against.
const anomalyFallbackRatio = 10.0

// VolumeAnomaly is a market trading far above its 30-day daily average.
type VolumeAnomaly struct {
	MarketID  int64   `db:"id" json:"market_id"`
	Slug      string  `db:"slug" json:"slug"`
	Question  string  `db:"question" json:"question"`
	Volume24h float64 `db:"volume_24h" json:"volume_24h"`
	AvgDaily  float64 `db:"avg_daily" json:"avg_daily_volume"`
	Ratio     float64 `json:"ratio"`
}

// VolumeAnomalies flags markets whose 24h volume exceeds minRatio times
// their 30-day daily average.
func (e *Engine) VolumeAnomalies(ctx context.Context, minRatio float64, limit int) ([]VolumeAnomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if minRatio <= 0 {
		minRatio = 3
	}
	if limit <= 0 {
		limit = 10
	}
	var rows []VolumeAnomaly
	err := e.store.DB().SelectContext(ctx, &rows, `
		SELECT id, slug, question, volume_24h, volume / 30.0 AS avg_daily
		FROM markets
		WHERE status = 'active' AND volume_24h > 0
		ORDER BY volume_24h DESC`)
	if err != nil {
		return nil, fmt.Errorf("volume anomalies: %w", err)
	}

	var out []VolumeAnomaly
	for _, r := range rows {
		switch {
		case r.AvgDaily > 0:
			r.Ratio = r.Volume24h / r.AvgDaily
		case r.Volume24h > 5000:
			r.Ratio = anomalyFallbackRatio
		default:
			continue
		}
		if r.Ratio >= minRatio {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SmartMoneyFlow is the whale-trade imbalance for one market.
type SmartMoneyFlow struct {
	MarketID    int64   `db:"market_id" json:"market_id"`
	Slug        string  `db:"market_slug" json:"slug"`
	Question    string  `db:"question" json:"question"`
	WhaleBuys   float64 `db:"whale_buys" json:"whale_buy_volume"`
	WhaleSells  float64 `db:"whale_sells" json:"whale_sell_volume"`
	NetFlow     float64 `json:"net_flow"`
	Direction   string  `json:"direction"` // accumulating | distributing | balanced
	Strength    string  `json:"strength"`  // strong | moderate | weak
	WhaleTrades int64   `db:"whale_trades" json:"whale_trades"`
}

// SmartMoney ranks markets by absolute net whale flow over the last N hours.
// Strength is the net share of whale volume: strong >= 0.5, moderate >= 0.25.
func (e *Engine) SmartMoney(ctx context.Context, hours, limit int) ([]SmartMoneyFlow, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 10
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(store.ISOLayout)

	var rows []SmartMoneyFlow
	err := e.store.DB().SelectContext(ctx, &rows, `
		SELECT w.market_id, m.slug AS market_slug, m.question,
			COALESCE(SUM(CASE WHEN w.side = 'BUY' THEN w.usd_value ELSE 0 END), 0) AS whale_buys,
			COALESCE(SUM(CASE WHEN w.side = 'SELL' THEN w.usd_value ELSE 0 END), 0) AS whale_sells,
			COUNT(*) AS whale_trades
		FROM whale_trades w
		JOIN markets m ON m.id = w.market_id
		WHERE w.timestamp >= ?
		GROUP BY w.market_id
		ORDER BY ABS(whale_buys - whale_sells) DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("smart money: %w", err)
	}

	for i := range rows {
		r := &rows[i]
		r.NetFlow = r.WhaleBuys - r.WhaleSells
		total := r.WhaleBuys + r.WhaleSells
		switch {
		case r.NetFlow > 0:
			r.Direction = "accumulating"
		case r.NetFlow < 0:
			r.Direction = "distributing"
		default:
			r.Direction = "balanced"
		}
		share := 0.0
		if total > 0 {
			share = abs(r.NetFlow) / total
		}
		switch {
		case share >= 0.5:
			r.Strength = "strong"
		case share >= 0.25:
			r.Strength = "moderate"
		default:
			r.Strength = "weak"
		}
	}
	return rows, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
