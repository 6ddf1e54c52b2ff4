// Package traders serves the trader surface: proxied reads from the
// Polymarket Data API, a whale-level classification with a TTL cache, and
// local per-address stats computed from indexed trades.
package traders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

const (
	dataAPITimeout = 20 * time.Second
	holdersTimeout = 10 * time.Second
	queryTimeout   = 15 * time.Second
)

// Address-level thresholds, in USD. An address is classified by its largest
// single trade and its largest cumulative position in one market.
const (
	whaleTradeMin   = 10_000
	whaleMarketMin  = 50_000
	sharkTradeMin   = 5_000
	sharkMarketMin  = 10_000
	dolphinTradeMin = 500
	dolphinMktMin   = 2_000
)

// Service owns the Data API client and the classification cache.
type Service struct {
	http           *resty.Client
	store          *store.Store
	statsMaxTrades int
	levelMaxTrades int
	cacheTTL       time.Duration
	log            *slog.Logger

	mu         sync.Mutex
	levelCache map[string]cachedLevel
}

type cachedLevel struct {
	level   Level
	expires time.Time
}

// New creates the trader service.
func New(st *store.Store, dataAPIBase string, statsMaxTrades, levelMaxTrades int, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if statsMaxTrades <= 0 {
		statsMaxTrades = 1000
	}
	if levelMaxTrades <= 0 {
		levelMaxTrades = 500
	}
	if cacheTTL <= 0 {
		cacheTTL = 600 * time.Second
	}
	return &Service{
		http:           resty.New().SetBaseURL(dataAPIBase).SetTimeout(dataAPITimeout),
		store:          st,
		statsMaxTrades: statsMaxTrades,
		levelMaxTrades: levelMaxTrades,
		cacheTTL:       cacheTTL,
		log:            logger.With("component", "traders"),
		levelCache:     make(map[string]cachedLevel),
	}
}

// proxy performs a GET against the Data API and returns the raw JSON body.
func (s *Service) proxy(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("data api %s: %w", path, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("data api %s: status %d", path, resp.StatusCode())
	}
	return json.RawMessage(resp.Body()), nil
}

// Trades proxies an address's fill history. takerOnly is always false so
// maker-side fills are included.
func (s *Service) Trades(ctx context.Context, addr string, limit, offset int) (json.RawMessage, error) {
	return s.proxy(ctx, "/trades", map[string]string{
		"user":      addr,
		"takerOnly": "false",
		"limit":     strconv.Itoa(clampLimit(limit, 100)),
		"offset":    strconv.Itoa(max(offset, 0)),
	})
}

// Positions proxies an address's open positions.
func (s *Service) Positions(ctx context.Context, addr string) (json.RawMessage, error) {
	return s.proxy(ctx, "/positions", map[string]string{"user": addr})
}

// ClosedPositions proxies an address's settled positions.
func (s *Service) ClosedPositions(ctx context.Context, addr string) (json.RawMessage, error) {
	return s.proxy(ctx, "/closed-positions", map[string]string{"user": addr})
}

// Value proxies an address's current portfolio value.
func (s *Service) Value(ctx context.Context, addr string) (json.RawMessage, error) {
	return s.proxy(ctx, "/value", map[string]string{"user": addr})
}

// Traded proxies the set of markets an address has traded.
func (s *Service) Traded(ctx context.Context, addr string) (json.RawMessage, error) {
	return s.proxy(ctx, "/traded", map[string]string{"user": addr})
}

// Leaderboard orderings and windows accepted by the Data API.
var (
	leaderboardOrders  = map[string]bool{"PNL": true, "VOL": true}
	leaderboardPeriods = map[string]bool{"DAY": true, "WEEK": true, "MONTH": true, "ALL": true}
)

// ErrBadArgument marks an input validation failure (mapped to HTTP 400).
var ErrBadArgument = fmt.Errorf("traders: bad argument")

// Leaderboard proxies the trader leaderboard. orderBy ∈ {PNL, VOL},
// period ∈ {DAY, WEEK, MONTH, ALL}.
func (s *Service) Leaderboard(ctx context.Context, orderBy, period, category string, limit, offset int) (json.RawMessage, error) {
	orderBy = strings.ToUpper(orderBy)
	period = strings.ToUpper(period)
	if orderBy == "" {
		orderBy = "VOL"
	}
	if period == "" {
		period = "WEEK"
	}
	if !leaderboardOrders[orderBy] {
		return nil, fmt.Errorf("%w: orderBy %q", ErrBadArgument, orderBy)
	}
	if !leaderboardPeriods[period] {
		return nil, fmt.Errorf("%w: timePeriod %q", ErrBadArgument, period)
	}
	params := map[string]string{
		"orderBy":    orderBy,
		"timePeriod": period,
		"limit":      strconv.Itoa(clampLimit(limit, 50)),
		"offset":     strconv.Itoa(max(offset, 0)),
	}
	if category != "" {
		params["category"] = category
	}
	return s.proxy(ctx, "/v1/leaderboard", params)
}

// Holders proxies the holder list of a market, with its own shorter timeout.
func (s *Service) Holders(ctx context.Context, conditionID string, limit int) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, holdersTimeout)
	defer cancel()
	return s.proxy(ctx, "/holders", map[string]string{
		"market": conditionID,
		"limit":  strconv.Itoa(clampLimit(limit, 20)),
	})
}

// dataTrade is the slice of a Data API trade the classifier needs.
type dataTrade struct {
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
}

// Level is the whale classification of one address.
type Level struct {
	Address        string          `json:"address"`
	Level          types.WhaleLevel `json:"whale_level"`
	MaxTradeUSD    float64         `json:"max_trade_usd"`
	MaxMarketUSD   float64         `json:"max_market_usd"`
	TradesAnalyzed int             `json:"trades_analyzed"`
}

// WhaleLevel classifies an address from its recent fill history, caching the
// result for the configured TTL. Stale reads are acceptable.
func (s *Service) WhaleLevel(ctx context.Context, addr string) (Level, error) {
	key := strings.ToLower(addr)

	s.mu.Lock()
	if c, ok := s.levelCache[key]; ok && time.Now().Before(c.expires) {
		s.mu.Unlock()
		return c.level, nil
	}
	s.mu.Unlock()

	raw, err := s.proxy(ctx, "/trades", map[string]string{
		"user":      addr,
		"takerOnly": "false",
		"limit":     strconv.Itoa(s.levelMaxTrades),
	})
	if err != nil {
		return Level{}, err
	}
	var trades []dataTrade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return Level{}, fmt.Errorf("parse trades for %s: %w", addr, err)
	}

	lvl := classify(addr, trades)

	s.mu.Lock()
	s.levelCache[key] = cachedLevel{level: lvl, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return lvl, nil
}

// classify applies the threshold table to an address's trade history.
func classify(addr string, trades []dataTrade) Level {
	var maxTrade float64
	perMarket := make(map[string]float64)
	for _, t := range trades {
		usd := t.Size * t.Price
		if usd > maxTrade {
			maxTrade = usd
		}
		perMarket[t.ConditionID] += usd
	}
	var maxMarket float64
	for _, v := range perMarket {
		if v > maxMarket {
			maxMarket = v
		}
	}

	level := types.LevelFish
	switch {
	case maxTrade >= whaleTradeMin && maxMarket >= whaleMarketMin:
		level = types.LevelWhale
	case maxTrade >= sharkTradeMin && maxMarket >= sharkMarketMin:
		level = types.LevelShark
	case (maxTrade >= dolphinTradeMin && maxTrade < sharkTradeMin) ||
		(maxMarket >= dolphinMktMin && maxMarket < sharkMarketMin):
		level = types.LevelDolphin
	}
	return Level{
		Address:        addr,
		Level:          level,
		MaxTradeUSD:    maxTrade,
		MaxMarketUSD:   maxMarket,
		TradesAnalyzed: len(trades),
	}
}

// LocalStats summarizes an address's activity in the indexed trades.
type LocalStats struct {
	Address       string  `json:"address"`
	TradeCount    int64   `json:"trade_count"`
	Volume        float64 `json:"volume"`
	MarketsTraded int64   `json:"markets_traded"`
	FirstSeen     string  `json:"first_seen,omitempty"`
	LastSeen      string  `json:"last_seen,omitempty"`
}

// Stats computes local activity for an address as maker or taker.
func (s *Service) Stats(ctx context.Context, addr string) (LocalStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out := LocalStats{Address: addr}
	err := s.store.DB().QueryRowxContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(price * size), 0),
			COUNT(DISTINCT market_id),
			COALESCE(MIN(timestamp), ''),
			COALESCE(MAX(timestamp), '')
		FROM (
			SELECT price, size, market_id, timestamp FROM trades
			WHERE maker = ? COLLATE NOCASE OR taker = ? COLLATE NOCASE
			ORDER BY id DESC LIMIT ?
		)`, addr, addr, s.statsMaxTrades).
		Scan(&out.TradeCount, &out.Volume, &out.MarketsTraded, &out.FirstSeen, &out.LastSeen)
	if err != nil {
		return out, fmt.Errorf("trader stats %s: %w", addr, err)
	}
	return out, nil
}

// PnLPoint is one step of the cumulative cash-flow series.
type PnLPoint struct {
	Timestamp  string  `json:"timestamp"`
	NetFlow    float64 `json:"net_flow"`
	Cumulative float64 `json:"cumulative"`
}

// PnLHistory approximates realized flow from local trades: a SELL by the
// address brings cash in, a BUY pays cash out. Only taker-side fills are
// counted, which matches how the indexed side field is oriented.
func (s *Service) PnLHistory(ctx context.Context, addr string, limit int) ([]PnLPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 || limit > s.statsMaxTrades {
		limit = s.statsMaxTrades
	}
	type row struct {
		Side      types.Side `db:"side"`
		Price     float64    `db:"price"`
		Size      float64    `db:"size"`
		Timestamp string     `db:"timestamp"`
	}
	var rows []row
	err := s.store.DB().SelectContext(ctx, &rows, `
		SELECT side, price, size, timestamp FROM trades
		WHERE taker = ? COLLATE NOCASE
		ORDER BY timestamp, id
		LIMIT ?`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("pnl history %s: %w", addr, err)
	}

	out := make([]PnLPoint, 0, len(rows))
	var cum float64
	for _, r := range rows {
		flow := r.Price * r.Size
		if r.Side == types.BUY {
			flow = -flow
		}
		cum += flow
		out = append(out, PnLPoint{Timestamp: r.Timestamp, NetFlow: flow, Cumulative: cum})
	}
	return out, nil
}

// TopLocalTrader is one row of the locally-computed trader ranking.
type TopLocalTrader struct {
	Address    string  `db:"trader" json:"address"`
	TradeCount int64   `db:"trade_count" json:"trade_count"`
	Volume     float64 `db:"volume" json:"volume"`
}

// TopLocal ranks takers by indexed volume.
func (s *Service) TopLocal(ctx context.Context, limit int) ([]TopLocalTrader, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	var out []TopLocalTrader
	err := s.store.DB().SelectContext(ctx, &out, `
		SELECT LOWER(taker) AS trader, COUNT(*) AS trade_count, SUM(price * size) AS volume
		FROM trades
		GROUP BY LOWER(taker) ORDER BY volume DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top traders: %w", err)
	}
	return out, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 500 {
		return 500
	}
	return limit
}
