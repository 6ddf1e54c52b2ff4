// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the dashboard backend: events,
// markets, decoded trades, whale trades, candles, and sync cursors. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

// Side represents the direction of a fill from the token buyer's view.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies which leg of a binary market a token represents.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeUnknown Outcome = "UNKNOWN"
)

// MarketStatus is the lifecycle state of an event or market.
type MarketStatus string

const (
	StatusActive   MarketStatus = "active"
	StatusClosed   MarketStatus = "closed"
	StatusArchived MarketStatus = "archived"
)

// WhaleLevel classifies an address by its largest observed flows.
// Thresholds (USD): whale = max single trade ≥ 10k and max single market
// ≥ 50k; shark = ≥ 5k and ≥ 10k; dolphin = trade in [500, 5k) or market in
// [2k, 10k); fish otherwise.
type WhaleLevel string

const (
	LevelFish    WhaleLevel = "fish"
	LevelDolphin WhaleLevel = "dolphin"
	LevelShark   WhaleLevel = "shark"
	LevelWhale   WhaleLevel = "whale"
)

// Event groups related markets under one slug (e.g. an election cycle).
// Rows are created and refreshed by discovery upserts, never deleted.
// Timestamps are ISO-8601 UTC strings throughout; the store never parses
// them, it only compares and renders.
type Event struct {
	ID          int64  `db:"id" json:"id"`
	Slug        string `db:"slug" json:"slug"`
	Title       string `db:"title" json:"title"`
	Description string `db:"description" json:"description,omitempty"`
	Category    string `db:"category" json:"category,omitempty"`
	StartDate   string `db:"start_date" json:"start_date,omitempty"`
	EndDate     string `db:"end_date" json:"end_date,omitempty"`
	Image       string `db:"image" json:"image,omitempty"`
	Icon        string `db:"icon" json:"icon,omitempty"`
	Status      string `db:"status" json:"status"`
	NegRisk     bool   `db:"neg_risk" json:"neg_risk"`
	CreatedAt   string `db:"created_at" json:"created_at"`
	UpdatedAt   string `db:"updated_at" json:"updated_at"`
}

// Market is a single binary outcome under an event. ConditionID is the
// natural key; YesTokenID/NoTokenID are verified against the CTF derivation
// at discovery time (Verified false + SyncWarning set on mismatch).
//
// Volume, Volume24h, Liquidity, BestBid, BestAsk, TradeCount and
// UniqueTraders24h are denormalized rollups refreshed by the scheduler;
// the trades table remains the source of truth.
type Market struct {
	ID          int64  `db:"id" json:"id"`
	EventID     *int64 `db:"event_id" json:"event_id,omitempty"`
	Slug        string `db:"slug" json:"slug"`
	ConditionID string `db:"condition_id" json:"condition_id"`
	QuestionID  string `db:"question_id" json:"question_id,omitempty"`
	Question    string `db:"question" json:"question"`
	Description string `db:"description" json:"description,omitempty"`
	Category    string `db:"category" json:"category,omitempty"`

	Oracle          string `db:"oracle" json:"oracle,omitempty"`
	CollateralToken string `db:"collateral_token" json:"collateral_token,omitempty"`
	YesTokenID      string `db:"yes_token_id" json:"yes_token_id,omitempty"`
	NoTokenID       string `db:"no_token_id" json:"no_token_id,omitempty"`
	NegRisk         bool   `db:"neg_risk" json:"neg_risk"`
	Verified        bool   `db:"verified" json:"verified"`
	SyncWarning     string `db:"sync_warning" json:"sync_warning,omitempty"`

	Status        string `db:"status" json:"status"`
	Outcomes      string `db:"outcomes" json:"outcomes,omitempty"`             // JSON array, e.g. ["Yes","No"]
	OutcomePrices string `db:"outcome_prices" json:"outcome_prices,omitempty"` // JSON array of price strings
	EndDate       string `db:"end_date" json:"end_date,omitempty"`
	Image         string `db:"image" json:"image,omitempty"`
	Icon          string `db:"icon" json:"icon,omitempty"`

	Volume           float64 `db:"volume" json:"volume"`
	Volume24h        float64 `db:"volume_24h" json:"volume_24h"`
	Liquidity        float64 `db:"liquidity" json:"liquidity"`
	BestBid          float64 `db:"best_bid" json:"best_bid"`
	BestAsk          float64 `db:"best_ask" json:"best_ask"`
	TradeCount       int64   `db:"trade_count" json:"trade_count"`
	UniqueTraders24h int64   `db:"unique_traders_24h" json:"unique_traders_24h"`

	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// Trade is one matched fill decoded from one OrderFilled log.
// (TxHash, LogIndex) is globally unique; replays are no-ops.
// Price is the integer-exact usdcRaw/tokenRaw ratio in [0,1]; Size and Fee
// are 6-decimal-scaled token/USDC units converted to float for storage.
type Trade struct {
	ID          int64   `db:"id" json:"id"`
	MarketID    int64   `db:"market_id" json:"market_id"`
	TxHash      string  `db:"tx_hash" json:"tx_hash"`
	LogIndex    int64   `db:"log_index" json:"log_index"`
	BlockNumber int64   `db:"block_number" json:"block_number"`
	Maker       string  `db:"maker" json:"maker"`
	Taker       string  `db:"taker" json:"taker"`
	Side        Side    `db:"side" json:"side"`
	Outcome     Outcome `db:"outcome" json:"outcome"`
	Price       float64 `db:"price" json:"price"`
	Size        float64 `db:"size" json:"size"`
	Fee         float64 `db:"fee" json:"fee"`
	TokenID     string  `db:"token_id" json:"token_id"`
	Timestamp   string  `db:"timestamp" json:"timestamp"` // ISO-8601 UTC
}

// USDValue is the trade's notional in USD.
func (t Trade) USDValue() float64 { return t.Price * t.Size }

// WhaleTrade is a trade whose USD value crossed the whale threshold at
// detection time. It shares the (TxHash, LogIndex) key with its trade and is
// never edited independently. Slug and Question are denormalized from the
// market for alert payloads.
type WhaleTrade struct {
	ID          int64   `db:"id" json:"id"`
	TradeID     int64   `db:"trade_id" json:"trade_id"`
	MarketID    int64   `db:"market_id" json:"market_id"`
	TxHash      string  `db:"tx_hash" json:"tx_hash"`
	LogIndex    int64   `db:"log_index" json:"log_index"`
	BlockNumber int64   `db:"block_number" json:"block_number"`
	Trader      string  `db:"trader" json:"trader"`
	Side        Side    `db:"side" json:"side"`
	Outcome     Outcome `db:"outcome" json:"outcome"`
	Price       float64 `db:"price" json:"price"`
	Size        float64 `db:"size" json:"size"`
	USDValue    float64 `db:"usd_value" json:"usd_value"`
	Slug        string  `db:"market_slug" json:"market_slug,omitempty"`
	Question    string  `db:"question" json:"question,omitempty"`
	Timestamp   string  `db:"timestamp" json:"timestamp"`
}

// SyncCursor is one row of the sync_state map. Reserved keys: "trade_sync"
// (highest fully-persisted block) and "whale_sync" (highest trade id already
// emitted to the whale channel).
type SyncCursor struct {
	Key       string `db:"key" json:"key"`
	LastBlock int64  `db:"last_block" json:"last_block"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// Candle is one OHLCV bucket aggregated on demand from trades. Never stored.
type Candle struct {
	Timestamp  int64   `json:"timestamp"` // bucket start, unix seconds
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"` // Σ price·size in USD
	TradeCount int64   `json:"trade_count"`
}

// DecodedFill is the result of decoding one OrderFilled log, before market
// resolution. TokenID selects the outcome leg; UsdcRaw/TokenRaw are the raw
// 6-decimal integer amounts from the log.
type DecodedFill struct {
	TxHash      string
	LogIndex    int64
	BlockNumber int64
	Maker       string
	Taker       string
	Side        Side
	TokenID     string
	UsdcRaw     string // decimal string of the raw collateral amount
	TokenRaw    string // decimal string of the raw token amount
	Price       float64
	Size        float64
	Fee         float64
}
