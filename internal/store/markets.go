package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zh0006xu/PolyLens/pkg/types"
)

// MarketPatch is a partial market record for upserts. Nil fields keep the
// stored value; ConditionID is the natural key and always required.
// SyncWarning is overwritten on every upsert (nil clears it) so a stale
// verification warning does not outlive a clean re-discovery.
type MarketPatch struct {
	ConditionID     string
	EventID         *int64
	Slug            *string
	QuestionID      *string
	Oracle          *string
	CollateralToken *string
	YesTokenID      *string
	NoTokenID       *string
	NegRisk         *bool
	Verified        *bool
	SyncWarning     *string
	Status          *string
	Question        *string
	Description     *string
	Outcomes        *string
	OutcomePrices   *string
	EndDate         *string
	Image           *string
	Icon            *string
	Category        *string
	Volume          *float64
	Volume24h       *float64
	Liquidity       *float64
	BestBid         *float64
	BestAsk         *float64
}

// UpsertMarket inserts or updates a market by condition id and returns its id.
func (s *Store) UpsertMarket(ctx context.Context, p MarketPatch) (int64, error) {
	if p.ConditionID == "" {
		return 0, fmt.Errorf("market must have a condition_id")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := nowISO()

	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT id FROM markets WHERE condition_id = ?", p.ConditionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO markets (
				event_id, slug, condition_id, question_id, oracle, collateral_token,
				yes_token_id, no_token_id, neg_risk, verified, sync_warning, status,
				question, description, outcomes, outcome_prices, end_date, image, icon,
				category, volume, volume_24h, liquidity, best_bid, best_ask,
				created_at, updated_at
			) VALUES (?, COALESCE(?, ''), ?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''),
				COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, ''),
				COALESCE(?, 'active'), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''),
				COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''),
				COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0),
				?, ?)`,
			p.EventID, p.Slug, p.ConditionID, p.QuestionID, p.Oracle, p.CollateralToken,
			p.YesTokenID, p.NoTokenID, p.NegRisk, p.Verified, p.SyncWarning, p.Status,
			p.Question, p.Description, p.Outcomes, p.OutcomePrices, p.EndDate, p.Image, p.Icon,
			p.Category, p.Volume, p.Volume24h, p.Liquidity, p.BestBid, p.BestAsk,
			now, now)
		if err != nil {
			return 0, fmt.Errorf("insert market %s: %w", p.ConditionID, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup market %s: %w", p.ConditionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE markets SET
			event_id = COALESCE(?, event_id),
			slug = COALESCE(?, slug),
			question_id = COALESCE(?, question_id),
			oracle = COALESCE(?, oracle),
			collateral_token = COALESCE(?, collateral_token),
			yes_token_id = COALESCE(?, yes_token_id),
			no_token_id = COALESCE(?, no_token_id),
			neg_risk = COALESCE(?, neg_risk),
			verified = COALESCE(?, verified),
			sync_warning = COALESCE(?, ''),
			status = COALESCE(?, status),
			question = COALESCE(?, question),
			description = COALESCE(?, description),
			outcomes = COALESCE(?, outcomes),
			outcome_prices = COALESCE(?, outcome_prices),
			end_date = COALESCE(?, end_date),
			image = COALESCE(?, image),
			icon = COALESCE(?, icon),
			category = COALESCE(?, category),
			volume = COALESCE(?, volume),
			volume_24h = COALESCE(?, volume_24h),
			liquidity = COALESCE(?, liquidity),
			best_bid = COALESCE(?, best_bid),
			best_ask = COALESCE(?, best_ask),
			updated_at = ?
		WHERE id = ?`,
		p.EventID, p.Slug, p.QuestionID, p.Oracle, p.CollateralToken,
		p.YesTokenID, p.NoTokenID, p.NegRisk, p.Verified, p.SyncWarning, p.Status,
		p.Question, p.Description, p.Outcomes, p.OutcomePrices, p.EndDate, p.Image, p.Icon,
		p.Category, p.Volume, p.Volume24h, p.Liquidity, p.BestBid, p.BestAsk,
		now, id)
	if err != nil {
		return 0, fmt.Errorf("update market %s: %w", p.ConditionID, err)
	}
	return id, nil
}

func (s *Store) marketBy(ctx context.Context, where string, args ...any) (*types.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var m types.Market
	err := s.db.GetContext(ctx, &m, "SELECT * FROM markets WHERE "+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("market where %s: %w", where, err)
	}
	return &m, nil
}

// MarketByID returns the market with the given id, or ErrNotFound.
func (s *Store) MarketByID(ctx context.Context, id int64) (*types.Market, error) {
	return s.marketBy(ctx, "id = ?", id)
}

// MarketBySlug returns the market with the given slug, or ErrNotFound.
func (s *Store) MarketBySlug(ctx context.Context, slug string) (*types.Market, error) {
	return s.marketBy(ctx, "slug = ?", slug)
}

// MarketByConditionID returns the market with the given condition id, or ErrNotFound.
func (s *Store) MarketByConditionID(ctx context.Context, conditionID string) (*types.Market, error) {
	return s.marketBy(ctx, "condition_id = ?", conditionID)
}

// MarketByTokenID returns the market owning the given outcome token, or ErrNotFound.
func (s *Store) MarketByTokenID(ctx context.Context, tokenID string) (*types.Market, error) {
	return s.marketBy(ctx, "yes_token_id = ? OR no_token_id = ?", tokenID, tokenID)
}

// MarketsByEventID returns every market under the given event.
func (s *Store) MarketsByEventID(ctx context.Context, eventID int64) ([]types.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []types.Market
	if err := s.db.SelectContext(ctx, &out, "SELECT * FROM markets WHERE event_id = ? ORDER BY id", eventID); err != nil {
		return nil, fmt.Errorf("markets by event %d: %w", eventID, err)
	}
	return out, nil
}

// MarketFilter selects and orders the market list.
type MarketFilter struct {
	Status   string
	Category string
	Search   string // LIKE match on question and slug
	Sort     string // one of sortColumns; default volume
	Order    string // asc|desc; default desc
	Limit    int
	Offset   int
}

var sortColumns = map[string]string{
	"volume":      "volume",
	"volume_24h":  "volume_24h",
	"liquidity":   "liquidity",
	"trade_count": "trade_count",
	"end_date":    "end_date",
	"created_at":  "created_at",
}

// MarketListItem is one row of the market list: the market plus the latest
// traded YES/NO prices and the parent event slug.
type MarketListItem struct {
	types.Market
	YesPrice  *float64 `db:"yes_price" json:"yes_price,omitempty"`
	NoPrice   *float64 `db:"no_price" json:"no_price,omitempty"`
	EventSlug string   `db:"event_slug" json:"event_slug,omitempty"`
}

// ListMarkets returns markets matching the filter, newest trades' prices
// attached via correlated subqueries.
func (s *Store) ListMarkets(ctx context.Context, f MarketFilter) ([]MarketListItem, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sortCol, ok := sortColumns[f.Sort]
	if !ok {
		sortCol = "volume"
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "m.status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		where = append(where, "m.category = ?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		where = append(where, "(m.question LIKE ? OR m.slug LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`
		SELECT m.*,
			(SELECT t.price FROM trades t
				WHERE t.market_id = m.id AND t.token_id = m.yes_token_id
				ORDER BY t.id DESC LIMIT 1) AS yes_price,
			(SELECT t.price FROM trades t
				WHERE t.market_id = m.id AND t.token_id = m.no_token_id
				ORDER BY t.id DESC LIMIT 1) AS no_price,
			COALESCE(e.slug, '') AS event_slug
		FROM markets m
		LEFT JOIN events e ON e.id = m.event_id
		WHERE %s
		ORDER BY m.%s %s
		LIMIT ? OFFSET ?`,
		strings.Join(where, " AND "), sortCol, dir)

	var out []MarketListItem
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return out, nil
}

// CountMarkets returns the number of markets matching the filter.
func (s *Store) CountMarkets(ctx context.Context, f MarketFilter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		where = append(where, "(question LIKE ? OR slug LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}

	var n int64
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM markets WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("count markets: %w", err)
	}
	return n, nil
}

// Category is one row of the category listing.
type Category struct {
	Slug  string `db:"category" json:"slug"`
	Title string `db:"-" json:"title"`
	Count int64  `db:"count" json:"count"`
}

// Categories returns the distinct non-empty market categories with counts,
// busiest first.
func (s *Store) Categories(ctx context.Context) ([]Category, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []Category
	err := s.db.SelectContext(ctx, &out, `
		SELECT category, COUNT(*) AS count
		FROM markets
		WHERE category != ''
		GROUP BY category
		ORDER BY count DESC`)
	if err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}
	for i := range out {
		out[i].Title = titleCase(out[i].Slug)
	}
	return out, nil
}

// titleCase turns a category slug like "us-politics" into "Us Politics".
func titleCase(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// TopActiveMarkets returns the ids and condition ids of the most-voluminous
// active markets, for the scheduler's metadata refresh.
func (s *Store) TopActiveMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []types.Market
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM markets
		WHERE status = 'active' AND condition_id != ''
		ORDER BY volume DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top active markets: %w", err)
	}
	return out, nil
}

// TopMarketsByVolume24h returns market ids ordered by 24-hour volume, for
// the unique-trader rollup refresh.
func (s *Store) TopMarketsByVolume24h(ctx context.Context, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []int64
	err := s.db.SelectContext(ctx, &out, `
		SELECT id FROM markets ORDER BY volume_24h DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top markets by volume_24h: %w", err)
	}
	return out, nil
}

// RefreshUniqueTraders24h recomputes the 24-hour distinct-taker rollup for
// one market from the trades table. The cutoff is formatted like stored
// timestamps so the comparison stays lexicographic.
func (s *Store) RefreshUniqueTraders24h(ctx context.Context, marketID int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(ISOLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE markets SET unique_traders_24h = (
			SELECT COUNT(DISTINCT taker) FROM trades
			WHERE market_id = ? AND timestamp >= ?
		)
		WHERE id = ?`, marketID, cutoff, marketID)
	if err != nil {
		return fmt.Errorf("refresh unique_traders_24h for market %d: %w", marketID, err)
	}
	return nil
}
