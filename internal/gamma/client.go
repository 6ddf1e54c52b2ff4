// Package gamma is the client for the Gamma metadata API. It only reads:
// events, markets, and the category tags used to group them. Payload shapes
// are normalized here (camelCase/snake_case variants, numbers that arrive as
// strings, token-id arrays that arrive as JSON-encoded strings) so nothing
// downstream has to care.
package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoResults is returned when a lookup query matches nothing.
var ErrNoResults = errors.New("gamma: no results")

// maxPageSize is the API's hard cap per request.
const maxPageSize = 500

// FlexFloat decodes a JSON number, a numeric string, or null.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse flex float %q: %w", s, err)
	}
	*f = FlexFloat(v)
	return nil
}

// StringArray decodes a JSON array of strings or a string containing one
// (clobTokenIds arrives both ways).
type StringArray []string

func (a *StringArray) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*a = nil
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*a = nil
			return nil
		}
		var out []string
		if err := json.Unmarshal([]byte(inner), &out); err != nil {
			return fmt.Errorf("parse embedded array %q: %w", inner, err)
		}
		*a = out
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// Tag is a Gamma category tag.
type Tag struct {
	Label string `json:"label"`
}

// Event is the JSON shape of one Gamma event.
type Event struct {
	ID            string `json:"id"`
	Slug          string `json:"slug"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	Image         string `json:"image"`
	Icon          string `json:"icon"`
	Active        *bool  `json:"active"`
	Closed        *bool  `json:"closed"`
	Archived      *bool  `json:"archived"`
	EnableNegRisk bool   `json:"enableNegRisk"`
	Tags          []Tag  `json:"tags"`
}

// Market is the JSON shape of one Gamma market.
type Market struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	ConditionID   string      `json:"conditionId"`
	QuestionID    string      `json:"questionID"`
	Slug          string      `json:"slug"`
	ResolvedBy    string      `json:"resolvedBy"`
	Description   string      `json:"description"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
	ClobTokenIDs  StringArray `json:"clobTokenIds"`
	NegRisk       bool        `json:"negRisk"`
	Active        *bool       `json:"active"`
	Closed        *bool       `json:"closed"`
	Archived      *bool       `json:"archived"`
	EndDate       string      `json:"endDate"`
	Image         string      `json:"image"`
	Icon          string      `json:"icon"`
	Category      string      `json:"category"`
	Tags          []Tag       `json:"tags"`
	Volume        FlexFloat   `json:"volume"`
	VolumeNum     FlexFloat   `json:"volumeNum"`
	Volume24hr    FlexFloat   `json:"volume24hr"`
	Liquidity     FlexFloat   `json:"liquidity"`
	LiquidityNum  FlexFloat   `json:"liquidityNum"`
	BestBid       FlexFloat   `json:"bestBid"`
	BestAsk       FlexFloat   `json:"bestAsk"`
	Events        []Event     `json:"events"`
}

// VolumeUSD prefers the numeric variant when both volume fields are present.
func (m Market) VolumeUSD() float64 {
	if m.VolumeNum != 0 {
		return float64(m.VolumeNum)
	}
	return float64(m.Volume)
}

// LiquidityUSD prefers the numeric variant when both liquidity fields are present.
func (m Market) LiquidityUSD() float64 {
	if m.LiquidityNum != 0 {
		return float64(m.LiquidityNum)
	}
	return float64(m.Liquidity)
}

// TokenIDs returns (yes, no, ok) from the clobTokenIds payload.
func (m Market) TokenIDs() (string, string, bool) {
	if len(m.ClobTokenIDs) < 2 {
		return "", "", false
	}
	return m.ClobTokenIDs[0], m.ClobTokenIDs[1], true
}

// CategoryOf picks a category: the explicit field first, then the first tag
// label that isn't the catch-all "All".
func CategoryOf(category string, tags []Tag) string {
	if category != "" {
		return category
	}
	for _, tag := range tags {
		if tag.Label != "" && !strings.EqualFold(tag.Label, "All") {
			return tag.Label
		}
	}
	return ""
}

// StatusOf folds Gamma's three lifecycle booleans into one status string.
// Archived wins over closed; an explicit active=false also means closed.
func StatusOf(active, closed, archived *bool) string {
	if archived != nil && *archived {
		return "archived"
	}
	if closed != nil && *closed {
		return "closed"
	}
	if active != nil && !*active {
		return "closed"
	}
	return "active"
}

// Client talks to the Gamma API. Metadata fetches are not retried; a failed
// call surfaces as a warning at the caller and the next sync tries again.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

// New creates a Gamma client with the standard metadata timeout.
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
		log: logger.With("component", "gamma"),
	}
}

// EventBySlug fetches one event, or ErrNoResults.
func (c *Client) EventBySlug(ctx context.Context, slug string) (*Event, error) {
	var events []Event
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}
	if len(events) == 0 {
		return nil, ErrNoResults
	}
	return &events[0], nil
}

// MarketQuery selects markets. Zero values mean "no filter".
type MarketQuery struct {
	EventSlug    string
	ConditionIDs string
	ClobTokenID  string
	ActiveOnly   bool
	Limit        int  // cap on total results; 0 = one full page
	FetchAll     bool // keep paging until the API runs dry
}

func (q MarketQuery) params(offset, pageLimit int) map[string]string {
	p := map[string]string{"limit": strconv.Itoa(pageLimit)}
	if q.EventSlug != "" {
		p["slug"] = q.EventSlug
	}
	if q.ConditionIDs != "" {
		p["condition_ids"] = q.ConditionIDs
	}
	if q.ClobTokenID != "" {
		p["clob_token_ids"] = q.ClobTokenID
	}
	if q.ActiveOnly {
		p["closed"] = "false"
	}
	if offset > 0 {
		p["offset"] = strconv.Itoa(offset)
	}
	return p
}

// Markets fetches markets matching the query, paging at the API cap when
// FetchAll is set.
func (c *Client) Markets(ctx context.Context, q MarketQuery) ([]Market, error) {
	if !q.FetchAll {
		pageLimit := maxPageSize
		if q.Limit > 0 && q.Limit < maxPageSize {
			pageLimit = q.Limit
		}
		return c.fetchMarketsPage(ctx, q, 0, pageLimit)
	}

	var all []Market
	offset := 0
	for {
		page, err := c.fetchMarketsPage(ctx, q, offset, maxPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if q.Limit > 0 && len(all) >= q.Limit {
			return all[:q.Limit], nil
		}
		if len(page) < maxPageSize {
			return all, nil
		}
		offset += maxPageSize
	}
}

func (c *Client) fetchMarketsPage(ctx context.Context, q MarketQuery, offset, pageLimit int) ([]Market, error) {
	var page []Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(q.params(offset, pageLimit)).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets offset %d: %w", offset, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets offset %d: status %d", offset, resp.StatusCode())
	}
	return page, nil
}

// MarketByTokenID fetches the market owning an outcome token, or ErrNoResults.
func (c *Client) MarketByTokenID(ctx context.Context, tokenID string) (*Market, error) {
	markets, err := c.Markets(ctx, MarketQuery{ClobTokenID: tokenID})
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, ErrNoResults
	}
	return &markets[0], nil
}

// MarketByConditionID fetches the current metadata of one market, or
// ErrNoResults. Used by the scheduler's price refresh with a short per-call
// deadline on ctx.
func (c *Client) MarketByConditionID(ctx context.Context, conditionID string) (*Market, error) {
	markets, err := c.Markets(ctx, MarketQuery{ConditionIDs: conditionID})
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, ErrNoResults
	}
	return &markets[0], nil
}
