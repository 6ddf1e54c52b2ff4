// Package discovery keeps the local market catalog in sync with the Gamma
// API. Each fetched market is verified against the CTF token-id derivation
// before it is stored; a mismatch is recorded as a sync warning on the row
// rather than aborting the batch.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zh0006xu/PolyLens/internal/ctf"
	"github.com/zh0006xu/PolyLens/internal/gamma"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

// Service discovers markets and upserts them into the store.
type Service struct {
	store   *store.Store
	gamma   *gamma.Client
	usdcE   common.Address
	wrapped common.Address
	log     *slog.Logger
}

// New creates a discovery service. The collateral addresses feed token-id
// verification.
func New(st *store.Store, gc *gamma.Client, usdcE, wrapped common.Address, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		gamma:   gc,
		usdcE:   usdcE,
		wrapped: wrapped,
		log:     logger.With("component", "discovery"),
	}
}

// Summary reports one discovery run.
type Summary struct {
	EventID      *int64   `json:"event_id,omitempty"`
	MarketsFound int      `json:"markets_found"`
	MarketsSaved int      `json:"markets_saved"`
	Warnings     []string `json:"warnings,omitempty"`
}

// ByEventSlug pulls one event and all its markets. Markets missing a
// category inherit the event's.
func (s *Service) ByEventSlug(ctx context.Context, slug string) (Summary, error) {
	var sum Summary

	var eventCategory string
	ev, err := s.gamma.EventBySlug(ctx, slug)
	switch {
	case errors.Is(err, gamma.ErrNoResults):
		s.log.Warn("event not found on gamma", "slug", slug)
	case err != nil:
		return sum, fmt.Errorf("fetch event %s: %w", slug, err)
	default:
		eventCategory = gamma.CategoryOf(ev.Category, ev.Tags)
		id, err := s.upsertEvent(ctx, *ev)
		if err != nil {
			return sum, err
		}
		sum.EventID = &id
	}

	markets, err := s.gamma.Markets(ctx, gamma.MarketQuery{EventSlug: slug})
	if err != nil {
		return sum, fmt.Errorf("fetch markets for event %s: %w", slug, err)
	}
	sum.MarketsFound = len(markets)

	for _, m := range markets {
		if gamma.CategoryOf(m.Category, m.Tags) == "" && eventCategory != "" {
			m.Category = eventCategory
		}
		if _, warn, err := s.processMarket(ctx, m, sum.EventID); err != nil {
			sum.Warnings = append(sum.Warnings, err.Error())
		} else {
			sum.MarketsSaved++
			if warn != "" {
				sum.Warnings = append(sum.Warnings, warn)
			}
		}
	}
	return sum, nil
}

// All pulls markets without an event filter.
func (s *Service) All(ctx context.Context, activeOnly bool, limit int, fetchAll bool) (Summary, error) {
	var sum Summary

	markets, err := s.gamma.Markets(ctx, gamma.MarketQuery{
		ActiveOnly: activeOnly,
		Limit:      limit,
		FetchAll:   fetchAll,
	})
	if err != nil {
		return sum, fmt.Errorf("fetch markets: %w", err)
	}
	sum.MarketsFound = len(markets)

	for _, m := range markets {
		if _, warn, err := s.processMarket(ctx, m, nil); err != nil {
			sum.Warnings = append(sum.Warnings, err.Error())
		} else {
			sum.MarketsSaved++
			if warn != "" {
				sum.Warnings = append(sum.Warnings, warn)
			}
		}
	}
	return sum, nil
}

// ByTokenID resolves an unknown outcome token seen on chain. Returns
// (nil, nil) when Gamma does not know the token either; nothing is written
// in that case.
func (s *Service) ByTokenID(ctx context.Context, tokenID string) (*types.Market, error) {
	m, err := s.gamma.MarketByTokenID(ctx, tokenID)
	if errors.Is(err, gamma.ErrNoResults) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Sparse token-id payloads often lack tags; refetch the parent event to
	// fill the category.
	if gamma.CategoryOf(m.Category, m.Tags) == "" && len(m.Events) > 0 && m.Events[0].Slug != "" {
		if full, err := s.gamma.EventBySlug(ctx, m.Events[0].Slug); err == nil {
			if cat := gamma.CategoryOf(full.Category, full.Tags); cat != "" {
				m.Category = cat
			}
		}
	}

	id, warn, err := s.processMarket(ctx, *m, nil)
	if err != nil {
		return nil, err
	}
	if warn != "" {
		s.log.Warn("market stored with warning", "token_id", tokenID, "warning", warn)
	}
	return s.store.MarketByID(ctx, id)
}

// upsertEvent maps a Gamma event payload onto an event patch.
func (s *Service) upsertEvent(ctx context.Context, ev gamma.Event) (int64, error) {
	status := gamma.StatusOf(ev.Active, ev.Closed, ev.Archived)
	category := gamma.CategoryOf(ev.Category, ev.Tags)
	id, err := s.store.UpsertEvent(ctx, store.EventPatch{
		Slug:        ev.Slug,
		Title:       optStr(ev.Title),
		Description: optStr(ev.Description),
		Category:    optStr(category),
		StartDate:   optStr(ev.StartDate),
		EndDate:     optStr(ev.EndDate),
		Image:       optStr(ev.Image),
		Icon:        optStr(ev.Icon),
		Status:      &status,
		NegRisk:     &ev.EnableNegRisk,
	})
	if err != nil {
		return 0, fmt.Errorf("upsert event %s: %w", ev.Slug, err)
	}
	return id, nil
}

// processMarket verifies token ids, upserts the market, and returns its id
// plus any verification warning.
func (s *Service) processMarket(ctx context.Context, m gamma.Market, eventID *int64) (int64, string, error) {
	if m.ConditionID == "" {
		return 0, "", fmt.Errorf("market %s has no conditionId, skipped", m.Slug)
	}

	category := gamma.CategoryOf(m.Category, m.Tags)

	// A market payload may embed its parent event; adopt it when the caller
	// did not resolve one.
	if eventID == nil && len(m.Events) > 0 && m.Events[0].Slug != "" {
		if category == "" {
			category = gamma.CategoryOf(m.Events[0].Category, m.Events[0].Tags)
		}
		id, err := s.upsertEvent(ctx, m.Events[0])
		if err != nil {
			s.log.Warn("embedded event upsert failed", "market", m.Slug, "error", err)
		} else {
			eventID = &id
		}
	}

	gammaYes, gammaNo, haveTokens := m.TokenIDs()

	var (
		yesToken, noToken, collateral string
		verified                      bool
		warning                       string
	)
	derived, err := ctf.Derive(m.ConditionID, m.NegRisk, s.usdcE, s.wrapped)
	if err != nil {
		warning = fmt.Sprintf("failed to derive token ids: %v", err)
		yesToken, noToken = gammaYes, gammaNo
	} else {
		yesToken, noToken = derived.Yes, derived.No
		collateral = derived.Collateral.Hex()
		switch {
		case !haveTokens:
			warning = "no clobTokenIds from Gamma API to verify"
		case gammaYes == derived.Yes && gammaNo == derived.No:
			verified = true
		default:
			warning = fmt.Sprintf("token id mismatch: gamma yes %s vs derived %s",
				truncate(gammaYes, 20), truncate(derived.Yes, 20))
		}
	}

	status := gamma.StatusOf(m.Active, m.Closed, m.Archived)
	vol := m.VolumeUSD()
	vol24 := float64(m.Volume24hr)
	liq := m.LiquidityUSD()
	bid := float64(m.BestBid)
	ask := float64(m.BestAsk)

	patch := store.MarketPatch{
		ConditionID:     m.ConditionID,
		EventID:         eventID,
		Slug:            optStr(m.Slug),
		QuestionID:      optStr(m.QuestionID),
		Oracle:          optStr(m.ResolvedBy),
		CollateralToken: optStr(collateral),
		YesTokenID:      optStr(yesToken),
		NoTokenID:       optStr(noToken),
		NegRisk:         &m.NegRisk,
		Verified:        &verified,
		SyncWarning:     optStr(warning),
		Status:          &status,
		Question:        optStr(m.Question),
		Description:     optStr(m.Description),
		Outcomes:        optStr(m.Outcomes),
		OutcomePrices:   optStr(m.OutcomePrices),
		EndDate:         optStr(m.EndDate),
		Image:           optStr(m.Image),
		Icon:            optStr(m.Icon),
		Category:        optStr(category),
		Volume:          optF64(vol),
		Volume24h:       optF64(vol24),
		Liquidity:       optF64(liq),
		BestBid:         optF64(bid),
		BestAsk:         optF64(ask),
	}

	id, err := s.store.UpsertMarket(ctx, patch)
	if err != nil {
		return 0, "", fmt.Errorf("save market %s: %w", m.Slug, err)
	}
	return id, warning, nil
}

// optStr maps empty to nil so the upsert keeps existing values.
func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// optF64 maps zero to nil: Gamma omits rollups it does not know, and a
// missing value must not wipe a previously stored one.
func optF64(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
