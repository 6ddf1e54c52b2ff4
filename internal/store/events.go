package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zh0006xu/PolyLens/pkg/types"
)

// EventPatch is a partial event record for upserts. Nil fields keep the
// stored value; Slug is the natural key and always required.
type EventPatch struct {
	Slug        string
	Title       *string
	Description *string
	Category    *string
	StartDate   *string
	EndDate     *string
	Image       *string
	Icon        *string
	Status      *string
	NegRisk     *bool
}

// UpsertEvent inserts or updates an event by slug and returns its id.
func (s *Store) UpsertEvent(ctx context.Context, p EventPatch) (int64, error) {
	if p.Slug == "" {
		return 0, fmt.Errorf("event must have a slug")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := nowISO()

	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT id FROM events WHERE slug = ?", p.Slug)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (slug, title, description, category, start_date, end_date,
				image, icon, status, neg_risk, created_at, updated_at)
			VALUES (?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''),
				COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, 'active'),
				COALESCE(?, 0), ?, ?)`,
			p.Slug, p.Title, p.Description, p.Category, p.StartDate, p.EndDate,
			p.Image, p.Icon, p.Status, p.NegRisk, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", p.Slug, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup event %s: %w", p.Slug, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			category = COALESCE(?, category),
			start_date = COALESCE(?, start_date),
			end_date = COALESCE(?, end_date),
			image = COALESCE(?, image),
			icon = COALESCE(?, icon),
			status = COALESCE(?, status),
			neg_risk = COALESCE(?, neg_risk),
			updated_at = ?
		WHERE id = ?`,
		p.Title, p.Description, p.Category, p.StartDate, p.EndDate,
		p.Image, p.Icon, p.Status, p.NegRisk, now, id)
	if err != nil {
		return 0, fmt.Errorf("update event %s: %w", p.Slug, err)
	}
	return id, nil
}

// EventBySlug returns the event with the given slug, or ErrNotFound.
func (s *Store) EventBySlug(ctx context.Context, slug string) (*types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var ev types.Event
	err := s.db.GetContext(ctx, &ev, "SELECT * FROM events WHERE slug = ?", slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event by slug %s: %w", slug, err)
	}
	return &ev, nil
}

// EventByID returns the event with the given id, or ErrNotFound.
func (s *Store) EventByID(ctx context.Context, id int64) (*types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var ev types.Event
	err := s.db.GetContext(ctx, &ev, "SELECT * FROM events WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event by id %d: %w", id, err)
	}
	return &ev, nil
}
