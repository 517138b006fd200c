package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested campaign does not exist.
var ErrNotFound = errors.New("campaign: not found")

// Repository provides read access to campaign terms.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a campaign by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Campaign, error) {
	const query = `
		SELECT id, title, required_size, unit_price, valid_from, valid_until, status, created_at
		FROM campaigns
		WHERE id = $1
	`

	var c Campaign
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Title,
		&c.RequiredSize,
		&c.UnitPrice,
		&c.ValidFrom,
		&c.ValidUntil,
		&c.Status,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("campaign: query by id: %w", err)
	}

	return c, nil
}

// ListOngoing fetches up to limit ongoing campaigns ordered by start time.
func (r *Repository) ListOngoing(ctx context.Context, limit int) ([]Campaign, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, title, required_size, unit_price, valid_from, valid_until, status, created_at
		FROM campaigns
		WHERE status = 'ongoing'
		ORDER BY valid_from DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign: list: %w", err)
	}
	defer rows.Close()

	campaigns := make([]Campaign, 0, limit)
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Title, &c.RequiredSize, &c.UnitPrice, &c.ValidFrom, &c.ValidUntil, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("campaign: scan: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign: iterate: %w", err)
	}

	return campaigns, nil
}
