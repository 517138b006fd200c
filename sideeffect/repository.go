// Package sideeffect keeps a durable record of deliveries to the external
// ledgers (refund credits, order status updates). Writers enqueue inside the
// transaction that decided the effect; the worker drains pending records and
// delivers them at least once.
package sideeffect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// maxAttempts before a record is parked as dead for manual inspection.
const maxAttempts = 10

// Record is one pending or finished delivery.
type Record struct {
	ID          string
	Kind        string
	Payload     []byte
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}

// Repository persists side-effect records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue records a delivery inside the caller's transaction so the record
// commits atomically with the state transition that requires it. The returned
// id lets the enqueuer settle the record itself after a successful immediate
// delivery.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, kind string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("sideeffect: marshal payload: %w", err)
	}
	var id string
	if err := tx.QueryRow(ctx, `
		INSERT INTO side_effects (kind, payload) VALUES ($1, $2::jsonb)
		RETURNING id`, kind, body).Scan(&id); err != nil {
		return "", fmt.Errorf("sideeffect: enqueue: %w", err)
	}
	return id, nil
}

// MarkDelivered settles a record the enqueuer delivered itself after its
// commit. Racing the worker is harmless; deliveries are at-least-once.
func (r *Repository) MarkDelivered(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE side_effects SET status = 'processed', attempts = attempts + 1, last_attempt = now()
		WHERE id = $1 AND status = 'pending'`, id); err != nil {
		return fmt.Errorf("sideeffect: mark delivered: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit pending records for this worker. SKIP LOCKED
// lets concurrent workers drain disjoint batches.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, kind, payload, status, attempts, last_attempt, created_at
		FROM side_effects
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sideeffect: claim pending: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Payload, &rec.Status, &rec.Attempts, &rec.LastAttempt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("sideeffect: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sideeffect: iterate records: %w", err)
	}
	return records, nil
}

// MarkProcessed finishes a delivered record.
func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE side_effects SET status = 'processed', attempts = attempts + 1, last_attempt = now()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("sideeffect: mark processed: %w", err)
	}
	return nil
}

// MarkFailed counts a failed attempt, parking the record as dead once it has
// exhausted its retries.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE side_effects
		SET attempts = attempts + 1,
		    last_attempt = now(),
		    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
		WHERE id = $1`, id, maxAttempts); err != nil {
		return fmt.Errorf("sideeffect: mark failed: %w", err)
	}
	return nil
}
