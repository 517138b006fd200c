package sideeffect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"groupbuy/external"
)

// Worker drains pending side effects and delivers them to the ledgers.
// Deliveries are at-least-once: a crash between delivery and MarkProcessed
// re-delivers, which the ledgers tolerate (credits are keyed upstream, status
// updates are absolute).
type Worker struct {
	pool     *pgxpool.Pool
	repo     *Repository
	balances external.BalanceLedger
	orders   external.OrderLedger
	interval time.Duration
	logger   *zap.Logger
}

// NewWorker builds a delivery worker.
func NewWorker(pool *pgxpool.Pool, repo *Repository, balances external.BalanceLedger, orders external.OrderLedger, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		pool:     pool,
		repo:     repo,
		balances: balances,
		orders:   orders,
		interval: interval,
		logger:   logger,
	}
}

// Run drains batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				w.logger.Error("side effect drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce claims one batch, delivers each record, and returns how many were
// delivered.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sideeffect: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	records, err := w.repo.ClaimPending(ctx, tx, 50)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range records {
		if err := w.deliver(ctx, rec); err != nil {
			w.logger.Warn("side effect delivery failed",
				zap.String("id", rec.ID),
				zap.String("kind", rec.Kind),
				zap.Int("attempts", rec.Attempts+1),
				zap.Error(err))
			if err := w.repo.MarkFailed(ctx, tx, rec.ID); err != nil {
				return delivered, err
			}
			continue
		}
		if err := w.repo.MarkProcessed(ctx, tx, rec.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("sideeffect: commit drain: %w", err)
	}
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case "refund":
		var p struct {
			BuyerID string `json:"buyer_id"`
			Amount  int64  `json:"amount"`
		}
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("sideeffect: decode refund payload: %w", err)
		}
		return w.balances.Credit(ctx, p.BuyerID, p.Amount)
	case "order_status":
		var p struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("sideeffect: decode order status payload: %w", err)
		}
		return w.orders.SetStatus(ctx, p.OrderID, p.Status)
	case "order_batch_status":
		var p struct {
			OrderIDs []string `json:"order_ids"`
			Status   string   `json:"status"`
		}
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("sideeffect: decode batch status payload: %w", err)
		}
		if len(p.OrderIDs) == 0 {
			return nil
		}
		return w.orders.BatchSetStatus(ctx, p.OrderIDs, p.Status)
	default:
		return fmt.Errorf("sideeffect: unknown kind %q", rec.Kind)
	}
}
