// Package refund orchestrates the compensating paths of team formation:
// expiry-driven failure and voluntary withdrawal, both of which credit
// committed buyers back.
package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"groupbuy/external"
	"groupbuy/team"
)

// TeamStore defines the data access the refund coordinator requires.
// Implemented by *team.Repository; faked in unit tests.
type TeamStore interface {
	GetTeamForUpdate(ctx context.Context, tx pgx.Tx, id string) (team.Team, error)
	MarkTeamFailed(ctx context.Context, tx pgx.Tx, teamID string) error
	LockCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]team.Membership, error)
	CancelCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]team.Membership, error)
	GetCommittedMembershipForUpdate(ctx context.Context, tx pgx.Tx, teamID, buyerID string) (team.Membership, error)
	SetMembershipState(ctx context.Context, tx pgx.Tx, id string, state team.MembershipState) error
	AdjustCount(ctx context.Context, tx pgx.Tx, teamID string, delta int) (int, error)
	GetTeam(ctx context.Context, id string) (team.Team, error)
	DueTeamIDs(ctx context.Context, limit int) ([]string, error)
}

// EffectLog records deliveries durably inside the deciding transaction and
// settles the ones the coordinator delivers itself after commit. Anything not
// settled stays pending for the side-effect worker.
type EffectLog interface {
	Enqueue(ctx context.Context, tx pgx.Tx, kind string, payload map[string]any) (string, error)
	MarkDelivered(ctx context.Context, id string) error
}

// Coordinator handles expire and quit.
type Coordinator struct {
	pool     team.TxBeginner
	repo     TeamStore
	balances external.BalanceLedger
	orders   external.OrderLedger
	effects  EffectLog
	logger   *zap.Logger
}

// NewCoordinator builds a refund Coordinator.
func NewCoordinator(
	pool team.TxBeginner,
	repo TeamStore,
	balances external.BalanceLedger,
	orders external.OrderLedger,
	effects EffectLog,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pool:     pool,
		repo:     repo,
		balances: balances,
		orders:   orders,
		effects:  effects,
		logger:   logger,
	}
}

// ExpireResult summarizes one expiry run.
type ExpireResult struct {
	Cancelled      int
	RefundFailures int
}

// pendingDelivery pairs a cancelled membership with the durable records of
// the deliveries it is owed.
type pendingDelivery struct {
	member         team.Membership
	refundEffectID string
	statusEffectID string
}

// Expire fails a team whose deadline passed and refunds every committed
// member. Safe to call more than once and after the team is finalized: the
// state check under the team row lock turns re-fires into no-ops, and
// memberships flip to cancelled in the same transaction, so each member is
// refunded exactly once across arbitrarily many sweeps.
//
// The refund and order-status deliveries are enqueued in the failing
// transaction, so a crash after commit can never lose a refund; the
// coordinator then attempts each delivery itself and settles the records it
// gets through, leaving the rest pending for the worker.
func (c *Coordinator) Expire(ctx context.Context, teamID string) (ExpireResult, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return ExpireResult{}, fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order: membership before team, system-wide. Committed memberships
	// first, then the team row, matching quit and payment confirmation.
	if _, err := c.repo.LockCommitted(ctx, tx, teamID); err != nil {
		return ExpireResult{}, err
	}

	t, err := c.repo.GetTeamForUpdate(ctx, tx, teamID)
	if err != nil {
		return ExpireResult{}, err
	}
	if t.State != team.StateForming {
		// Already finalized by success or a prior sweep.
		return ExpireResult{}, tx.Commit(ctx)
	}

	if err := c.repo.MarkTeamFailed(ctx, tx, teamID); err != nil {
		return ExpireResult{}, err
	}

	cancelled, err := c.repo.CancelCommitted(ctx, tx, teamID)
	if err != nil {
		return ExpireResult{}, err
	}

	deliveries := make([]pendingDelivery, 0, len(cancelled))
	for _, m := range cancelled {
		refundID, err := c.enqueue(ctx, tx, team.EffectRefund, map[string]any{
			"membership_id": m.ID,
			"buyer_id":      m.BuyerID,
			"order_id":      m.ExternalOrderID,
			"amount":        m.CommittedAmount,
		})
		if err != nil {
			return ExpireResult{}, err
		}
		statusID, err := c.enqueue(ctx, tx, team.EffectOrderStatus, map[string]any{
			"order_id": m.ExternalOrderID,
			"status":   external.OrderStatusRefunded,
		})
		if err != nil {
			return ExpireResult{}, err
		}
		deliveries = append(deliveries, pendingDelivery{member: m, refundEffectID: refundID, statusEffectID: statusID})
	}

	if err := tx.Commit(ctx); err != nil {
		return ExpireResult{}, fmt.Errorf("refund: commit expire: %w", err)
	}

	// Deliveries run outside the lock. A failed member does not abort the
	// rest; its record stays pending and the worker retries it.
	result := ExpireResult{Cancelled: len(deliveries)}
	for _, d := range deliveries {
		m := d.member
		if err := c.balances.Credit(ctx, m.BuyerID, m.CommittedAmount); err != nil {
			result.RefundFailures++
			c.logger.Error("refund delivery failed",
				zap.String("team_id", teamID),
				zap.String("buyer_id", m.BuyerID),
				zap.Error(err))
		} else {
			c.settle(ctx, d.refundEffectID)
		}
		if err := c.orders.SetStatus(ctx, m.ExternalOrderID, external.OrderStatusRefunded); err != nil {
			c.logger.Error("order status update failed",
				zap.String("order_id", m.ExternalOrderID),
				zap.Error(err))
		} else {
			c.settle(ctx, d.statusEffectID)
		}
	}

	c.logger.Info("team expired",
		zap.String("team_id", teamID),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("refund_failures", result.RefundFailures))
	return result, nil
}

// Quit withdraws a committed buyer from a forming team. The balance credit
// runs inside the critical section: the buyer is waiting on the outcome, so
// a failed credit aborts the quit and surfaces to the caller. The order
// status update is recorded with the quit and delivered after commit.
func (c *Coordinator) Quit(ctx context.Context, teamID, buyerID string) error {
	if teamID == "" || buyerID == "" {
		return fmt.Errorf("refund: quit missing team or buyer id")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("refund: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order: membership before team, system-wide.
	m, err := c.repo.GetCommittedMembershipForUpdate(ctx, tx, teamID, buyerID)
	if err != nil {
		if errors.Is(err, team.ErrMembershipNotFound) {
			return c.quitWithoutMembership(ctx, teamID)
		}
		return err
	}

	t, err := c.repo.GetTeamForUpdate(ctx, tx, teamID)
	if err != nil {
		return err
	}
	if t.State != team.StateForming {
		return team.ErrTeamNotForming
	}

	if err := c.balances.Credit(ctx, buyerID, m.CommittedAmount); err != nil {
		return fmt.Errorf("refund: credit buyer: %w", err)
	}

	if err := c.repo.SetMembershipState(ctx, tx, m.ID, team.MembershipCancelled); err != nil {
		return err
	}
	if _, err := c.repo.AdjustCount(ctx, tx, teamID, -1); err != nil {
		return err
	}

	statusEffectID, err := c.enqueue(ctx, tx, team.EffectOrderStatus, map[string]any{
		"order_id": m.ExternalOrderID,
		"status":   external.OrderStatusRefunded,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("refund: commit quit: %w", err)
	}

	if err := c.orders.SetStatus(ctx, m.ExternalOrderID, external.OrderStatusRefunded); err != nil {
		c.logger.Error("order status update failed",
			zap.String("order_id", m.ExternalOrderID),
			zap.Error(err))
	} else {
		c.settle(ctx, statusEffectID)
	}

	c.logger.Info("buyer quit team",
		zap.String("team_id", teamID),
		zap.String("buyer_id", buyerID))
	return nil
}

// quitWithoutMembership resolves a quit when no committed membership exists:
// a failed team was already unwound by Expire (no-op), anything else is an
// error for the caller.
func (c *Coordinator) quitWithoutMembership(ctx context.Context, teamID string) error {
	t, err := c.repo.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if t.State == team.StateFailed {
		return nil
	}
	return team.ErrMembershipNotFound
}

func (c *Coordinator) enqueue(ctx context.Context, tx pgx.Tx, kind string, payload map[string]any) (string, error) {
	if c.effects == nil {
		return "", nil
	}
	id, err := c.effects.Enqueue(ctx, tx, kind, payload)
	if err != nil {
		return "", fmt.Errorf("refund: enqueue %s effect: %w", kind, err)
	}
	return id, nil
}

func (c *Coordinator) settle(ctx context.Context, effectID string) {
	if c.effects == nil || effectID == "" {
		return
	}
	if err := c.effects.MarkDelivered(ctx, effectID); err != nil {
		c.logger.Error("settling side effect failed",
			zap.String("effect_id", effectID),
			zap.Error(err))
	}
}
