package team

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"groupbuy/campaign"
	"groupbuy/external"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the coordinator requires. Implemented by
// Repository; faked in unit tests.
type Store interface {
	InsertTeam(ctx context.Context, tx pgx.Tx, t Team) (Team, error)
	GetTeamForUpdate(ctx context.Context, tx pgx.Tx, id string) (Team, error)
	HasActiveMembership(ctx context.Context, tx pgx.Tx, teamID, buyerID string) (bool, error)
	InsertMembership(ctx context.Context, tx pgx.Tx, m Membership) (Membership, error)
	GetMembershipByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Membership, error)
	SetMembershipState(ctx context.Context, tx pgx.Tx, id string, state MembershipState) error
	AdjustCount(ctx context.Context, tx pgx.Tx, teamID string, delta int) (int, error)
	MarkTeamSucceeded(ctx context.Context, tx pgx.Tx, teamID string) error
	SettleCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]string, error)
}

// CampaignCatalog resolves campaign terms for launches.
type CampaignCatalog interface {
	GetActive(ctx context.Context, id string) (campaign.Campaign, error)
}

// EffectWriter records side effects for at-least-once delivery within the
// caller's transaction, returning the record id.
type EffectWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, kind string, payload map[string]any) (string, error)
}

// Coordinator orchestrates launch, join, payment-triggered settlement, and
// success finalization. All state transitions happen under the owning row
// lock; membership rows are always locked before their team row.
type Coordinator struct {
	pool      TxBeginner
	repo      Store
	campaigns CampaignCatalog
	identity  external.IdentityDirectory
	orders    external.OrderLedger
	catalog   external.ProductCatalog
	effects   EffectWriter
	logger    *zap.Logger

	ttl     time.Duration
	idGen   func() string
	codeGen func() string
	now     func() time.Time
}

// DefaultTTL is how long a forming team waits for its cohort.
const DefaultTTL = 24 * time.Hour

// NewCoordinator builds a Coordinator.
func NewCoordinator(
	pool TxBeginner,
	repo Store,
	campaigns CampaignCatalog,
	identity external.IdentityDirectory,
	orders external.OrderLedger,
	catalog external.ProductCatalog,
	effects EffectWriter,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pool:      pool,
		repo:      repo,
		campaigns: campaigns,
		identity:  identity,
		orders:    orders,
		catalog:   catalog,
		effects:   effects,
		logger:    logger,
		ttl:       DefaultTTL,
		idGen:     func() string { return uuid.NewString() },
		codeGen:   newHumanCode,
		now:       time.Now,
	}
}

// WithTTL overrides the forming-team deadline.
func (c *Coordinator) WithTTL(ttl time.Duration) *Coordinator {
	c.ttl = ttl
	return c
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// LaunchParams describes a new team launch.
type LaunchParams struct {
	CampaignID      string
	LauncherID      string
	JoinImmediately bool
	Quantity        int
	ShippingRef     string
}

// JoinParams describes a buyer joining an existing team.
type JoinParams struct {
	TeamID      string
	BuyerID     string
	Quantity    int
	ShippingRef string
}

// JoinResult carries the order handed back to the buyer for payment.
type JoinResult struct {
	OrderID        string
	RemainingSlots int
}

// LaunchResult carries the created team and, when the launcher joined
// immediately, the order they still have to pay.
type LaunchResult struct {
	Team Team
	Join *JoinResult
}

// Launch creates a forming team for an active campaign. When JoinImmediately
// is set, the launcher's join (order creation + membership insert) runs in
// the same transaction as the team insert.
func (c *Coordinator) Launch(ctx context.Context, params LaunchParams) (LaunchResult, error) {
	if params.CampaignID == "" || params.LauncherID == "" {
		return LaunchResult{}, fmt.Errorf("team: launch missing campaign or launcher id")
	}

	camp, err := c.campaigns.GetActive(ctx, params.CampaignID)
	if err != nil {
		return LaunchResult{}, err
	}

	check, err := c.identity.ValidateRole(ctx, params.LauncherID)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("team: validate launcher: %w", err)
	}
	if !check.Authorized {
		return LaunchResult{}, ErrLauncherUnauthorized
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("team: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := c.repo.InsertTeam(ctx, tx, Team{
		ID:            c.idGen(),
		HumanCode:     c.codeGen(),
		CampaignID:    camp.ID,
		LauncherID:    params.LauncherID,
		OwnerID:       params.LauncherID,
		CommunityID:   check.CommunityID,
		RequiredCount: camp.RequiredSize,
		ExpiresAt:     c.now().Add(c.ttl),
	})
	if err != nil {
		return LaunchResult{}, err
	}

	result := LaunchResult{Team: created}
	if params.JoinImmediately {
		qty := params.Quantity
		if qty <= 0 {
			qty = 1
		}
		joined, err := c.join(ctx, tx, created, params.LauncherID, qty, params.ShippingRef, true)
		if err != nil {
			return LaunchResult{}, err
		}
		result.Join = &joined
	}

	if err := tx.Commit(ctx); err != nil {
		return LaunchResult{}, fmt.Errorf("team: commit launch: %w", err)
	}

	return result, nil
}

// Join adds a buyer to a forming team. The team row lock serializes the
// capacity check against concurrent joins; the external order is created
// inside the critical section so a membership row always backs the order id
// the payment subsystem will call back with.
func (c *Coordinator) Join(ctx context.Context, params JoinParams) (JoinResult, error) {
	if params.TeamID == "" || params.BuyerID == "" {
		return JoinResult{}, fmt.Errorf("team: join missing team or buyer id")
	}
	qty := params.Quantity
	if qty <= 0 {
		qty = 1
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return JoinResult{}, fmt.Errorf("team: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := c.repo.GetTeamForUpdate(ctx, tx, params.TeamID)
	if err != nil {
		return JoinResult{}, err
	}

	result, err := c.join(ctx, tx, t, params.BuyerID, qty, params.ShippingRef, false)
	if err != nil {
		return JoinResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return JoinResult{}, fmt.Errorf("team: commit join: %w", err)
	}

	return result, nil
}

// join runs the join procedure against a team row the transaction already
// owns (freshly inserted or locked FOR UPDATE).
func (c *Coordinator) join(ctx context.Context, tx pgx.Tx, t Team, buyerID string, qty int, shippingRef string, isLauncher bool) (JoinResult, error) {
	if t.State != StateForming {
		return JoinResult{}, ErrTeamNotForming
	}
	if !c.now().Before(t.ExpiresAt) {
		return JoinResult{}, ErrTeamNotForming
	}
	if t.CurrentCount >= t.RequiredCount {
		return JoinResult{}, ErrTeamFull
	}

	joined, err := c.repo.HasActiveMembership(ctx, tx, t.ID, buyerID)
	if err != nil {
		return JoinResult{}, err
	}
	if joined {
		return JoinResult{}, ErrAlreadyJoined
	}

	price, err := c.catalog.Price(ctx, t.CampaignID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("team: resolve price: %w", err)
	}
	amount := price * int64(qty)

	orderID, err := c.orders.Create(ctx, external.CreateOrderParams{
		BuyerID:     buyerID,
		CampaignID:  t.CampaignID,
		Amount:      amount,
		Quantity:    qty,
		ShippingRef: shippingRef,
	})
	if err != nil {
		return JoinResult{}, fmt.Errorf("team: create order: %w", err)
	}

	if _, err := c.repo.InsertMembership(ctx, tx, Membership{
		TeamID:          t.ID,
		BuyerID:         buyerID,
		ExternalOrderID: orderID,
		IsLauncher:      isLauncher,
		CommittedAmount: amount,
		Quantity:        qty,
	}); err != nil {
		return JoinResult{}, err
	}

	return JoinResult{
		OrderID:        orderID,
		RemainingSlots: t.RequiredCount - t.CurrentCount,
	}, nil
}

// ConfirmPayment is invoked by the payment subsystem once funds are captured.
// Safe to call more than once: only an awaiting_payment membership commits a
// slot; every later delivery is a no-op.
func (c *Coordinator) ConfirmPayment(ctx context.Context, externalOrderID string) error {
	if externalOrderID == "" {
		return fmt.Errorf("team: confirm payment missing order id")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("team: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := c.repo.GetMembershipByOrderForUpdate(ctx, tx, externalOrderID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			c.logger.Warn("payment callback for unknown order",
				zap.String("order_id", externalOrderID))
		}
		return err
	}

	if m.State != MembershipAwaitingPayment {
		// Duplicate delivery: the first callback already moved this
		// membership on. Nothing to re-apply.
		return tx.Commit(ctx)
	}

	if err := c.repo.SetMembershipState(ctx, tx, m.ID, MembershipCommitted); err != nil {
		return err
	}

	t, err := c.repo.GetTeamForUpdate(ctx, tx, m.TeamID)
	if err != nil {
		return err
	}

	if t.State != StateForming {
		// Payment landed after the team failed. The slot no longer exists;
		// cancel the membership and queue the compensating refund.
		if err := c.repo.SetMembershipState(ctx, tx, m.ID, MembershipCancelled); err != nil {
			return err
		}
		if _, err := c.effects.Enqueue(ctx, tx, EffectRefund, map[string]any{
			"membership_id": m.ID,
			"buyer_id":      m.BuyerID,
			"order_id":      m.ExternalOrderID,
			"amount":        m.CommittedAmount,
		}); err != nil {
			return err
		}
		c.logger.Info("late payment refunded",
			zap.String("team_id", t.ID),
			zap.String("order_id", externalOrderID))
		return tx.Commit(ctx)
	}

	count, err := c.repo.AdjustCount(ctx, tx, t.ID, 1)
	if err != nil {
		return err
	}

	if count >= t.RequiredCount {
		if err := c.finalize(ctx, tx, t.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("team: commit payment: %w", err)
	}
	return nil
}

// FinalizeSuccess settles a full team. Idempotent: a team already finalized
// by a concurrent payment callback is left untouched.
func (c *Coordinator) FinalizeSuccess(ctx context.Context, teamID string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("team: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := c.repo.GetTeamForUpdate(ctx, tx, teamID)
	if err != nil {
		return err
	}
	if t.State != StateForming {
		return tx.Commit(ctx)
	}

	if err := c.finalize(ctx, tx, teamID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("team: commit finalize: %w", err)
	}
	return nil
}

// finalize runs inside a transaction that already holds the team row lock.
// The success transition is authoritative; the batch order-status update is
// recorded durably and delivered at least once by the side-effect worker.
func (c *Coordinator) finalize(ctx context.Context, tx pgx.Tx, teamID string) error {
	if err := c.repo.MarkTeamSucceeded(ctx, tx, teamID); err != nil {
		return err
	}

	orderIDs, err := c.repo.SettleCommitted(ctx, tx, teamID)
	if err != nil {
		return err
	}

	if _, err := c.effects.Enqueue(ctx, tx, EffectOrderBatchStatus, map[string]any{
		"order_ids": orderIDs,
		"status":    external.OrderStatusReadyToFulfill,
	}); err != nil {
		return err
	}

	c.logger.Info("team succeeded",
		zap.String("team_id", teamID),
		zap.Int("settled", len(orderIDs)))
	return nil
}

const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// newHumanCode generates the short display code printed on share links.
func newHumanCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()[:8]
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return "GB-" + string(buf)
}
