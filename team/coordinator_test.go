package team

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"groupbuy/campaign"
	"groupbuy/external"
)

func TestLaunch_JoinImmediately(t *testing.T) {
	fx := newFixture()
	fx.campaigns.campaign = testCampaign(3)

	result, err := fx.coordinator().Launch(context.Background(), LaunchParams{
		CampaignID:      "campaign-1",
		LauncherID:      "buyer-1",
		JoinImmediately: true,
		Quantity:        2,
	})
	if err != nil {
		t.Fatalf("launch: unexpected error: %v", err)
	}

	if result.Team.RequiredCount != 3 {
		t.Fatalf("expected required count 3 got %d", result.Team.RequiredCount)
	}
	if result.Team.State != StateForming {
		t.Fatalf("expected forming team got %s", result.Team.State)
	}
	if result.Join == nil || result.Join.OrderID == "" {
		t.Fatal("expected the launcher's payment order in the result")
	}
	if !fx.pool.tx.committed {
		t.Error("expected launch transaction to commit")
	}

	m, ok := fx.store.membershipFor("buyer-1")
	if !ok {
		t.Fatal("expected launcher membership to be inserted")
	}
	if !m.IsLauncher {
		t.Error("expected launcher flag on membership")
	}
	if m.State != MembershipAwaitingPayment {
		t.Fatalf("expected awaiting_payment membership got %s", m.State)
	}
	if m.CommittedAmount != 2*500 {
		t.Fatalf("expected amount 1000 got %d", m.CommittedAmount)
	}

	// Joining never occupies a slot before payment.
	if got := fx.store.teams[result.Team.ID].CurrentCount; got != 0 {
		t.Fatalf("expected current count 0 after launch got %d", got)
	}
}

func TestLaunch_UnauthorizedLauncher(t *testing.T) {
	fx := newFixture()
	fx.campaigns.campaign = testCampaign(3)
	fx.identity.authorized = false

	_, err := fx.coordinator().Launch(context.Background(), LaunchParams{
		CampaignID: "campaign-1",
		LauncherID: "buyer-1",
	})
	if !errors.Is(err, ErrLauncherUnauthorized) {
		t.Fatalf("expected ErrLauncherUnauthorized, got %v", err)
	}
	if fx.pool.tx != nil {
		t.Error("expected no transaction before authorization passes")
	}
}

func TestLaunch_InactiveCampaign(t *testing.T) {
	fx := newFixture()
	fx.campaigns.err = campaign.ErrInactive

	_, err := fx.coordinator().Launch(context.Background(), LaunchParams{
		CampaignID: "campaign-1",
		LauncherID: "buyer-1",
	})
	if !errors.Is(err, campaign.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestJoin_FullTeam(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 2, CurrentCount: 2, ExpiresAt: fx.now.Add(time.Hour)})

	_, err := fx.coordinator().Join(context.Background(), JoinParams{TeamID: "team-1", BuyerID: "buyer-9"})
	if !errors.Is(err, ErrTeamFull) {
		t.Fatalf("expected ErrTeamFull, got %v", err)
	}
	if fx.pool.tx.committed {
		t.Error("expected rejected join to roll back")
	}
	if fx.orders.created != 0 {
		t.Error("expected no order for a rejected join")
	}
}

func TestJoin_ExpiredTeam(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 3, ExpiresAt: fx.now.Add(-time.Minute)})

	_, err := fx.coordinator().Join(context.Background(), JoinParams{TeamID: "team-1", BuyerID: "buyer-9"})
	if !errors.Is(err, ErrTeamNotForming) {
		t.Fatalf("expected ErrTeamNotForming, got %v", err)
	}
}

func TestJoin_DuplicateBuyer(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 3, ExpiresAt: fx.now.Add(time.Hour)})

	if _, err := fx.coordinator().Join(context.Background(), JoinParams{TeamID: "team-1", BuyerID: "buyer-9"}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := fx.coordinator().Join(context.Background(), JoinParams{TeamID: "team-1", BuyerID: "buyer-9"})
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestJoin_ReturnsOrderAndRemainingSlots(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 3, CurrentCount: 1, ExpiresAt: fx.now.Add(time.Hour)})

	result, err := fx.coordinator().Join(context.Background(), JoinParams{TeamID: "team-1", BuyerID: "buyer-9"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if result.OrderID == "" {
		t.Fatal("expected an order id")
	}
	if result.RemainingSlots != 2 {
		t.Fatalf("expected 2 remaining slots got %d", result.RemainingSlots)
	}
}

func TestConfirmPayment_CommitsSlot(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 3, ExpiresAt: fx.now.Add(time.Hour)})
	fx.store.addMembership(Membership{ID: "m-1", TeamID: "team-1", BuyerID: "buyer-1",
		ExternalOrderID: "order-1", State: MembershipAwaitingPayment})

	if err := fx.coordinator().ConfirmPayment(context.Background(), "order-1"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	if got := fx.store.memberships["m-1"].State; got != MembershipCommitted {
		t.Fatalf("expected committed membership got %s", got)
	}
	if got := fx.store.teams["team-1"].CurrentCount; got != 1 {
		t.Fatalf("expected current count 1 got %d", got)
	}
	if fx.store.teams["team-1"].State != StateForming {
		t.Error("expected team to stay forming below threshold")
	}
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 3, CurrentCount: 1, ExpiresAt: fx.now.Add(time.Hour)})
	fx.store.addMembership(Membership{ID: "m-1", TeamID: "team-1", BuyerID: "buyer-1",
		ExternalOrderID: "order-1", State: MembershipCommitted})

	if err := fx.coordinator().ConfirmPayment(context.Background(), "order-1"); err != nil {
		t.Fatalf("duplicate confirm: %v", err)
	}

	if got := fx.store.teams["team-1"].CurrentCount; got != 1 {
		t.Fatalf("expected count unchanged at 1 got %d", got)
	}
	if !fx.pool.tx.committed {
		t.Error("expected duplicate delivery to commit cleanly")
	}
}

func TestConfirmPayment_FinalizesFullTeam(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateForming,
		RequiredCount: 2, CurrentCount: 1, ExpiresAt: fx.now.Add(time.Hour)})
	fx.store.addMembership(Membership{ID: "m-1", TeamID: "team-1", BuyerID: "buyer-1",
		ExternalOrderID: "order-1", State: MembershipCommitted})
	fx.store.addMembership(Membership{ID: "m-2", TeamID: "team-1", BuyerID: "buyer-2",
		ExternalOrderID: "order-2", State: MembershipAwaitingPayment})

	if err := fx.coordinator().ConfirmPayment(context.Background(), "order-2"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	if fx.store.teams["team-1"].State != StateSucceeded {
		t.Fatalf("expected succeeded team got %s", fx.store.teams["team-1"].State)
	}
	for _, id := range []string{"m-1", "m-2"} {
		if got := fx.store.memberships[id].State; got != MembershipSettled {
			t.Fatalf("expected %s settled got %s", id, got)
		}
	}

	if len(fx.effects.enqueued) != 1 {
		t.Fatalf("expected one side effect got %d", len(fx.effects.enqueued))
	}
	eff := fx.effects.enqueued[0]
	if eff.kind != EffectOrderBatchStatus {
		t.Fatalf("expected order batch effect got %s", eff.kind)
	}
	if eff.payload["status"] != external.OrderStatusReadyToFulfill {
		t.Fatalf("expected ready_to_fulfill payload got %v", eff.payload["status"])
	}
}

func TestConfirmPayment_AfterTeamFailed(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateFailed,
		RequiredCount: 3, ExpiresAt: fx.now.Add(-time.Hour)})
	fx.store.addMembership(Membership{ID: "m-1", TeamID: "team-1", BuyerID: "buyer-1",
		ExternalOrderID: "order-1", State: MembershipAwaitingPayment, CommittedAmount: 500})

	if err := fx.coordinator().ConfirmPayment(context.Background(), "order-1"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	if got := fx.store.memberships["m-1"].State; got != MembershipCancelled {
		t.Fatalf("expected cancelled membership got %s", got)
	}
	if got := fx.store.teams["team-1"].CurrentCount; got != 0 {
		t.Fatalf("expected count untouched got %d", got)
	}
	if len(fx.effects.enqueued) != 1 || fx.effects.enqueued[0].kind != EffectRefund {
		t.Fatalf("expected a refund effect, got %+v", fx.effects.enqueued)
	}
}

func TestConfirmPayment_UnknownOrder(t *testing.T) {
	fx := newFixture()

	err := fx.coordinator().ConfirmPayment(context.Background(), "order-missing")
	if !errors.Is(err, ErrMembershipNotFound) {
		t.Fatalf("expected ErrMembershipNotFound, got %v", err)
	}
}

func TestFinalizeSuccess_Idempotent(t *testing.T) {
	fx := newFixture()
	fx.store.addTeam(Team{ID: "team-1", CampaignID: "campaign-1", State: StateSucceeded,
		RequiredCount: 2, CurrentCount: 2, ExpiresAt: fx.now.Add(time.Hour)})

	if err := fx.coordinator().FinalizeSuccess(context.Background(), "team-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(fx.effects.enqueued) != 0 {
		t.Error("expected no effect for an already finalized team")
	}
}

type fixture struct {
	pool      *fakePool
	store     *fakeStore
	campaigns *fakeCampaigns
	identity  *fakeIdentity
	orders    *fakeOrders
	catalog   *fakeCatalog
	effects   *fakeEffects
	now       time.Time
}

func newFixture() *fixture {
	return &fixture{
		pool:      &fakePool{},
		store:     newFakeStore(),
		campaigns: &fakeCampaigns{},
		identity:  &fakeIdentity{authorized: true},
		orders:    &fakeOrders{},
		catalog:   &fakeCatalog{price: 500},
		effects:   &fakeEffects{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (fx *fixture) coordinator() *Coordinator {
	c := NewCoordinator(fx.pool, fx.store, fx.campaigns, fx.identity, fx.orders, fx.catalog, fx.effects, nil)
	return c.WithClock(func() time.Time { return fx.now })
}

func testCampaign(size int) campaign.Campaign {
	return campaign.Campaign{
		ID:           "campaign-1",
		Title:        "Bulk oat milk",
		RequiredSize: size,
		UnitPrice:    500,
		Status:       campaign.StatusOngoing,
	}
}

type fakeCampaigns struct {
	campaign campaign.Campaign
	err      error
}

func (f *fakeCampaigns) GetActive(ctx context.Context, id string) (campaign.Campaign, error) {
	if f.err != nil {
		return campaign.Campaign{}, f.err
	}
	return f.campaign, nil
}

type fakeIdentity struct {
	authorized bool
}

func (f *fakeIdentity) ValidateRole(ctx context.Context, userID string) (external.RoleCheck, error) {
	return external.RoleCheck{Authorized: f.authorized}, nil
}

func (f *fakeIdentity) Profile(ctx context.Context, userID string) (external.Profile, error) {
	return external.Profile{UserID: userID, Name: "member"}, nil
}

type fakeOrders struct {
	created int
}

func (f *fakeOrders) Create(ctx context.Context, params external.CreateOrderParams) (string, error) {
	f.created++
	return fmt.Sprintf("order-%d", f.created), nil
}

func (f *fakeOrders) SetStatus(ctx context.Context, orderID, status string) error { return nil }

func (f *fakeOrders) BatchSetStatus(ctx context.Context, orderIDs []string, status string) error {
	return nil
}

type fakeCatalog struct {
	price int64
}

func (f *fakeCatalog) Price(ctx context.Context, campaignID string) (int64, error) {
	return f.price, nil
}

type enqueuedEffect struct {
	kind    string
	payload map[string]any
}

type fakeEffects struct {
	enqueued []enqueuedEffect
}

func (f *fakeEffects) Enqueue(ctx context.Context, tx pgx.Tx, kind string, payload map[string]any) (string, error) {
	f.enqueued = append(f.enqueued, enqueuedEffect{kind: kind, payload: payload})
	return fmt.Sprintf("effect-%d", len(f.enqueued)), nil
}

// fakeStore keeps teams and memberships in memory, mutating through the same
// narrow operations the Repository exposes.
type fakeStore struct {
	teams       map[string]Team
	memberships map[string]Membership
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		teams:       make(map[string]Team),
		memberships: make(map[string]Membership),
		nextID:      1,
	}
}

func (f *fakeStore) addTeam(t Team) { f.teams[t.ID] = t }

func (f *fakeStore) addMembership(m Membership) { f.memberships[m.ID] = m }

func (f *fakeStore) membershipFor(buyerID string) (Membership, bool) {
	for _, m := range f.memberships {
		if m.BuyerID == buyerID && m.State != MembershipCancelled {
			return m, true
		}
	}
	return Membership{}, false
}

func (f *fakeStore) InsertTeam(ctx context.Context, tx pgx.Tx, t Team) (Team, error) {
	if t.State == "" {
		t.State = StateForming
	}
	f.teams[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetTeamForUpdate(ctx context.Context, tx pgx.Tx, id string) (Team, error) {
	t, ok := f.teams[id]
	if !ok {
		return Team{}, ErrTeamNotFound
	}
	return t, nil
}

func (f *fakeStore) HasActiveMembership(ctx context.Context, tx pgx.Tx, teamID, buyerID string) (bool, error) {
	for _, m := range f.memberships {
		if m.TeamID == teamID && m.BuyerID == buyerID && m.State != MembershipCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertMembership(ctx context.Context, tx pgx.Tx, m Membership) (Membership, error) {
	m.ID = fmt.Sprintf("m-gen-%d", f.nextID)
	f.nextID++
	m.State = MembershipAwaitingPayment
	f.memberships[m.ID] = m
	return m, nil
}

func (f *fakeStore) GetMembershipByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Membership, error) {
	for _, m := range f.memberships {
		if m.ExternalOrderID == orderID {
			return m, nil
		}
	}
	return Membership{}, ErrMembershipNotFound
}

func (f *fakeStore) SetMembershipState(ctx context.Context, tx pgx.Tx, id string, state MembershipState) error {
	m, ok := f.memberships[id]
	if !ok {
		return ErrMembershipNotFound
	}
	m.State = state
	f.memberships[id] = m
	return nil
}

func (f *fakeStore) AdjustCount(ctx context.Context, tx pgx.Tx, teamID string, delta int) (int, error) {
	t, ok := f.teams[teamID]
	if !ok {
		return 0, ErrTeamNotFound
	}
	t.CurrentCount += delta
	f.teams[teamID] = t
	return t.CurrentCount, nil
}

func (f *fakeStore) MarkTeamSucceeded(ctx context.Context, tx pgx.Tx, teamID string) error {
	t, ok := f.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	if t.State != StateForming {
		return ErrTeamNotForming
	}
	t.State = StateSucceeded
	f.teams[teamID] = t
	return nil
}

func (f *fakeStore) SettleCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]string, error) {
	var orderIDs []string
	for id, m := range f.memberships {
		if m.TeamID == teamID && m.State == MembershipCommitted {
			m.State = MembershipSettled
			f.memberships[id] = m
			orderIDs = append(orderIDs, m.ExternalOrderID)
		}
	}
	return orderIDs, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
