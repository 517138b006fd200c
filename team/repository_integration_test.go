package team

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"groupbuy/campaign"
	"groupbuy/external"
	"groupbuy/sideeffect"
)

// TestTeamFormation_Integration connects to a real PostgreSQL via DATABASE_URL
// and drives the full launch -> join -> pay -> succeed path, including the
// concurrency guarantees the row locks provide.
func TestTeamFormation_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"campaigns", "teams", "memberships", "side_effects"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skip("database schema missing; apply migrations/0001_schema.sql first")
		}
	}

	// Seed a campaign that accepts teams right now.
	var campaignID string
	err = pool.QueryRow(ctx, `
        INSERT INTO campaigns (title, required_size, unit_price, valid_from, valid_until)
        VALUES ('integration bulk buy', 3, 500, now() - interval '1 hour', now() + interval '1 day')
        RETURNING id`).Scan(&campaignID)
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM memberships WHERE team_id IN (SELECT id FROM teams WHERE campaign_id = $1)`, campaignID)
		pool.Exec(ctx2, `DELETE FROM teams WHERE campaign_id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM side_effects WHERE created_at > now() - interval '5 minutes'`)
		pool.Exec(ctx2, `DELETE FROM campaigns WHERE id = $1`, campaignID)
	})

	repo := NewRepository(pool)
	campaigns := campaign.NewService(campaign.NewRepository(pool), nil, nil)
	orders := &uuidOrders{}
	coord := NewCoordinator(pool, repo, campaigns,
		&fakeIdentity{authorized: true}, orders, &fakeCatalog{price: 500},
		sideeffect.NewRepository(pool), nil)

	launcherID := uuid.NewString()
	launched, err := coord.Launch(ctx, LaunchParams{CampaignID: campaignID, LauncherID: launcherID})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	created := launched.Team

	// Three buyers race through join + payment; the row locks must serialize
	// the capacity accounting.
	buyers := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	var g errgroup.Group
	for _, buyerID := range buyers {
		buyerID := buyerID
		g.Go(func() error {
			result, err := coord.Join(ctx, JoinParams{TeamID: created.ID, BuyerID: buyerID})
			if err != nil {
				return err
			}
			return coord.ConfirmPayment(ctx, result.OrderID)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent join+pay: %v", err)
	}

	final, err := repo.GetTeam(ctx, created.ID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if final.State != StateSucceeded {
		t.Fatalf("expected succeeded team got %s", final.State)
	}
	if final.CurrentCount != 3 {
		t.Fatalf("expected current count 3 got %d", final.CurrentCount)
	}
	if final.SucceededAt == nil {
		t.Fatal("expected succeeded_at to be set")
	}

	var settled int
	if err := pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM memberships WHERE team_id = $1 AND state = 'settled'`, created.ID).Scan(&settled); err != nil {
		t.Fatalf("count settled: %v", err)
	}
	if settled != 3 {
		t.Fatalf("expected 3 settled memberships got %d", settled)
	}

	// The batch status update must have been recorded with the transition.
	var effects int
	if err := pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM side_effects WHERE kind = 'order_batch_status' AND status = 'pending'`).Scan(&effects); err != nil {
		t.Fatalf("count effects: %v", err)
	}
	if effects < 1 {
		t.Fatal("expected a pending order_batch_status side effect")
	}

	// The succeeded team rejects any further join.
	if _, err := coord.Join(ctx, JoinParams{TeamID: created.ID, BuyerID: uuid.NewString()}); !errors.Is(err, ErrTeamNotForming) {
		t.Fatalf("expected ErrTeamNotForming on a succeeded team, got %v", err)
	}
}

// TestDoubleJoin_Integration verifies the partial unique index catches a
// duplicate membership even if two joins slip past the existence check.
func TestDoubleJoin_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "memberships") {
		t.Skip("database schema missing; apply migrations/0001_schema.sql first")
	}

	var campaignID string
	err = pool.QueryRow(ctx, `
        INSERT INTO campaigns (title, required_size, unit_price, valid_from, valid_until)
        VALUES ('integration double join', 5, 500, now() - interval '1 hour', now() + interval '1 day')
        RETURNING id`).Scan(&campaignID)
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM memberships WHERE team_id IN (SELECT id FROM teams WHERE campaign_id = $1)`, campaignID)
		pool.Exec(ctx2, `DELETE FROM teams WHERE campaign_id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM campaigns WHERE id = $1`, campaignID)
	})

	repo := NewRepository(pool)
	campaigns := campaign.NewService(campaign.NewRepository(pool), nil, nil)
	coord := NewCoordinator(pool, repo, campaigns,
		&fakeIdentity{authorized: true}, &uuidOrders{}, &fakeCatalog{price: 500},
		sideeffect.NewRepository(pool), nil)

	launched, err := coord.Launch(ctx, LaunchParams{CampaignID: campaignID, LauncherID: uuid.NewString()})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	buyerID := uuid.NewString()
	if _, err := coord.Join(ctx, JoinParams{TeamID: launched.Team.ID, BuyerID: buyerID}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := coord.Join(ctx, JoinParams{TeamID: launched.Team.ID, BuyerID: buyerID}); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

// uuidOrders hands out globally unique order ids so reruns never collide with
// the external_order_id unique constraint.
type uuidOrders struct{}

func (u *uuidOrders) Create(ctx context.Context, params external.CreateOrderParams) (string, error) {
	return "order-" + uuid.NewString(), nil
}

func (u *uuidOrders) SetStatus(ctx context.Context, orderID, status string) error { return nil }

func (u *uuidOrders) BatchSetStatus(ctx context.Context, orderIDs []string, status string) error {
	return nil
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
