// Package actors contains the concurrent workloads the stress suite throws at
// the team formation core, plus the in-process ledger stubs they settle
// against.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"groupbuy/external"
	"groupbuy/refund"
	"groupbuy/sideeffect"
	"groupbuy/team"
)

// benign errors every actor expects under contention.
func expected(err error) bool {
	return errors.Is(err, team.ErrTeamNotForming) ||
		errors.Is(err, team.ErrTeamFull) ||
		errors.Is(err, team.ErrAlreadyJoined) ||
		errors.Is(err, team.ErrTeamNotFound) ||
		errors.Is(err, team.ErrMembershipNotFound) ||
		errors.Is(err, pgx.ErrNoRows)
}

// Launcher opens new teams on the campaign, sometimes joining immediately.
func Launcher(ctx context.Context, coord *team.Coordinator, campaignID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := coord.Launch(ctx, team.LaunchParams{
			CampaignID:      campaignID,
			LauncherID:      uuid.NewString(),
			JoinImmediately: rand.Intn(2) == 0,
			Quantity:        1 + rand.Intn(3),
		})
		if err != nil && !expected(err) {
			return fmt.Errorf("launcher: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Joiner picks a random forming team and joins it with a fresh buyer.
func Joiner(ctx context.Context, pool *pgxpool.Pool, coord *team.Coordinator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var teamID string
		err := pool.QueryRow(ctx, `
			SELECT id FROM teams WHERE state = 'forming'
			ORDER BY random() LIMIT 1`).Scan(&teamID)
		if err == nil {
			_, err = coord.Join(ctx, team.JoinParams{
				TeamID:   teamID,
				BuyerID:  uuid.NewString(),
				Quantity: 1 + rand.Intn(2),
			})
		}
		if err != nil && !expected(err) {
			return fmt.Errorf("joiner: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Payer confirms payments for random unpaid orders. Every fifth confirmation
// is delivered twice, the way a flaky payment gateway would.
func Payer(ctx context.Context, pool *pgxpool.Pool, coord *team.Coordinator, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx, `
			SELECT external_order_id FROM memberships WHERE state = 'awaiting_payment'
			ORDER BY random() LIMIT 1`).Scan(&orderID)
		if err == nil {
			err = coord.ConfirmPayment(ctx, orderID)
			n++
			if err == nil && n%5 == 0 {
				err = coord.ConfirmPayment(ctx, orderID)
			}
		}
		if err != nil && !expected(err) {
			return fmt.Errorf("payer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Quitter withdraws random committed members from forming teams.
func Quitter(ctx context.Context, pool *pgxpool.Pool, refunds *refund.Coordinator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var teamID, buyerID string
		err := pool.QueryRow(ctx, `
			SELECT m.team_id, m.buyer_id FROM memberships m
			JOIN teams t ON t.id = m.team_id
			WHERE m.state = 'committed' AND t.state = 'forming'
			ORDER BY random() LIMIT 1`).Scan(&teamID, &buyerID)
		if err == nil {
			err = refunds.Quit(ctx, teamID, buyerID)
		}
		if err != nil && !expected(err) {
			return fmt.Errorf("quitter: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// Expirer forces deadlines into the past for a slice of forming teams and then
// sweeps, racing the payers and quitters for the same rows.
func Expirer(ctx context.Context, pool *pgxpool.Pool, sweeper *refund.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE teams SET expires_at = now() - interval '1 second'
			WHERE state = 'forming' AND created_at < now() - interval '3 seconds'
			  AND random() < 0.25`)
		if err == nil {
			_, err = sweeper.Sweep(ctx)
		}
		if err != nil && !expected(err) {
			return fmt.Errorf("expirer: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// Drainer runs the side-effect worker loop so recorded deliveries make
// progress while the ledgers misbehave.
func Drainer(ctx context.Context, worker *sideeffect.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := worker.DrainOnce(ctx); err != nil {
			return fmt.Errorf("drainer: %w", err)
		}
		time.Sleep(150 * time.Millisecond)
	}
}

// StubIdentity authorizes every launcher.
type StubIdentity struct{}

func (StubIdentity) ValidateRole(ctx context.Context, userID string) (external.RoleCheck, error) {
	return external.RoleCheck{Authorized: true}, nil
}

func (StubIdentity) Profile(ctx context.Context, userID string) (external.Profile, error) {
	return external.Profile{UserID: userID, Name: "stress"}, nil
}

// StubCatalog serves a flat unit price.
type StubCatalog struct{ UnitPrice int64 }

func (c StubCatalog) Price(ctx context.Context, campaignID string) (int64, error) {
	return c.UnitPrice, nil
}

// FlakyBalances fails a fraction of credits to exercise the recorded-effect
// retry path. It tallies successful credits per buyer for post-run checks.
type FlakyBalances struct {
	FailureRate float64

	mu      sync.Mutex
	credits map[string]int64
}

func (b *FlakyBalances) Credit(ctx context.Context, userID string, amount int64) error {
	if rand.Float64() < b.FailureRate {
		return errors.New("balances: simulated outage")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.credits == nil {
		b.credits = make(map[string]int64)
	}
	b.credits[userID] += amount
	return nil
}

// Credited returns the total amount credited to the buyer so far.
func (b *FlakyBalances) Credited(userID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credits[userID]
}

// StubOrders issues unique order ids and accepts every status update.
type StubOrders struct {
	created atomic.Int64
}

func (o *StubOrders) Create(ctx context.Context, params external.CreateOrderParams) (string, error) {
	o.created.Add(1)
	return "stress-order-" + uuid.NewString(), nil
}

func (o *StubOrders) SetStatus(ctx context.Context, orderID, status string) error { return nil }

func (o *StubOrders) BatchSetStatus(ctx context.Context, orderIDs []string, status string) error {
	return nil
}

// Created returns how many orders were issued.
func (o *StubOrders) Created() int64 { return o.created.Load() }
