package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const teamColumns = `id, human_code, campaign_id, launcher_id, owner_id, community_id,
       required_count, current_count, state, expires_at, succeeded_at, created_at`

const membershipColumns = `id, team_id, buyer_id, external_order_id, is_launcher,
       committed_amount, quantity, state, joined_at`

// Repository is the pgx-backed team store. Every mutating method runs inside
// the caller's transaction so that row locks span the whole unit of work.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertTeam creates a new forming team row.
func (r *Repository) InsertTeam(ctx context.Context, tx pgx.Tx, t Team) (Team, error) {
	const query = `
        INSERT INTO teams (id, human_code, campaign_id, launcher_id, owner_id, community_id,
            required_count, current_count, state, expires_at)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, 0, 'forming', $8)
        RETURNING ` + teamColumns

	row := tx.QueryRow(ctx, query,
		t.ID,
		t.HumanCode,
		t.CampaignID,
		t.LauncherID,
		t.OwnerID,
		t.CommunityID,
		t.RequiredCount,
		t.ExpiresAt,
	)
	created, err := scanTeam(row)
	if err != nil {
		return Team{}, fmt.Errorf("team: insert: %w", err)
	}
	return created, nil
}

// GetTeamForUpdate locks the team row for the rest of the transaction.
func (r *Repository) GetTeamForUpdate(ctx context.Context, tx pgx.Tx, id string) (Team, error) {
	const query = `SELECT ` + teamColumns + ` FROM teams WHERE id = $1 FOR UPDATE`

	t, err := scanTeam(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Team{}, ErrTeamNotFound
		}
		return Team{}, fmt.Errorf("team: get for update: %w", err)
	}
	return t, nil
}

// HasActiveMembership reports whether the buyer holds a non-cancelled
// membership in the team.
func (r *Repository) HasActiveMembership(ctx context.Context, tx pgx.Tx, teamID, buyerID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM memberships
			WHERE team_id = $1 AND buyer_id = $2 AND state <> 'cancelled'
		)`

	var exists bool
	if err := tx.QueryRow(ctx, query, teamID, buyerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("team: check membership: %w", err)
	}
	return exists, nil
}

// InsertMembership creates an awaiting_payment membership backed by an
// external order. The partial unique index turns a concurrent double-join
// into ErrAlreadyJoined.
func (r *Repository) InsertMembership(ctx context.Context, tx pgx.Tx, m Membership) (Membership, error) {
	const query = `
        INSERT INTO memberships (team_id, buyer_id, external_order_id, is_launcher,
            committed_amount, quantity, state)
        VALUES ($1, $2, $3, $4, $5, $6, 'awaiting_payment')
        RETURNING ` + membershipColumns

	row := tx.QueryRow(ctx, query,
		m.TeamID,
		m.BuyerID,
		m.ExternalOrderID,
		m.IsLauncher,
		m.CommittedAmount,
		m.Quantity,
	)
	created, err := scanMembership(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Membership{}, ErrAlreadyJoined
		}
		return Membership{}, fmt.Errorf("team: insert membership: %w", err)
	}
	return created, nil
}

// GetMembershipByOrderForUpdate locks the membership row for the external
// order id. Lock order is fixed system-wide: membership before team.
func (r *Repository) GetMembershipByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Membership, error) {
	const query = `SELECT ` + membershipColumns + ` FROM memberships WHERE external_order_id = $1 FOR UPDATE`

	m, err := scanMembership(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrMembershipNotFound
		}
		return Membership{}, fmt.Errorf("team: get membership for update: %w", err)
	}
	return m, nil
}

// GetCommittedMembershipForUpdate locks the buyer's committed membership in
// the team, if any.
func (r *Repository) GetCommittedMembershipForUpdate(ctx context.Context, tx pgx.Tx, teamID, buyerID string) (Membership, error) {
	const query = `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE team_id = $1 AND buyer_id = $2 AND state = 'committed'
		FOR UPDATE`

	m, err := scanMembership(tx.QueryRow(ctx, query, teamID, buyerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrMembershipNotFound
		}
		return Membership{}, fmt.Errorf("team: get committed membership: %w", err)
	}
	return m, nil
}

// SetMembershipState moves a membership to the given state.
func (r *Repository) SetMembershipState(ctx context.Context, tx pgx.Tx, id string, state MembershipState) error {
	tag, err := tx.Exec(ctx, `UPDATE memberships SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("team: set membership state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// AdjustCount moves current_count by delta and returns the new value. The
// CHECK constraint backstops the coordinator's capacity check.
func (r *Repository) AdjustCount(ctx context.Context, tx pgx.Tx, teamID string, delta int) (int, error) {
	const query = `
		UPDATE teams SET current_count = current_count + $2
		WHERE id = $1
		RETURNING current_count`

	var count int
	if err := tx.QueryRow(ctx, query, teamID, delta).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTeamNotFound
		}
		return 0, fmt.Errorf("team: adjust count: %w", err)
	}
	return count, nil
}

// MarkTeamSucceeded finalizes the team. Only forming teams may transition.
func (r *Repository) MarkTeamSucceeded(ctx context.Context, tx pgx.Tx, teamID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE teams SET state = 'succeeded', succeeded_at = now()
		WHERE id = $1 AND state = 'forming'`, teamID)
	if err != nil {
		return fmt.Errorf("team: mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTeamNotForming
	}
	return nil
}

// MarkTeamFailed finalizes the team as failed. Only forming teams may
// transition. The count drops to zero with the transition because the caller
// cancels every committed membership in the same transaction.
func (r *Repository) MarkTeamFailed(ctx context.Context, tx pgx.Tx, teamID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE teams SET state = 'failed', current_count = 0
		WHERE id = $1 AND state = 'forming'`, teamID)
	if err != nil {
		return fmt.Errorf("team: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTeamNotForming
	}
	return nil
}

// SettleCommitted flips every committed membership to settled and returns the
// affected order ids for the batch status update.
func (r *Repository) SettleCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]string, error) {
	const query = `
		UPDATE memberships SET state = 'settled'
		WHERE team_id = $1 AND state = 'committed'
		RETURNING external_order_id`

	rows, err := tx.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("team: settle committed: %w", err)
	}
	defer rows.Close()

	orderIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("team: scan settled order: %w", err)
		}
		orderIDs = append(orderIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("team: iterate settled orders: %w", err)
	}
	return orderIDs, nil
}

// LockCommitted locks every committed membership of the team. Callers that
// hold these locks before taking the team row keep the system-wide order of
// membership before team, which is what keeps expiry from deadlocking against
// a concurrent quit or payment.
func (r *Repository) LockCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]Membership, error) {
	const query = `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE team_id = $1 AND state = 'committed'
		ORDER BY id
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("team: lock committed: %w", err)
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("team: scan locked membership: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("team: iterate locked memberships: %w", err)
	}
	return members, nil
}

// CancelCommitted flips every committed membership to cancelled and returns
// the rows for the refund fan-out.
func (r *Repository) CancelCommitted(ctx context.Context, tx pgx.Tx, teamID string) ([]Membership, error) {
	const query = `
		UPDATE memberships SET state = 'cancelled'
		WHERE team_id = $1 AND state = 'committed'
		RETURNING ` + membershipColumns

	rows, err := tx.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("team: cancel committed: %w", err)
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("team: scan cancelled membership: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("team: iterate cancelled memberships: %w", err)
	}
	return members, nil
}

// DueTeamIDs returns forming teams whose deadline has passed, oldest first.
func (r *Repository) DueTeamIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
		SELECT id FROM teams
		WHERE state = 'forming' AND expires_at <= now()
		ORDER BY expires_at
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("team: due teams: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("team: scan due team: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("team: iterate due teams: %w", err)
	}
	return ids, nil
}

// GetTeam fetches a team without locking it.
func (r *Repository) GetTeam(ctx context.Context, id string) (Team, error) {
	const query = `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`

	t, err := scanTeam(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Team{}, ErrTeamNotFound
		}
		return Team{}, fmt.Errorf("team: get: %w", err)
	}
	return t, nil
}

func scanTeam(row pgx.Row) (Team, error) {
	var t Team
	return t, row.Scan(
		&t.ID,
		&t.HumanCode,
		&t.CampaignID,
		&t.LauncherID,
		&t.OwnerID,
		&t.CommunityID,
		&t.RequiredCount,
		&t.CurrentCount,
		&t.State,
		&t.ExpiresAt,
		&t.SucceededAt,
		&t.CreatedAt,
	)
}

func scanMembership(row pgx.Row) (Membership, error) {
	var m Membership
	return m, row.Scan(
		&m.ID,
		&m.TeamID,
		&m.BuyerID,
		&m.ExternalOrderID,
		&m.IsLauncher,
		&m.CommittedAmount,
		&m.Quantity,
		&m.State,
		&m.JoinedAt,
	)
}
