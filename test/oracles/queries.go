// Package oracles holds the SQL invariant checks the stress suite evaluates
// against committed state while the actors run.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_count_within_capacity",
			SQL: `SELECT id, current_count, required_count FROM teams
                  WHERE current_count < 0 OR current_count > required_count`,
		},
		{
			Name: "O2_count_matches_memberships",
			SQL: `SELECT t.id, t.current_count, COALESCE(m.n, 0) AS members
                  FROM teams t
                  LEFT JOIN (
                      SELECT team_id, COUNT(*) AS n FROM memberships
                      WHERE state IN ('committed', 'settled')
                      GROUP BY team_id
                  ) m ON m.team_id = t.id
                  WHERE t.current_count <> COALESCE(m.n, 0)`,
		},
		{
			Name: "O3_single_active_membership",
			SQL: `SELECT team_id, buyer_id, COUNT(*) FROM memberships
                  WHERE state <> 'cancelled'
                  GROUP BY team_id, buyer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_settled_only_on_succeeded",
			SQL: `SELECT m.id, m.team_id, t.state FROM memberships m
                  JOIN teams t ON t.id = m.team_id
                  WHERE m.state = 'settled' AND t.state <> 'succeeded'`,
		},
		{
			Name: "O5_succeeded_team_is_full",
			SQL: `SELECT id, current_count, required_count FROM teams
                  WHERE state = 'succeeded' AND current_count <> required_count`,
		},
		{
			Name: "O6_failed_team_fully_unwound",
			SQL: `SELECT m.id, m.state FROM memberships m
                  JOIN teams t ON t.id = m.team_id
                  WHERE t.state = 'failed' AND m.state IN ('committed', 'settled')`,
		},
		{
			Name: "O7_effects_make_progress",
			SQL: `SELECT id, kind, attempts FROM side_effects
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
