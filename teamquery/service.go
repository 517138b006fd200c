// Package teamquery serves read-only projections of teams. Display
// enrichment comes from the identity directory and degrades to placeholders;
// a query never fails because a display collaborator is down.
package teamquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"groupbuy/external"
	"groupbuy/team"
)

// placeholderName is shown when the identity directory is unavailable.
const placeholderName = "member"

// Querier is the read-only database access the service needs. Satisfied by
// *pgxpool.Pool; faked in unit tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Member is one row of a team detail, enriched for display.
type Member struct {
	BuyerID    string    `json:"buyer_id"`
	Name       string    `json:"name"`
	AvatarURL  string    `json:"avatar_url"`
	IsLauncher bool      `json:"is_launcher"`
	State      string    `json:"state"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Detail is the full team projection returned to callers.
type Detail struct {
	ID             string     `json:"id"`
	HumanCode      string     `json:"human_code"`
	CampaignID     string     `json:"campaign_id"`
	CampaignTitle  string     `json:"campaign_title"`
	LauncherID     string     `json:"launcher_id"`
	LauncherName   string     `json:"launcher_name"`
	CommunityLabel string     `json:"community_label,omitempty"`
	RequiredCount  int        `json:"required_count"`
	CurrentCount   int        `json:"current_count"`
	RemainingSlots int        `json:"remaining_slots"`
	State          string     `json:"state"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SucceededAt    *time.Time `json:"succeeded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Members        []Member   `json:"members"`
}

// Summary is one row of a team listing.
type Summary struct {
	ID             string    `json:"id"`
	HumanCode      string    `json:"human_code"`
	CampaignID     string    `json:"campaign_id"`
	LauncherID     string    `json:"launcher_id"`
	CommunityID    *string   `json:"community_id,omitempty"`
	RequiredCount  int       `json:"required_count"`
	CurrentCount   int       `json:"current_count"`
	RemainingSlots int       `json:"remaining_slots"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service answers read-only team queries.
type Service struct {
	db       Querier
	identity external.IdentityDirectory
	logger   *zap.Logger
}

// NewService builds a query service. identity may be nil; every lookup then
// degrades to placeholders.
func NewService(db Querier, identity external.IdentityDirectory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, identity: identity, logger: logger}
}

// TeamDetail returns the enriched projection of one team.
func (s *Service) TeamDetail(ctx context.Context, teamID string) (Detail, error) {
	const query = `
		SELECT t.id, t.human_code, t.campaign_id, c.title, t.launcher_id, t.community_id,
		       t.required_count, t.current_count, t.state, t.expires_at, t.succeeded_at, t.created_at
		FROM teams t
		JOIN campaigns c ON c.id = t.campaign_id
		WHERE t.id = $1`

	var (
		d           Detail
		communityID *string
	)
	err := s.db.QueryRow(ctx, query, teamID).Scan(
		&d.ID,
		&d.HumanCode,
		&d.CampaignID,
		&d.CampaignTitle,
		&d.LauncherID,
		&communityID,
		&d.RequiredCount,
		&d.CurrentCount,
		&d.State,
		&d.ExpiresAt,
		&d.SucceededAt,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Detail{}, team.ErrTeamNotFound
		}
		return Detail{}, fmt.Errorf("teamquery: detail: %w", err)
	}
	d.RemainingSlots = d.RequiredCount - d.CurrentCount

	members, err := s.members(ctx, teamID)
	if err != nil {
		return Detail{}, err
	}
	d.Members = members

	launcher := s.profile(ctx, d.LauncherID)
	d.LauncherName = launcher.Name
	if communityID != nil {
		d.CommunityLabel = launcher.Community
	}

	return d, nil
}

func (s *Service) members(ctx context.Context, teamID string) ([]Member, error) {
	const query = `
		SELECT buyer_id, is_launcher, state, joined_at
		FROM memberships
		WHERE team_id = $1 AND state <> 'cancelled'
		ORDER BY joined_at`

	rows, err := s.db.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("teamquery: members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.BuyerID, &m.IsLauncher, &m.State, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("teamquery: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("teamquery: iterate members: %w", err)
	}

	for i := range members {
		p := s.profile(ctx, members[i].BuyerID)
		members[i].Name = p.Name
		members[i].AvatarURL = p.AvatarURL
	}
	return members, nil
}

// profile never fails; unavailable directories yield placeholder values.
func (s *Service) profile(ctx context.Context, userID string) external.Profile {
	if s.identity == nil {
		return external.Profile{UserID: userID, Name: placeholderName}
	}
	p, err := s.identity.Profile(ctx, userID)
	if err != nil {
		s.logger.Warn("profile enrichment degraded",
			zap.String("user_id", userID),
			zap.Error(err))
		return external.Profile{UserID: userID, Name: placeholderName}
	}
	if p.Name == "" {
		p.Name = placeholderName
	}
	return p
}

// TeamsForCampaign lists a campaign's teams with the viewer's community
// sorted first, each group ordered by recency. Pure read-side ranking.
func (s *Service) TeamsForCampaign(ctx context.Context, campaignID, viewerCommunityID string) ([]Summary, error) {
	const query = `
		SELECT id, human_code, campaign_id, launcher_id, community_id,
		       required_count, current_count, state, expires_at, created_at
		FROM teams
		WHERE campaign_id = $1
		ORDER BY CASE WHEN $2 <> '' AND community_id::text = $2 THEN 0 ELSE 1 END,
		         created_at DESC`

	return s.list(ctx, query, campaignID, viewerCommunityID)
}

// TeamsForBuyer lists teams the buyer holds a live membership in.
func (s *Service) TeamsForBuyer(ctx context.Context, buyerID string) ([]Summary, error) {
	const query = `
		SELECT t.id, t.human_code, t.campaign_id, t.launcher_id, t.community_id,
		       t.required_count, t.current_count, t.state, t.expires_at, t.created_at
		FROM teams t
		JOIN memberships m ON m.team_id = t.id
		WHERE m.buyer_id = $1 AND m.state <> 'cancelled'
		ORDER BY t.created_at DESC`

	return s.list(ctx, query, buyerID)
}

// TeamsForLauncher lists teams the user launched.
func (s *Service) TeamsForLauncher(ctx context.Context, launcherID string) ([]Summary, error) {
	const query = `
		SELECT id, human_code, campaign_id, launcher_id, community_id,
		       required_count, current_count, state, expires_at, created_at
		FROM teams
		WHERE launcher_id = $1
		ORDER BY created_at DESC`

	return s.list(ctx, query, launcherID)
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]Summary, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("teamquery: list: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(
			&sm.ID,
			&sm.HumanCode,
			&sm.CampaignID,
			&sm.LauncherID,
			&sm.CommunityID,
			&sm.RequiredCount,
			&sm.CurrentCount,
			&sm.State,
			&sm.ExpiresAt,
			&sm.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("teamquery: scan summary: %w", err)
		}
		sm.RemainingSlots = sm.RequiredCount - sm.CurrentCount
		summaries = append(summaries, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("teamquery: iterate summaries: %w", err)
	}
	return summaries, nil
}
