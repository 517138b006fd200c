package team

import (
	"errors"
	"time"
)

// State of a team. Succeeded and failed are terminal.
type State string

const (
	StateForming   State = "forming"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// MembershipState tracks one buyer's position in a team.
//
// awaiting_payment -> committed (payment confirmed)
// committed -> settled (team succeeded)
// committed -> cancelled (refunded via expiry or quit)
type MembershipState string

const (
	MembershipAwaitingPayment MembershipState = "awaiting_payment"
	MembershipCommitted       MembershipState = "committed"
	MembershipSettled         MembershipState = "settled"
	MembershipCancelled       MembershipState = "cancelled"
)

// Team mirrors the teams table columns touched by the coordinators.
// current_count counts memberships in {committed, settled} only; an
// awaiting_payment membership does not occupy a slot.
type Team struct {
	ID            string     `json:"id"`
	HumanCode     string     `json:"human_code"`
	CampaignID    string     `json:"campaign_id"`
	LauncherID    string     `json:"launcher_id"`
	OwnerID       string     `json:"owner_id"`
	CommunityID   *string    `json:"community_id,omitempty"`
	RequiredCount int        `json:"required_count"`
	CurrentCount  int        `json:"current_count"`
	State         State      `json:"state"`
	ExpiresAt     time.Time  `json:"expires_at"`
	SucceededAt   *time.Time `json:"succeeded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Membership mirrors the memberships table.
type Membership struct {
	ID              string
	TeamID          string
	BuyerID         string
	ExternalOrderID string
	IsLauncher      bool
	CommittedAmount int64
	Quantity        int
	State           MembershipState
	JoinedAt        time.Time
}

var (
	// ErrTeamNotFound is returned when no team row exists for the identifier.
	ErrTeamNotFound = errors.New("team: not found")
	// ErrTeamNotForming rejects joins against finalized or expired teams.
	ErrTeamNotForming = errors.New("team: not forming")
	// ErrTeamFull rejects joins once every slot is committed.
	ErrTeamFull = errors.New("team: full")
	// ErrAlreadyJoined rejects a second live membership for the same buyer.
	ErrAlreadyJoined = errors.New("team: already joined")
	// ErrLauncherUnauthorized signals the identity directory denied the launch.
	ErrLauncherUnauthorized = errors.New("team: launcher unauthorized")
	// ErrMembershipNotFound is returned when a payment callback references an
	// unknown order. Logged by the caller, never retried here.
	ErrMembershipNotFound = errors.New("team: membership not found")
)

// Side-effect kinds recorded for at-least-once delivery.
const (
	EffectRefund           = "refund"
	EffectOrderStatus      = "order_status"
	EffectOrderBatchStatus = "order_batch_status"
)
