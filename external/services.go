// Package external defines the collaborator services the group-buy core
// consumes. The core only depends on these interfaces; production wiring uses
// the HTTP clients in this package, tests substitute fakes.
package external

import "context"

// RoleCheck is the identity directory's answer for a launcher authorization.
type RoleCheck struct {
	Authorized  bool
	CommunityID *string
}

// Profile carries the display attributes used to enrich query results.
type Profile struct {
	UserID    string
	Name      string
	AvatarURL string
	Community string
}

// IdentityDirectory validates roles and serves display profiles.
type IdentityDirectory interface {
	ValidateRole(ctx context.Context, userID string) (RoleCheck, error)
	Profile(ctx context.Context, userID string) (Profile, error)
}

// BalanceLedger credits buyer balances during refunds.
type BalanceLedger interface {
	Credit(ctx context.Context, userID string, amount int64) error
}

// CreateOrderParams describes a new order on the external ledger.
type CreateOrderParams struct {
	BuyerID     string
	CampaignID  string
	Amount      int64
	Quantity    int
	ShippingRef string
}

// Order statuses the coordinators push to the ledger.
const (
	OrderStatusReadyToFulfill = "ready_to_fulfill"
	OrderStatusRefunded       = "refunded"
)

// OrderLedger owns order rows and their status bookkeeping.
type OrderLedger interface {
	Create(ctx context.Context, params CreateOrderParams) (string, error)
	SetStatus(ctx context.Context, orderID, status string) error
	BatchSetStatus(ctx context.Context, orderIDs []string, status string) error
}

// ProductCatalog resolves the unit price used for order amounts.
type ProductCatalog interface {
	Price(ctx context.Context, campaignID string) (int64, error)
}
