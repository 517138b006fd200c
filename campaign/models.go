package campaign

import "time"

// Status of a campaign. Ended campaigns cannot host new teams.
type Status string

const (
	StatusOngoing Status = "ongoing"
	StatusEnded   Status = "ended"
)

// Campaign mirrors the campaigns table columns touched by the service.
type Campaign struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	RequiredSize int       `json:"required_size"`
	UnitPrice    int64     `json:"unit_price"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActiveAt reports whether the campaign accepts new teams at the given instant.
func (c Campaign) ActiveAt(now time.Time) bool {
	return c.Status == StatusOngoing && !now.Before(c.ValidFrom) && now.Before(c.ValidUntil)
}
