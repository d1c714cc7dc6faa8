package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Schedule is a recurring allowance paid to one member of a family.
// AnchorDate is only set for biweekly schedules and pins the 14-day cadence.
type Schedule struct {
	ID              int64           `json:"id"`
	FamilyID        int64           `json:"family_id"`
	MemberID        int64           `json:"member_id"`
	Amount          decimal.Decimal `json:"amount"`
	Frequency       Frequency       `json:"frequency"`
	DayOfWeek       *time.Weekday   `json:"day_of_week"`
	DayOfMonth      *int            `json:"day_of_month"`
	AnchorDate      *time.Time      `json:"anchor_date,omitempty"`
	Active          bool            `json:"active"`
	LastProcessedAt *time.Time      `json:"last_processed_at"`
	NextDueAt       time.Time       `json:"next_due_at"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}
