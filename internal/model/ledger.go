package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryAllowance  EntryType = "allowance"
	EntryTaskReward EntryType = "task_reward"
	EntryTransfer   EntryType = "transfer"
	EntryAdjustment EntryType = "adjustment"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryAllowance, EntryTaskReward, EntryTransfer, EntryAdjustment:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of one credit to a member's balance.
// A nil PayerID means the payment came from the system rather than a member.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	FamilyID    int64           `json:"family_id"`
	PayerID     *int64          `json:"payer_id"`
	PayeeID     int64           `json:"payee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        EntryType       `json:"type"`
	Description string          `json:"description"`
	TaskID      *int64          `json:"task_id,omitempty"`
	ScheduleID  *int64          `json:"schedule_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
