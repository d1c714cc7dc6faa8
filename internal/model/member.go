package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a member's capability tier within a family.
type Role string

const (
	RoleGuardian  Role = "guardian"
	RoleDependent Role = "dependent"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleGuardian || r == RoleDependent
}

type Member struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Role      Role            `json:"role"`
	FamilyID  *int64          `json:"family_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
