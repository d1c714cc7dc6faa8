// Package policy is the capability check consulted before every mutating
// operation. It is a pure function of the actor's role and family membership.
package policy

import (
	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/model"
)

type Capability int

const (
	MemberOfFamily Capability = iota + 1
	IsGuardian
)

func (c Capability) String() string {
	switch c {
	case MemberOfFamily:
		return "member-of-family"
	case IsGuardian:
		return "is-guardian"
	}
	return "unknown"
}

// Actor is the authenticated caller as resolved by the auth layer.
type Actor struct {
	MemberID int64
	Role     model.Role
	FamilyID *int64
}

// ActorFor builds an Actor from a stored member.
func ActorFor(m *model.Member) Actor {
	return Actor{MemberID: m.ID, Role: m.Role, FamilyID: m.FamilyID}
}

// Family returns the actor's family ID, if any.
func (a Actor) Family() (int64, bool) {
	if a.FamilyID == nil {
		return 0, false
	}
	return *a.FamilyID, true
}

// Check returns nil when the actor holds every capability for familyID, and a
// NotAuthorized error naming the first missing capability otherwise.
func Check(a Actor, familyID int64, caps ...Capability) error {
	for _, c := range caps {
		if reason, ok := allows(a, familyID, c); !ok {
			return apperr.NotAuthorized(c.String(), reason)
		}
	}
	return nil
}

func allows(a Actor, familyID int64, c Capability) (string, bool) {
	fid, ok := a.Family()
	if !ok {
		return "actor is not part of a family", false
	}
	if fid != familyID {
		return "actor belongs to a different family", false
	}
	switch c {
	case MemberOfFamily:
		return "", true
	case IsGuardian:
		if a.Role != model.RoleGuardian {
			return "guardian role required", false
		}
		return "", true
	}
	return "unknown capability", false
}
