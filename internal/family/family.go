// Package family manages members, families and the join codes that admit new
// members.
package family

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	// codeAttempts bounds retries when a generated code is already taken.
	codeAttempts = 5
)

type Service struct {
	db          *sql.DB
	hub         *feed.Hub
	logger      *slog.Logger
	joinCodeTTL time.Duration
	now         func() time.Time
	newCode     func() (string, error)
}

func NewService(db *sql.DB, hub *feed.Hub, logger *slog.Logger, joinCodeTTL time.Duration) *Service {
	return &Service{
		db:          db,
		hub:         hub,
		logger:      logger.With("component", "family"),
		joinCodeTTL: joinCodeTTL,
		now:         func() time.Time { return time.Now().UTC() },
		newCode:     generateCode,
	}
}

func generateCode() (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// RegisterMember creates a member outside any family. A non-empty phone must
// not already belong to another member.
func (s *Service) RegisterMember(ctx context.Context, name, phone string, role model.Role) (*model.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidRequest("register member", "name is required")
	}
	if !role.Valid() {
		return nil, apperr.InvalidRequest("register member", "role must be guardian or dependent")
	}

	var m *model.Member
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if phone != "" {
			existing, err := tx.Members.GetByPhone(ctx, phone)
			if err != nil {
				return fmt.Errorf("register member: %w", err)
			}
			if existing != nil {
				return apperr.InvalidRequest("register member", "a member with this phone number already exists")
			}
		}
		var err error
		m, err = tx.Members.CreateWithPhone(ctx, name, phone, role, s.now())
		if err != nil {
			return fmt.Errorf("register member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("member registered", "member_id", m.ID, "role", m.Role)
	return m, nil
}

// View is a family with its member count.
type View struct {
	model.Family
	MemberCount int `json:"member_count"`
}

// Create starts a new family with the guardian as its first member.
func (s *Service) Create(ctx context.Context, actor policy.Actor, name string, dependentsCreateTasks bool) (*View, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidRequest("create family", "name is required")
	}
	if actor.Role != model.RoleGuardian {
		return nil, apperr.NotAuthorized("create family", "only guardians can create families")
	}

	var view *View
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if err := requireNoFamily(ctx, tx, actor.MemberID, "create family"); err != nil {
			return err
		}
		code, err := s.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now()
		expires := now.Add(s.joinCodeTTL)
		f, err := tx.Families.Create(ctx, &model.Family{
			Name:                  name,
			JoinCode:              code,
			JoinCodeExpiresAt:     &expires,
			DependentsCreateTasks: dependentsCreateTasks,
			CreatedBy:             actor.MemberID,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
		if err != nil {
			return err
		}
		if err := tx.Members.SetFamily(ctx, actor.MemberID, &f.ID, now); err != nil {
			return err
		}
		view = &View{Family: *f, MemberCount: 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("family created", "family_id", view.ID, "by", actor.MemberID)
	return view, nil
}

// Get returns the actor's family.
func (s *Service) Get(ctx context.Context, actor policy.Actor) (*View, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("get family", "you are not part of any family")
	}
	st := store.New(s.db)
	f, err := st.Families.GetByID(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	if f == nil {
		return nil, apperr.NotFound("get family", "family not found")
	}
	members, err := st.Members.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	return &View{Family: *f, MemberCount: len(members)}, nil
}

// Join adds the actor to the family owning code. Unknown and expired codes
// are rejected as invalid requests.
func (s *Service) Join(ctx context.Context, actor policy.Actor, code string) (*View, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperr.InvalidRequest("join family", "join code is required")
	}

	var view *View
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if err := requireNoFamily(ctx, tx, actor.MemberID, "join family"); err != nil {
			return err
		}
		f, err := tx.Families.GetByJoinCode(ctx, code)
		if err != nil {
			return fmt.Errorf("join family: %w", err)
		}
		now := s.now()
		if f == nil {
			return apperr.InvalidRequest("join family", "invalid join code")
		}
		if f.JoinCodeExpired(now) {
			return apperr.InvalidRequest("join family", "join code has expired")
		}
		if err := tx.Members.SetFamily(ctx, actor.MemberID, &f.ID, now); err != nil {
			return err
		}
		members, err := tx.Members.ListByFamily(ctx, f.ID)
		if err != nil {
			return err
		}
		view = &View{Family: *f, MemberCount: len(members)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(view.ID, feed.NewMessage("member", "joined", actor.MemberID, nil))
	s.logger.Info("member joined family", "family_id", view.ID, "member_id", actor.MemberID)
	return view, nil
}

// RegenerateJoinCode replaces the family's code. The old code stops working
// immediately.
func (s *Service) RegenerateJoinCode(ctx context.Context, actor policy.Actor) (*model.Family, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("regenerate join code", "you are not part of any family")
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return nil, err
	}

	var f *model.Family
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		code, err := s.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now()
		expires := now.Add(s.joinCodeTTL)
		f, err = tx.Families.UpdateJoinCode(ctx, familyID, code, &expires, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("join code regenerated", "family_id", familyID, "by", actor.MemberID)
	return f, nil
}

// Leave removes the actor from their family. Balances and ledger entries stay
// with the member. Their schedules in the family are paused and their
// unfinished tasks go back to Available. The last guardian cannot leave while
// others remain.
func (s *Service) Leave(ctx context.Context, actor policy.Actor) error {
	familyID, ok := actor.Family()
	if !ok {
		return apperr.NotFound("leave family", "you are not part of any family")
	}
	var paused, released int64
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if actor.Role == model.RoleGuardian {
			members, err := tx.Members.ListByFamily(ctx, familyID)
			if err != nil {
				return err
			}
			guardians, err := tx.Members.CountGuardians(ctx, familyID)
			if err != nil {
				return err
			}
			if guardians == 1 && len(members) > 1 {
				return apperr.InvalidRequest("leave family", "the last guardian cannot leave while other members remain")
			}
		}
		now := s.now()
		var err error
		if paused, err = tx.Schedules.DeactivateForMember(ctx, familyID, actor.MemberID, now); err != nil {
			return err
		}
		if released, err = tx.Tasks.ReleaseForMember(ctx, familyID, actor.MemberID, now); err != nil {
			return err
		}
		return tx.Members.SetFamily(ctx, actor.MemberID, nil, now)
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(familyID, feed.NewMessage("member", "left", actor.MemberID, map[string]any{
		"schedules_paused": paused,
		"tasks_released":   released,
	}))
	s.logger.Info("member left family", "family_id", familyID, "member_id", actor.MemberID,
		"schedules_paused", paused, "tasks_released", released)
	return nil
}

// Members lists the actor's family with balances.
func (s *Service) Members(ctx context.Context, actor policy.Actor) ([]model.Member, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("list members", "you are not part of any family")
	}
	members, err := store.NewMemberStore(s.db).ListByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// UpdatePolicy sets whether dependents may create tasks.
func (s *Service) UpdatePolicy(ctx context.Context, actor policy.Actor, dependentsCreateTasks bool) (*model.Family, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("update family policy", "you are not part of any family")
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return nil, err
	}
	f, err := store.NewFamilyStore(s.db).UpdatePolicy(ctx, familyID, dependentsCreateTasks, s.now())
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(familyID, feed.NewMessage("family", "updated", familyID, map[string]any{
		"dependents_create_tasks": dependentsCreateTasks,
	}))
	return f, nil
}

func requireNoFamily(ctx context.Context, tx *store.Stores, memberID int64, op string) error {
	m, err := tx.Members.GetByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if m == nil {
		return apperr.NotFound(op, "member not found")
	}
	if m.FamilyID != nil {
		return apperr.InvalidRequest(op, "you are already part of a family")
	}
	return nil
}

func (s *Service) uniqueCode(ctx context.Context, tx *store.Stores) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		taken, err := tx.Families.JoinCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate join code: %d collisions", codeAttempts)
}
