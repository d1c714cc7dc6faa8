// Package ledger records every balance change as an immutable entry and
// credits the payee in the same transaction. Members are only ever credited;
// payments come from an untracked family pool.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Posting describes one credit. A nil PayerID means the system paid.
type Posting struct {
	FamilyID    int64
	PayerID     *int64
	PayeeID     int64
	Amount      decimal.Decimal
	Type        model.EntryType
	Description string
	TaskID      *int64
	ScheduleID  *int64
	At          time.Time
}

// Post appends the entry and credits the payee using the caller's
// transaction, so the credit commits or rolls back with the caller's own
// state change.
func Post(ctx context.Context, tx *store.Stores, p Posting) (*model.LedgerEntry, error) {
	if !p.Amount.IsPositive() {
		return nil, apperr.InvalidRequest("post ledger entry", "amount must be positive")
	}
	if !p.Type.Valid() {
		return nil, apperr.InvalidRequest("post ledger entry", "unknown entry type "+string(p.Type))
	}

	payee, err := tx.Members.GetByID(ctx, p.PayeeID)
	if err != nil {
		return nil, fmt.Errorf("post ledger entry: %w", err)
	}
	if payee == nil {
		return nil, apperr.NotFound("post ledger entry", "payee not found")
	}
	if payee.FamilyID == nil || *payee.FamilyID != p.FamilyID {
		return nil, apperr.InvariantViolation("post ledger entry", "payee is not in the family")
	}

	entry, err := tx.Ledger.Insert(ctx, &model.LedgerEntry{
		FamilyID:    p.FamilyID,
		PayerID:     p.PayerID,
		PayeeID:     p.PayeeID,
		Amount:      p.Amount,
		Type:        p.Type,
		Description: p.Description,
		TaskID:      p.TaskID,
		ScheduleID:  p.ScheduleID,
		CreatedAt:   p.At,
	})
	if err != nil {
		return nil, fmt.Errorf("post ledger entry: %w", err)
	}
	if _, err := tx.Members.Credit(ctx, p.PayeeID, p.Amount, p.At); err != nil {
		return nil, fmt.Errorf("post ledger entry: %w", err)
	}
	return entry, nil
}

type Service struct {
	db         *sql.DB
	hub        *feed.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
	historyMax int
	now        func() time.Time
}

func NewService(db *sql.DB, hub *feed.Hub, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		db:         db,
		hub:        hub,
		metrics:    m,
		logger:     logger.With("component", "ledger"),
		historyMax: MaxHistoryLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetHistoryMax caps the history page size.
func (s *Service) SetHistoryMax(n int) {
	if n > 0 {
		s.historyMax = n
	}
}

// Announce publishes a committed entry to the family feed and metrics.
func (s *Service) Announce(e *model.LedgerEntry) {
	s.metrics.LedgerPosted(string(e.Type), e.Amount)
	s.hub.Broadcast(e.FamilyID, feed.NewMessage("ledger_entry", "posted", e.ID, map[string]any{
		"type":     e.Type,
		"payee_id": e.PayeeID,
		"amount":   e.Amount.String(),
	}))
	s.logger.Info("ledger entry posted",
		"entry_id", e.ID, "family_id", e.FamilyID, "payee_id", e.PayeeID,
		"type", e.Type, "amount", e.Amount.String())
}

// Balance is a member's current balance.
type Balance struct {
	MemberID int64           `json:"member_id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
}

// GetBalance returns memberID's balance, or the actor's own when memberID is
// zero. Dependents may only read their own balance.
func (s *Service) GetBalance(ctx context.Context, actor policy.Actor, memberID int64) (*Balance, error) {
	if memberID == 0 || memberID == actor.MemberID {
		m, err := store.NewMemberStore(s.db).GetByID(ctx, actor.MemberID)
		if err != nil {
			return nil, fmt.Errorf("get balance: %w", err)
		}
		if m == nil {
			return nil, apperr.NotFound("get balance", "member not found")
		}
		return &Balance{MemberID: m.ID, Name: m.Name, Balance: m.Balance}, nil
	}

	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("get balance", "member not found")
	}
	m, err := familyMember(ctx, store.NewMemberStore(s.db), familyID, memberID, "get balance")
	if err != nil {
		return nil, err
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return nil, err
	}
	return &Balance{MemberID: m.ID, Name: m.Name, Balance: m.Balance}, nil
}

// GetHistory returns the most recent entries visible to the actor: the whole
// family for guardians, entries they paid or received for dependents.
func (s *Service) GetHistory(ctx context.Context, actor policy.Actor, limit int) ([]model.LedgerEntry, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("get history", "actor is not part of a family")
	}
	limit = s.clampLimit(limit)

	ls := store.NewLedgerStore(s.db)
	var (
		entries []model.LedgerEntry
		err     error
	)
	if actor.Role == model.RoleGuardian {
		entries, err = ls.ListByFamily(ctx, familyID, limit)
	} else {
		entries, err = ls.ListByMember(ctx, familyID, actor.MemberID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > s.historyMax {
		return s.historyMax
	}
	return limit
}

// Transfer credits another family member on the guardian's behalf.
func (s *Service) Transfer(ctx context.Context, actor policy.Actor, payeeID int64, amount decimal.Decimal, description string) (*model.LedgerEntry, error) {
	if payeeID == actor.MemberID {
		return nil, apperr.InvalidRequest("transfer", "cannot transfer to yourself")
	}
	if description == "" {
		description = "Transfer"
	}
	return s.guardianCredit(ctx, actor, "transfer", payeeID, amount, model.EntryTransfer, description)
}

// Adjust records a manual correction credited to a member.
func (s *Service) Adjust(ctx context.Context, actor policy.Actor, payeeID int64, amount decimal.Decimal, description string) (*model.LedgerEntry, error) {
	if description == "" {
		return nil, apperr.InvalidRequest("adjust", "description is required")
	}
	return s.guardianCredit(ctx, actor, "adjust", payeeID, amount, model.EntryAdjustment, description)
}

func (s *Service) guardianCredit(ctx context.Context, actor policy.Actor, op string, payeeID int64, amount decimal.Decimal, typ model.EntryType, description string) (*model.LedgerEntry, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized(op, "actor is not part of a family")
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return nil, err
	}

	var entry *model.LedgerEntry
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if _, err := familyMember(ctx, tx.Members, familyID, payeeID, op); err != nil {
			return err
		}
		payer := actor.MemberID
		var err error
		entry, err = Post(ctx, tx, Posting{
			FamilyID:    familyID,
			PayerID:     &payer,
			PayeeID:     payeeID,
			Amount:      amount,
			Type:        typ,
			Description: description,
			At:          s.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Announce(entry)
	return entry, nil
}

// familyMember loads memberID and requires it to be in familyID.
func familyMember(ctx context.Context, members *store.MemberStore, familyID, memberID int64, op string) (*model.Member, error) {
	m, err := members.GetByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m == nil || m.FamilyID == nil || *m.FamilyID != familyID {
		return nil, apperr.NotFound(op, "member not found")
	}
	return m, nil
}

// Reconciliation compares a member's balance with the credits recorded for
// them.
type Reconciliation struct {
	MemberID int64           `json:"member_id"`
	Balance  decimal.Decimal `json:"balance"`
	Credits  decimal.Decimal `json:"credits"`
}

// Reconcile checks every family member's balance against the sum of entries
// crediting them. A mismatch is an InvariantViolation naming the first
// member that disagrees.
func (s *Service) Reconcile(ctx context.Context, actor policy.Actor) ([]Reconciliation, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("reconcile", "actor is not part of a family")
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return nil, err
	}

	st := store.New(s.db)
	members, err := st.Members.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	out := make([]Reconciliation, 0, len(members))
	for _, m := range members {
		credits, err := st.Ledger.SumCredits(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
		out = append(out, Reconciliation{MemberID: m.ID, Balance: m.Balance, Credits: credits})
		if !credits.Equal(m.Balance) {
			s.logger.Error("balance does not match ledger",
				"member_id", m.ID, "balance", m.Balance.String(), "credits", credits.String())
			return out, apperr.InvariantViolation("reconcile",
				fmt.Sprintf("member %d balance %s != credits %s", m.ID, m.Balance, credits))
		}
	}
	return out, nil
}
