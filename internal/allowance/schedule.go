// Package allowance manages recurring allowance schedules and pays the ones
// that have come due.
package allowance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/recurrence"
	"github.com/dukerupert/famledger/internal/store"
)

const retryDelay = 10 * time.Millisecond

type Service struct {
	db      *sql.DB
	ledger  *ledger.Service
	hub     *feed.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	// beforeMark, when set, sees each schedule just before its versioned
	// write in a batch run.
	beforeMark func(sc *model.Schedule)
}

func NewService(db *sql.DB, ledgerSvc *ledger.Service, hub *feed.Hub, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		ledger:  ledgerSvc,
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "allowance"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleInput carries the fields of a new schedule. On update, nil fields
// are left unchanged.
type ScheduleInput struct {
	MemberID   int64
	Amount     *decimal.Decimal
	Frequency  *model.Frequency
	DayOfWeek  *time.Weekday
	DayOfMonth *int
	Active     *bool
}

// Create adds a schedule for a family member and computes its first due date.
func (s *Service) Create(ctx context.Context, actor policy.Actor, in ScheduleInput) (*model.Schedule, error) {
	familyID, err := guardianFamily(actor, "create schedule")
	if err != nil {
		return nil, err
	}
	if in.Amount == nil || !in.Amount.IsPositive() {
		return nil, apperr.InvalidRequest("create schedule", "amount must be positive")
	}
	if in.Frequency == nil {
		return nil, apperr.InvalidRequest("create schedule", "frequency is required")
	}

	now := s.now()
	sc := &model.Schedule{
		FamilyID:   familyID,
		MemberID:   in.MemberID,
		Amount:     *in.Amount,
		Frequency:  *in.Frequency,
		DayOfWeek:  in.DayOfWeek,
		DayOfMonth: in.DayOfMonth,
		Active:     in.Active == nil || *in.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	normalizeAnchor(sc)
	if err := seedNextDue(sc, now); err != nil {
		return nil, err
	}

	var created *model.Schedule
	err = store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if err := requireMember(ctx, tx.Members, familyID, in.MemberID, "create schedule"); err != nil {
			return err
		}
		var err error
		created, err = tx.Schedules.Create(ctx, sc)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(familyID, feed.NewMessage("schedule", "created", created.ID, map[string]any{
		"member_id":   created.MemberID,
		"next_due_at": created.NextDueAt,
	}))
	s.logger.Info("schedule created",
		"schedule_id", created.ID, "family_id", familyID, "member_id", created.MemberID,
		"frequency", created.Frequency, "next_due_at", created.NextDueAt)
	return created, nil
}

// Update edits a schedule. The next due date is recomputed only when the
// frequency or anchor changes, or when a paused schedule resumes past its
// due date.
func (s *Service) Update(ctx context.Context, actor policy.Actor, id int64, in ScheduleInput) (*model.Schedule, error) {
	familyID, err := guardianFamily(actor, "update schedule")
	if err != nil {
		return nil, err
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		return nil, apperr.InvalidRequest("update schedule", "amount must be positive")
	}

	var updated *model.Schedule
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
			sc, err := loadSchedule(ctx, tx.Schedules, familyID, id, "update schedule")
			if err != nil {
				return err
			}

			now := s.now()
			ruleChanged := in.Frequency != nil || in.DayOfWeek != nil || in.DayOfMonth != nil
			if in.Amount != nil {
				sc.Amount = *in.Amount
			}
			if in.Frequency != nil {
				sc.Frequency = *in.Frequency
			}
			if in.DayOfWeek != nil {
				sc.DayOfWeek = in.DayOfWeek
			}
			if in.DayOfMonth != nil {
				sc.DayOfMonth = in.DayOfMonth
			}
			resumed := in.Active != nil && *in.Active && !sc.Active
			if in.Active != nil {
				sc.Active = *in.Active
			}
			sc.UpdatedAt = now

			if ruleChanged {
				normalizeAnchor(sc)
				if err := seedNextDue(sc, now); err != nil {
					return err
				}
			} else if resumed && !sc.NextDueAt.After(now) {
				if err := advance(sc, now); err != nil {
					return err
				}
			}

			updated, err = tx.Schedules.Update(ctx, sc)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(familyID, feed.NewMessage("schedule", "updated", updated.ID, nil))
	s.logger.Info("schedule updated", "schedule_id", updated.ID, "next_due_at", updated.NextDueAt)
	return updated, nil
}

// Delete removes a schedule. Entries it already paid stay in the ledger.
func (s *Service) Delete(ctx context.Context, actor policy.Actor, id int64) error {
	familyID, err := guardianFamily(actor, "delete schedule")
	if err != nil {
		return err
	}
	err = store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		if _, err := loadSchedule(ctx, tx.Schedules, familyID, id, "delete schedule"); err != nil {
			return err
		}
		return tx.Schedules.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.hub.Broadcast(familyID, feed.NewMessage("schedule", "deleted", id, nil))
	s.logger.Info("schedule deleted", "schedule_id", id, "by", actor.MemberID)
	return nil
}

// Get returns a schedule in the actor's family. Dependents only see their own.
func (s *Service) Get(ctx context.Context, actor policy.Actor, id int64) (*model.Schedule, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("get schedule", "schedule not found")
	}
	sc, err := loadSchedule(ctx, store.NewScheduleStore(s.db), familyID, id, "get schedule")
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleGuardian && sc.MemberID != actor.MemberID {
		return nil, apperr.NotFound("get schedule", "schedule not found")
	}
	return sc, nil
}

// List returns the family's schedules. Dependents only see their own.
func (s *Service) List(ctx context.Context, actor policy.Actor) ([]model.Schedule, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("list schedules", "actor is not part of a family")
	}
	all, err := store.NewScheduleStore(s.db).ListByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]model.Schedule, 0, len(all))
	for _, sc := range all {
		if actor.Role == model.RoleGuardian || sc.MemberID == actor.MemberID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func guardianFamily(actor policy.Actor, op string) (int64, error) {
	familyID, ok := actor.Family()
	if !ok {
		return 0, apperr.NotAuthorized(op, "actor is not part of a family")
	}
	if err := policy.Check(actor, familyID, policy.IsGuardian); err != nil {
		return 0, err
	}
	return familyID, nil
}

func requireMember(ctx context.Context, members *store.MemberStore, familyID, memberID int64, op string) error {
	m, err := members.GetByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if m == nil || m.FamilyID == nil || *m.FamilyID != familyID {
		return apperr.NotFound(op, "member not found")
	}
	return nil
}

func loadSchedule(ctx context.Context, schedules *store.ScheduleStore, familyID, id int64, op string) (*model.Schedule, error) {
	sc, err := schedules.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sc == nil || sc.FamilyID != familyID {
		return nil, apperr.NotFound(op, "schedule not found")
	}
	return sc, nil
}

// normalizeAnchor drops the anchor field the frequency does not use.
func normalizeAnchor(sc *model.Schedule) {
	switch sc.Frequency {
	case model.FrequencyMonthly:
		sc.DayOfWeek = nil
	case model.FrequencyWeekly, model.FrequencyBiweekly:
		sc.DayOfMonth = nil
	}
}

// seedNextDue computes the first due date. Biweekly schedules keep that date
// as the anchor of their 14-day cadence.
func seedNextDue(sc *model.Schedule, now time.Time) error {
	rule := recurrence.FromSchedule(sc)
	rule.AnchorDate = nil
	next, err := rule.Next(now)
	if err != nil {
		return err
	}
	sc.NextDueAt = next
	if sc.Frequency == model.FrequencyBiweekly {
		anchor := next
		sc.AnchorDate = &anchor
	} else {
		sc.AnchorDate = nil
	}
	return nil
}

// advance moves NextDueAt to the first due date after now.
func advance(sc *model.Schedule, now time.Time) error {
	if sc.Frequency == model.FrequencyBiweekly && sc.AnchorDate == nil {
		return seedNextDue(sc, now)
	}
	next, err := recurrence.FromSchedule(sc).Next(now)
	if err != nil {
		return err
	}
	sc.NextDueAt = next
	return nil
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(retryDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			s.logger.Warn("schedule conflict, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
