package allowance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped means another run paid the schedule first or it was
	// paused or edited after selection.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ItemResult reports what happened to one schedule in a batch run.
type ItemResult struct {
	ScheduleID int64      `json:"schedule_id"`
	MemberID   int64      `json:"member_id"`
	Outcome    Outcome    `json:"outcome"`
	EntryID    int64      `json:"entry_id,omitempty"`
	NextDueAt  *time.Time `json:"next_due_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BatchResult summarizes a batch run. Err combines every per-schedule failure.
type BatchResult struct {
	RunID     string       `json:"run_id"`
	FamilyID  int64        `json:"family_id"`
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
	Err       error        `json:"-"`
}

var errNotDue = errors.New("schedule no longer due")

// ProcessDueSchedules pays every active schedule in the guardian's family
// whose due date has passed, in schedule ID order. Each schedule is paid in
// its own transaction: one failure is reported in the result without stopping
// the others. The returned error is only for failures of the whole run.
func (s *Service) ProcessDueSchedules(ctx context.Context, actor policy.Actor) (*BatchResult, error) {
	familyID, err := guardianFamily(actor, "process schedules")
	if err != nil {
		return nil, err
	}
	payer := actor.MemberID
	return s.processFamily(ctx, familyID, &payer)
}

// ProcessAllDue runs a batch for every family with due schedules, paid by the
// system. It serves external timers that invoke processing without an actor.
func (s *Service) ProcessAllDue(ctx context.Context) ([]*BatchResult, error) {
	families, err := store.NewScheduleStore(s.db).ListDueFamilies(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("process all due: %w", err)
	}
	results := make([]*BatchResult, 0, len(families))
	for _, familyID := range families {
		res, err := s.processFamily(ctx, familyID, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) processFamily(ctx context.Context, familyID int64, payer *int64) (*BatchResult, error) {
	now := s.now()
	res := &BatchResult{RunID: uuid.NewString(), FamilyID: familyID, Items: []ItemResult{}}
	logger := s.logger.With("run_id", res.RunID, "family_id", familyID)

	due, err := store.NewScheduleStore(s.db).ListDue(ctx, familyID, now)
	if err != nil {
		return nil, fmt.Errorf("process schedules: %w", err)
	}
	logger.Info("processing due schedules", "due", len(due))

	var entries []*model.LedgerEntry
	for _, sc := range due {
		item := ItemResult{ScheduleID: sc.ID, MemberID: sc.MemberID}
		entry, next, err := s.processOne(ctx, familyID, sc.ID, payer, now)
		switch {
		case err == nil:
			item.Outcome = OutcomeProcessed
			item.EntryID = entry.ID
			item.NextDueAt = &next
			res.Processed++
			entries = append(entries, entry)
		case errors.Is(err, errNotDue):
			item.Outcome = OutcomeSkipped
			res.Skipped++
		default:
			item.Outcome = OutcomeFailed
			item.Error = err.Error()
			res.Failed++
			res.Err = multierr.Append(res.Err, fmt.Errorf("schedule %d: %w", sc.ID, err))
			logger.Error("schedule failed", "schedule_id", sc.ID, "error", err)
		}
		res.Items = append(res.Items, item)
	}

	for _, e := range entries {
		s.ledger.Announce(e)
	}
	s.metrics.ScheduleBatch(res.Processed, res.Skipped, res.Failed)
	if res.Processed > 0 || res.Failed > 0 {
		s.hub.Broadcast(familyID, feed.NewMessage("schedule", "processed", 0, map[string]any{
			"run_id":    res.RunID,
			"processed": res.Processed,
			"failed":    res.Failed,
		}))
	}
	logger.Info("processed due schedules",
		"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// processOne pays one schedule and moves it to its next due date in a single
// transaction. The schedule is re-read inside the transaction, and the
// versioned update refuses a row another run already advanced.
func (s *Service) processOne(ctx context.Context, familyID, id int64, payer *int64, now time.Time) (*model.LedgerEntry, time.Time, error) {
	var entry *model.LedgerEntry
	var next time.Time
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
			sc, err := tx.Schedules.GetByID(ctx, id)
			if err != nil {
				return fmt.Errorf("load schedule: %w", err)
			}
			if sc == nil || sc.FamilyID != familyID || !sc.Active || sc.NextDueAt.After(now) {
				return errNotDue
			}

			if err := advance(sc, now); err != nil {
				return err
			}
			next = sc.NextDueAt

			scheduleID := sc.ID
			entry, err = ledger.Post(ctx, tx, ledger.Posting{
				FamilyID:    familyID,
				PayerID:     payer,
				PayeeID:     sc.MemberID,
				Amount:      sc.Amount,
				Type:        model.EntryAllowance,
				Description: describe(sc.Frequency),
				ScheduleID:  &scheduleID,
				At:          now,
			})
			if err != nil {
				return err
			}
			if s.beforeMark != nil {
				s.beforeMark(sc)
			}
			return tx.Schedules.MarkProcessed(ctx, sc, now, next)
		})
	})
	return entry, next, err
}

func describe(f model.Frequency) string {
	name := string(f)
	if name == "" {
		return "Allowance"
	}
	return strings.ToUpper(name[:1]) + name[1:] + " allowance"
}
