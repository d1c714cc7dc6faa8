// Package chore runs the task lifecycle: claim, complete, approve, reject and
// delete. Approval pays the assignee through the ledger in the same
// transaction as the status change.
package chore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
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
	// beforeWrite, when set, sees each task just before its versioned write.
	beforeWrite func(t *model.Task)
}

func NewService(db *sql.DB, ledgerSvc *ledger.Service, hub *feed.Hub, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		ledger:  ledgerSvc,
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "chore"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewTask holds the fields a caller supplies when creating a task.
type NewTask struct {
	Title       string
	Description string
	Reward      decimal.Decimal
	DueAt       *time.Time
	AssigneeID  *int64
}

// Create adds an Available task to the actor's family. Dependents may create
// tasks only when the family allows it.
func (s *Service) Create(ctx context.Context, actor policy.Actor, in NewTask) (*model.Task, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("create task", "actor is not part of a family")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, apperr.InvalidRequest("create task", "title is required")
	}
	if !in.Reward.IsPositive() {
		return nil, apperr.InvalidRequest("create task", "reward must be positive")
	}

	var task *model.Task
	err := store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
		family, err := tx.Families.GetByID(ctx, familyID)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if family == nil {
			return apperr.NotFound("create task", "family not found")
		}
		caps := []policy.Capability{policy.MemberOfFamily}
		if !family.DependentsCreateTasks {
			caps = append(caps, policy.IsGuardian)
		}
		if err := policy.Check(actor, familyID, caps...); err != nil {
			return err
		}

		if in.AssigneeID != nil {
			m, err := tx.Members.GetByID(ctx, *in.AssigneeID)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			if m == nil || m.FamilyID == nil || *m.FamilyID != familyID {
				return apperr.NotFound("create task", "assignee not found")
			}
		}

		now := s.now()
		task, err = tx.Tasks.Create(ctx, &model.Task{
			FamilyID:    familyID,
			Title:       in.Title,
			Description: in.Description,
			Reward:      in.Reward,
			DueAt:       in.DueAt,
			CreatedBy:   actor.MemberID,
			AssigneeID:  in.AssigneeID,
			Status:      model.TaskAvailable,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TaskTransition("created")
	s.hub.Broadcast(familyID, feed.NewMessage("task", "created", task.ID, map[string]any{"title": task.Title}))
	s.logger.Info("task created", "task_id", task.ID, "family_id", familyID, "by", actor.MemberID)
	return task, nil
}

// Get returns a task in the actor's family.
func (s *Service) Get(ctx context.Context, actor policy.Actor, id int64) (*model.Task, error) {
	return loadTask(ctx, store.NewTaskStore(s.db), actor, id, "get task")
}

// List returns the family's tasks, optionally filtered by status.
func (s *Service) List(ctx context.Context, actor policy.Actor, status model.TaskStatus) ([]model.Task, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("list tasks", "actor is not part of a family")
	}
	switch status {
	case "", model.TaskAvailable, model.TaskInProgress, model.TaskPendingApproval, model.TaskCompleted:
	default:
		return nil, apperr.InvalidRequest("list tasks", "unknown status "+string(status))
	}
	tasks, err := store.NewTaskStore(s.db).ListByFamily(ctx, familyID, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// Claim moves an Available task to InProgress and assigns it to the actor.
// A task created with an assignee can only be claimed by that member.
func (s *Service) Claim(ctx context.Context, actor policy.Actor, id int64) (*model.Task, error) {
	return s.transition(ctx, actor, id, ActionClaim, func(_ *store.Stores, t *model.Task, now time.Time) error {
		if t.AssigneeID != nil && *t.AssigneeID != actor.MemberID {
			return apperr.NotAuthorized("claim", "task is reserved for another member")
		}
		assignee := actor.MemberID
		t.AssigneeID = &assignee
		t.ClaimedAt = &now
		return nil
	}, policy.MemberOfFamily)
}

// Complete submits the assignee's work for approval with an optional note.
func (s *Service) Complete(ctx context.Context, actor policy.Actor, id int64, note string) (*model.Task, error) {
	return s.transition(ctx, actor, id, ActionComplete, func(_ *store.Stores, t *model.Task, now time.Time) error {
		if t.AssigneeID == nil || *t.AssigneeID != actor.MemberID {
			return apperr.NotAuthorized("complete", "only the assignee can complete this task")
		}
		t.CompletionNote = strings.TrimSpace(note)
		t.SubmittedAt = &now
		return nil
	}, policy.MemberOfFamily)
}

// Approve completes the task and credits its reward to the assignee. The
// status change and the ledger entry commit together.
func (s *Service) Approve(ctx context.Context, actor policy.Actor, id int64) (*model.Task, error) {
	var entry *model.LedgerEntry
	task, err := s.transition(ctx, actor, id, ActionApprove, func(tx *store.Stores, t *model.Task, now time.Time) error {
		if t.AssigneeID == nil {
			return apperr.InvariantViolation("approve", "task has no assignee")
		}
		t.CompletedAt = &now

		payer := actor.MemberID
		taskID := t.ID
		var err error
		entry, err = ledger.Post(ctx, tx, ledger.Posting{
			FamilyID:    t.FamilyID,
			PayerID:     &payer,
			PayeeID:     *t.AssigneeID,
			Amount:      t.Reward,
			Type:        model.EntryTaskReward,
			Description: "Task reward: " + t.Title,
			TaskID:      &taskID,
			At:          now,
		})
		return err
	}, policy.IsGuardian)
	if err != nil {
		return nil, err
	}
	s.ledger.Announce(entry)
	return task, nil
}

// Reject sends submitted work back to the assignee. The assignee and the
// completion note are kept.
func (s *Service) Reject(ctx context.Context, actor policy.Actor, id int64) (*model.Task, error) {
	return s.transition(ctx, actor, id, ActionReject, func(_ *store.Stores, t *model.Task, _ time.Time) error {
		t.SubmittedAt = nil
		return nil
	}, policy.IsGuardian)
}

// Delete removes a task that has not been completed. Completed tasks stay as
// the record behind their reward entry.
func (s *Service) Delete(ctx context.Context, actor policy.Actor, id int64) error {
	var familyID int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
			t, err := loadTask(ctx, tx.Tasks, actor, id, "delete task")
			if err != nil {
				return err
			}
			if err := policy.Check(actor, t.FamilyID, policy.IsGuardian); err != nil {
				return err
			}
			if _, err := Next(t.Status, ActionDelete); err != nil {
				return err
			}
			familyID = t.FamilyID
			return tx.Tasks.Delete(ctx, t.ID, t.Version)
		})
	})
	if err != nil {
		return err
	}

	s.metrics.TaskTransition(pastTense(ActionDelete))
	s.hub.Broadcast(familyID, feed.NewMessage("task", pastTense(ActionDelete), id, nil))
	s.logger.Info("task deleted", "task_id", id, "by", actor.MemberID)
	return nil
}

// transition loads the task inside a transaction, checks caps, applies action
// and lets mutate adjust the task before the versioned write. A concurrency
// conflict is retried once with a fresh read.
func (s *Service) transition(ctx context.Context, actor policy.Actor, id int64, action Action,
	mutate func(tx *store.Stores, t *model.Task, now time.Time) error, caps ...policy.Capability) (*model.Task, error) {

	var updated *model.Task
	var from model.TaskStatus
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *store.Stores) error {
			t, err := loadTask(ctx, tx.Tasks, actor, id, string(action))
			if err != nil {
				return err
			}
			if err := policy.Check(actor, t.FamilyID, caps...); err != nil {
				return err
			}
			to, err := Next(t.Status, action)
			if err != nil {
				return err
			}

			now := s.now()
			from = t.Status
			t.Status = to
			t.UpdatedAt = now
			if err := mutate(tx, t, now); err != nil {
				return err
			}
			if s.beforeWrite != nil {
				s.beforeWrite(t)
			}
			updated, err = tx.Tasks.UpdateState(ctx, t)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	event := pastTense(action)
	s.metrics.TaskTransition(event)
	s.hub.Broadcast(updated.FamilyID, feed.NewMessage("task", event, updated.ID, map[string]any{
		"status":      updated.Status,
		"assignee_id": updated.AssigneeID,
	}))
	s.logger.Info("task transition",
		"task_id", updated.ID, "action", action, "from", from, "to", updated.Status, "by", actor.MemberID)
	return updated, nil
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(retryDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			s.logger.Warn("task conflict, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// loadTask returns the task if it belongs to the actor's family. Tasks in
// other families are reported as not found.
func loadTask(ctx context.Context, tasks *store.TaskStore, actor policy.Actor, id int64, op string) (*model.Task, error) {
	t, err := tasks.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	familyID, ok := actor.Family()
	if t == nil || !ok || t.FamilyID != familyID {
		return nil, apperr.NotFound(op, "task not found")
	}
	return t, nil
}
