package chore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/database"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

var testNow = time.Date(2024, 4, 12, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db        *sql.DB
	st        *store.Stores
	svc       *Service
	familyID  int64
	guardian  policy.Actor
	dependent policy.Actor
}

func setup(t *testing.T) *fixture {
	return setupWithPath(t, ":memory:")
}

func setupWithPath(t *testing.T, path string) *fixture {
	t.Helper()
	db, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	st := store.New(db)
	g, err := st.Members.Create(ctx, "Alex", model.RoleGuardian, testNow)
	require.NoError(t, err)
	fam, err := st.Families.Create(ctx, &model.Family{
		Name: "Rivera", JoinCode: "ABC123", CreatedBy: g.ID, CreatedAt: testNow, UpdatedAt: testNow,
	})
	require.NoError(t, err)
	require.NoError(t, st.Members.SetFamily(ctx, g.ID, &fam.ID, testNow))
	d, err := st.Members.Create(ctx, "Sam", model.RoleDependent, testNow)
	require.NoError(t, err)
	require.NoError(t, st.Members.SetFamily(ctx, d.ID, &fam.ID, testNow))

	hub := feed.NewHub(slog.Default())
	m := metrics.New()
	ledgerSvc := ledger.NewService(db, hub, m, slog.Default())
	svc := NewService(db, ledgerSvc, hub, m, slog.Default())
	svc.now = func() time.Time { return testNow }

	return &fixture{
		db: db, st: st, svc: svc, familyID: fam.ID,
		guardian:  policy.Actor{MemberID: g.ID, Role: model.RoleGuardian, FamilyID: &fam.ID},
		dependent: policy.Actor{MemberID: d.ID, Role: model.RoleDependent, FamilyID: &fam.ID},
	}
}

func (f *fixture) newTask(t *testing.T, reward string) *model.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), f.guardian, NewTask{
		Title: "Dishes", Reward: decimal.RequireFromString(reward),
	})
	require.NoError(t, err)
	return task
}

// taskIn drives a fresh task to the given status through the service.
func (f *fixture) taskIn(t *testing.T, status model.TaskStatus) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := f.newTask(t, "5.00")
	var err error
	if status == model.TaskAvailable {
		return task
	}
	task, err = f.svc.Claim(ctx, f.dependent, task.ID)
	require.NoError(t, err)
	if status == model.TaskInProgress {
		return task
	}
	task, err = f.svc.Complete(ctx, f.dependent, task.ID, "all clean")
	require.NoError(t, err)
	if status == model.TaskPendingApproval {
		return task
	}
	task, err = f.svc.Approve(ctx, f.guardian, task.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) balance(t *testing.T, memberID int64) decimal.Decimal {
	t.Helper()
	m, err := f.st.Members.GetByID(context.Background(), memberID)
	require.NoError(t, err)
	return m.Balance
}

func (f *fixture) entries(t *testing.T) []model.LedgerEntry {
	t.Helper()
	entries, err := f.st.Ledger.ListByFamily(context.Background(), f.familyID, 100)
	require.NoError(t, err)
	return entries
}

func (f *fixture) status(t *testing.T, id int64) model.TaskStatus {
	t.Helper()
	task, err := f.st.Tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task.Status
}

func TestApprovePaysAssignee(t *testing.T) {
	f := setup(t)
	task := f.taskIn(t, model.TaskPendingApproval)
	require.NotNil(t, task.AssigneeID)
	assert.Equal(t, f.dependent.MemberID, *task.AssigneeID)

	approved, err := f.svc.Approve(context.Background(), f.guardian, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, approved.Status)
	require.NotNil(t, approved.CompletedAt)
	assert.Equal(t, testNow, *approved.CompletedAt)

	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.RequireFromString("5.00")))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, model.EntryTaskReward, e.Type)
	assert.True(t, e.Amount.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, f.dependent.MemberID, e.PayeeID)
	require.NotNil(t, e.TaskID)
	assert.Equal(t, task.ID, *e.TaskID)
	require.NotNil(t, e.PayerID)
	assert.Equal(t, f.guardian.MemberID, *e.PayerID)
}

func TestApproveAvailableFails(t *testing.T) {
	f := setup(t)
	task := f.taskIn(t, model.TaskAvailable)

	_, err := f.svc.Approve(context.Background(), f.guardian, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "got %v", err)

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "available", ae.From)
	assert.Equal(t, "completed", ae.To)

	assert.Equal(t, model.TaskAvailable, f.status(t, task.ID))
	assert.True(t, f.balance(t, f.dependent.MemberID).IsZero())
	assert.Empty(t, f.entries(t))
}

// Only the enumerated transitions succeed when driven through the service.
func TestServiceClosure(t *testing.T) {
	ctx := context.Background()
	legalMoves := map[model.TaskStatus][]Action{
		model.TaskAvailable:       {ActionClaim, ActionDelete},
		model.TaskInProgress:      {ActionComplete, ActionDelete},
		model.TaskPendingApproval: {ActionApprove, ActionReject, ActionDelete},
		model.TaskCompleted:       {},
	}

	for _, from := range allStatuses {
		for _, action := range allActions {
			f := setup(t)
			task := f.taskIn(t, from)

			var err error
			switch action {
			case ActionClaim:
				_, err = f.svc.Claim(ctx, f.dependent, task.ID)
			case ActionComplete:
				_, err = f.svc.Complete(ctx, f.dependent, task.ID, "")
			case ActionApprove:
				_, err = f.svc.Approve(ctx, f.guardian, task.ID)
			case ActionReject:
				_, err = f.svc.Reject(ctx, f.guardian, task.ID)
			case ActionDelete:
				err = f.svc.Delete(ctx, f.guardian, task.ID)
			}

			if contains(legalMoves[from], action) {
				assert.NoError(t, err, "%s from %s", action, from)
			} else {
				assert.True(t, errors.Is(err, apperr.ErrInvalidState), "%s from %s: got %v", action, from, err)
				assert.Equal(t, from, f.status(t, task.ID))
			}
		}
	}
}

func contains(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

func TestCompleteRequiresAssignee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.taskIn(t, model.TaskInProgress)

	_, err := f.svc.Complete(ctx, f.guardian, task.ID, "")
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))
	assert.Equal(t, model.TaskInProgress, f.status(t, task.ID))

	done, err := f.svc.Complete(ctx, f.dependent, task.ID, "  wiped counters too  ")
	require.NoError(t, err)
	assert.Equal(t, "wiped counters too", done.CompletionNote)
	require.NotNil(t, done.SubmittedAt)
}

func TestGuardianOnlyActions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.taskIn(t, model.TaskPendingApproval)

	_, err := f.svc.Approve(ctx, f.dependent, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))
	_, err = f.svc.Reject(ctx, f.dependent, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))
	err = f.svc.Delete(ctx, f.dependent, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))

	assert.Equal(t, model.TaskPendingApproval, f.status(t, task.ID))
	assert.Empty(t, f.entries(t))
}

func TestApproveWithoutAssignee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.taskIn(t, model.TaskAvailable)

	task.Status = model.TaskPendingApproval
	_, err := f.st.Tasks.UpdateState(ctx, task)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.guardian, task.ID)
	assert.Equal(t, apperr.KindInvariantViolation, apperr.KindOf(err))
	assert.Equal(t, model.TaskPendingApproval, f.status(t, task.ID))
	assert.Empty(t, f.entries(t))
}

func TestApproveRollsBackWhenPaymentFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.taskIn(t, model.TaskPendingApproval)

	// The assignee leaving the family makes the ledger post fail.
	require.NoError(t, f.st.Members.SetFamily(ctx, f.dependent.MemberID, nil, testNow))

	_, err := f.svc.Approve(ctx, f.guardian, task.ID)
	require.Error(t, err)
	assert.Equal(t, model.TaskPendingApproval, f.status(t, task.ID), "status change rolled back")
	assert.Empty(t, f.entries(t))
	assert.True(t, f.balance(t, f.dependent.MemberID).IsZero())
}

func TestRejectKeepsAssigneeAndNote(t *testing.T) {
	f := setup(t)
	task := f.taskIn(t, model.TaskPendingApproval)

	rejected, err := f.svc.Reject(context.Background(), f.guardian, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, rejected.Status)
	require.NotNil(t, rejected.AssigneeID)
	assert.Equal(t, f.dependent.MemberID, *rejected.AssigneeID)
	assert.Equal(t, "all clean", rejected.CompletionNote)
	assert.Nil(t, rejected.SubmittedAt)
	assert.Empty(t, f.entries(t))
}

func TestDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	task := f.taskIn(t, model.TaskInProgress)
	require.NoError(t, f.svc.Delete(ctx, f.guardian, task.ID))
	_, err := f.svc.Get(ctx, f.guardian, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	done := f.taskIn(t, model.TaskCompleted)
	err = f.svc.Delete(ctx, f.guardian, done.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))
	assert.Equal(t, model.TaskCompleted, f.status(t, done.ID))
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.guardian, NewTask{Title: "  ", Reward: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	_, err = f.svc.Create(ctx, f.guardian, NewTask{Title: "Dishes", Reward: decimal.Zero})
	assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	missing := int64(999)
	_, err = f.svc.Create(ctx, f.guardian, NewTask{Title: "Dishes", Reward: decimal.NewFromInt(1), AssigneeID: &missing})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.svc.Create(ctx, policy.Actor{MemberID: 50, Role: model.RoleGuardian}, NewTask{Title: "x", Reward: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))
}

func TestCreateByDependentFollowsPolicy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	in := NewTask{Title: "Walk dog", Reward: decimal.NewFromInt(2)}

	_, err := f.svc.Create(ctx, f.dependent, in)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))

	_, err = f.st.Families.UpdatePolicy(ctx, f.familyID, true, testNow)
	require.NoError(t, err)

	task, err := f.svc.Create(ctx, f.dependent, in)
	require.NoError(t, err)
	assert.Equal(t, f.dependent.MemberID, task.CreatedBy)
	assert.Equal(t, model.TaskAvailable, task.Status)
}

func TestClaimReservedTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	kid, err := f.st.Members.Create(ctx, "Kit", model.RoleDependent, testNow)
	require.NoError(t, err)
	require.NoError(t, f.st.Members.SetFamily(ctx, kid.ID, &f.familyID, testNow))

	task, err := f.svc.Create(ctx, f.guardian, NewTask{
		Title: "Laundry", Reward: decimal.NewFromInt(3), AssigneeID: &kid.ID,
	})
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, f.dependent, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))

	kidActor := policy.Actor{MemberID: kid.ID, Role: model.RoleDependent, FamilyID: &f.familyID}
	claimed, err := f.svc.Claim(ctx, kidActor, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, claimed.Status)
}

func TestOtherFamilyCannotSeeTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.taskIn(t, model.TaskAvailable)

	otherFamily := int64(4242)
	stranger := policy.Actor{MemberID: 77, Role: model.RoleGuardian, FamilyID: &otherFamily}
	_, err := f.svc.Get(ctx, stranger, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = f.svc.Claim(ctx, stranger, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestList(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.taskIn(t, model.TaskAvailable)
	f.taskIn(t, model.TaskInProgress)

	all, err := f.svc.List(ctx, f.dependent, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.svc.List(ctx, f.dependent, model.TaskAvailable)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	_, err = f.svc.List(ctx, f.dependent, "lost")
	assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))
}

// Two guardians approving the same task at once pay it exactly once.
func TestConcurrentApprovePaysOnce(t *testing.T) {
	f := setupWithPath(t, filepath.Join(t.TempDir(), "chore.db"))
	task := f.taskIn(t, model.TaskPendingApproval)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(context.Background(), f.guardian, task.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrInvalidState), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.entries(t), 1)
	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.NewFromInt(5)))
}

// conflictOn makes the versioned write of task id look stale for the first n
// attempts and reports how many attempts were made.
func (f *fixture) conflictOn(id int64, n int) *int {
	attempts := 0
	f.svc.beforeWrite = func(t *model.Task) {
		if t.ID != id {
			return
		}
		attempts++
		if attempts <= n {
			t.Version--
		}
	}
	return &attempts
}

func TestApproveRetriesConflictOnce(t *testing.T) {
	f := setup(t)
	task := f.taskIn(t, model.TaskPendingApproval)
	attempts := f.conflictOn(task.ID, 1)

	approved, err := f.svc.Approve(context.Background(), f.guardian, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *attempts)
	assert.Equal(t, model.TaskCompleted, approved.Status)
	assert.Len(t, f.entries(t), 1, "rolled back attempt leaves no entry")
	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.RequireFromString("5.00")))
}

func TestApproveRepeatedConflictSurfaces(t *testing.T) {
	f := setup(t)
	task := f.taskIn(t, model.TaskPendingApproval)
	attempts := f.conflictOn(task.ID, 2)

	_, err := f.svc.Approve(context.Background(), f.guardian, task.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConcurrencyConflict, apperr.KindOf(err))
	assert.True(t, errors.Is(err, apperr.ErrConcurrencyConflict))
	assert.Equal(t, 2, *attempts, "retried once, never more")

	assert.Equal(t, model.TaskPendingApproval, f.status(t, task.ID))
	assert.Empty(t, f.entries(t))
	assert.True(t, f.balance(t, f.dependent.MemberID).IsZero())
}

func TestClaimRetriesConflictOnce(t *testing.T) {
	f := setup(t)
	task := f.newTask(t, "2.00")
	attempts := f.conflictOn(task.ID, 1)

	claimed, err := f.svc.Claim(context.Background(), f.dependent, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *attempts)
	assert.Equal(t, model.TaskInProgress, claimed.Status)
	assert.Equal(t, task.Version+1, claimed.Version)
}
