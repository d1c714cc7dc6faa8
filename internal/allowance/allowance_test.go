package allowance

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
	"go.uber.org/multierr"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/database"
	"github.com/dukerupert/famledger/internal/family"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/ledger"
	"github.com/dukerupert/famledger/internal/metrics"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

// 2024-04-12 is a Friday.
var testNow = time.Date(2024, 4, 12, 9, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	db        *sql.DB
	st        *store.Stores
	svc       *Service
	clock     *time.Time
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
	svc := NewService(db, ledger.NewService(db, hub, m, slog.Default()), hub, m, slog.Default())
	clock := testNow
	svc.now = func() time.Time { return clock }

	return &fixture{
		db: db, st: st, svc: svc, clock: &clock, familyID: fam.ID,
		guardian:  policy.Actor{MemberID: g.ID, Role: model.RoleGuardian, FamilyID: &fam.ID},
		dependent: policy.Actor{MemberID: d.ID, Role: model.RoleDependent, FamilyID: &fam.ID},
	}
}

func (f *fixture) setNow(t time.Time) { *f.clock = t }

func (f *fixture) addMember(t *testing.T, name string) policy.Actor {
	t.Helper()
	ctx := context.Background()
	m, err := f.st.Members.Create(ctx, name, model.RoleDependent, testNow)
	require.NoError(t, err)
	require.NoError(t, f.st.Members.SetFamily(ctx, m.ID, &f.familyID, testNow))
	return policy.Actor{MemberID: m.ID, Role: model.RoleDependent, FamilyID: &f.familyID}
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func freq(f model.Frequency) *model.Frequency { return &f }
func weekday(d time.Weekday) *time.Weekday   { return &d }
func monthDay(d int) *int                    { return &d }

func (f *fixture) weekly(t *testing.T, memberID int64, amt string) *model.Schedule {
	t.Helper()
	sc, err := f.svc.Create(context.Background(), f.guardian, ScheduleInput{
		MemberID: memberID, Amount: amount(amt),
		Frequency: freq(model.FrequencyWeekly), DayOfWeek: weekday(time.Friday),
	})
	require.NoError(t, err)
	return sc
}

func (f *fixture) balance(t *testing.T, memberID int64) decimal.Decimal {
	t.Helper()
	m, err := f.st.Members.GetByID(context.Background(), memberID)
	require.NoError(t, err)
	return m.Balance
}

func (f *fixture) entriesFor(t *testing.T, scheduleID int64) []model.LedgerEntry {
	t.Helper()
	entries, err := f.st.Ledger.ListBySchedule(context.Background(), scheduleID)
	require.NoError(t, err)
	return entries
}

func TestCreateComputesFirstDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	weekly := f.weekly(t, f.dependent.MemberID, "10.00")
	assert.Equal(t, date(2024, 4, 19), weekly.NextDueAt, "created on the anchor day pays a week later")
	assert.Nil(t, weekly.AnchorDate)
	assert.True(t, weekly.Active)

	biweekly, err := f.svc.Create(ctx, f.guardian, ScheduleInput{
		MemberID: f.dependent.MemberID, Amount: amount("20"),
		Frequency: freq(model.FrequencyBiweekly), DayOfWeek: weekday(time.Monday),
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 22), biweekly.NextDueAt)
	require.NotNil(t, biweekly.AnchorDate)
	assert.Equal(t, biweekly.NextDueAt, *biweekly.AnchorDate)

	monthly, err := f.svc.Create(ctx, f.guardian, ScheduleInput{
		MemberID: f.dependent.MemberID, Amount: amount("30"),
		Frequency: freq(model.FrequencyMonthly), DayOfMonth: monthDay(31), DayOfWeek: weekday(time.Monday),
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 30), monthly.NextDueAt)
	assert.Nil(t, monthly.DayOfWeek, "unused anchor dropped")
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor policy.Actor
		in    ScheduleInput
		kind  apperr.Kind
	}{
		{"dependent", f.dependent, ScheduleInput{MemberID: f.dependent.MemberID, Amount: amount("1"), Frequency: freq(model.FrequencyWeekly), DayOfWeek: weekday(time.Friday)}, apperr.KindNotAuthorized},
		{"missing weekday", f.guardian, ScheduleInput{MemberID: f.dependent.MemberID, Amount: amount("1"), Frequency: freq(model.FrequencyWeekly)}, apperr.KindInvalidRequest},
		{"missing month day", f.guardian, ScheduleInput{MemberID: f.dependent.MemberID, Amount: amount("1"), Frequency: freq(model.FrequencyMonthly)}, apperr.KindInvalidRequest},
		{"missing frequency", f.guardian, ScheduleInput{MemberID: f.dependent.MemberID, Amount: amount("1")}, apperr.KindInvalidRequest},
		{"zero amount", f.guardian, ScheduleInput{MemberID: f.dependent.MemberID, Amount: amount("0"), Frequency: freq(model.FrequencyWeekly), DayOfWeek: weekday(time.Friday)}, apperr.KindInvalidRequest},
		{"unknown member", f.guardian, ScheduleInput{MemberID: 999, Amount: amount("1"), Frequency: freq(model.FrequencyWeekly), DayOfWeek: weekday(time.Friday)}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.actor, tt.in)
			assert.Equal(t, tt.kind, apperr.KindOf(err), "got %v", err)
		})
	}

	list, err := f.svc.List(ctx, f.guardian)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "10")

	updated, err := f.svc.Update(ctx, f.guardian, sc.ID, ScheduleInput{Amount: amount("12.50")})
	require.NoError(t, err)
	assert.Equal(t, "12.5", updated.Amount.String())
	assert.Equal(t, sc.NextDueAt, updated.NextDueAt, "amount change keeps due date")

	updated, err = f.svc.Update(ctx, f.guardian, sc.ID, ScheduleInput{
		Frequency: freq(model.FrequencyMonthly), DayOfMonth: monthDay(15),
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 15), updated.NextDueAt)
	assert.Nil(t, updated.DayOfWeek)

	_, err = f.svc.Update(ctx, f.guardian, sc.ID, ScheduleInput{Amount: amount("-1")})
	assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	_, err = f.svc.Update(ctx, f.dependent, sc.ID, ScheduleInput{Amount: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))

	_, err = f.svc.Update(ctx, f.guardian, 999, ScheduleInput{Amount: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestResumeRecomputesPastDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "10")

	off := false
	_, err := f.svc.Update(ctx, f.guardian, sc.ID, ScheduleInput{Active: &off})
	require.NoError(t, err)

	f.setNow(time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)) // a Wednesday
	on := true
	resumed, err := f.svc.Update(ctx, f.guardian, sc.ID, ScheduleInput{Active: &on})
	require.NoError(t, err)
	assert.True(t, resumed.Active)
	assert.Equal(t, date(2024, 5, 10), resumed.NextDueAt, "missed weeks are not back-paid")
}

func TestProcessPaysDueSchedule(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "10.00")

	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "nothing due yet")

	f.setNow(time.Date(2024, 4, 19, 10, 0, 0, 0, time.UTC))
	res, err = f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Processed)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Items, 1)
	assert.Equal(t, OutcomeProcessed, res.Items[0].Outcome)
	require.NotNil(t, res.Items[0].NextDueAt)
	assert.Equal(t, date(2024, 4, 26), *res.Items[0].NextDueAt)

	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.NewFromInt(10)))
	entries := f.entriesFor(t, sc.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryAllowance, entries[0].Type)
	assert.Equal(t, "Weekly allowance", entries[0].Description)
	require.NotNil(t, entries[0].PayerID)
	assert.Equal(t, f.guardian.MemberID, *entries[0].PayerID)

	got, err := f.svc.Get(ctx, f.guardian, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 26), got.NextDueAt)
	require.NotNil(t, got.LastProcessedAt)
	assert.Equal(t, time.Date(2024, 4, 19, 10, 0, 0, 0, time.UTC), *got.LastProcessedAt)
}

func TestProcessTwiceIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "10")
	f.setNow(time.Date(2024, 4, 19, 10, 0, 0, 0, time.UTC))

	first, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)

	second, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.Empty(t, second.Items)

	assert.Len(t, f.entriesFor(t, sc.ID), 1)
}

func TestProcessMonthlyClamp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.setNow(date(2024, 4, 1))
	sc, err := f.svc.Create(ctx, f.guardian, ScheduleInput{
		MemberID: f.dependent.MemberID, Amount: amount("25"),
		Frequency: freq(model.FrequencyMonthly), DayOfMonth: monthDay(31),
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 30), sc.NextDueAt)

	f.setNow(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC))
	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, date(2024, 5, 31), *res.Items[0].NextDueAt)

	again, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Zero(t, again.Processed, "no second payment on the clamped day")
}

func TestProcessBiweeklyKeepsCadence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc, err := f.svc.Create(ctx, f.guardian, ScheduleInput{
		MemberID: f.dependent.MemberID, Amount: amount("5"),
		Frequency: freq(model.FrequencyBiweekly), DayOfWeek: weekday(time.Friday),
	})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 26), sc.NextDueAt)

	// Processed three days late; the next payment stays on the cadence.
	f.setNow(date(2024, 4, 29))
	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	assert.Equal(t, date(2024, 5, 10), *res.Items[0].NextDueAt)
}

// conflictOn makes the versioned write of schedule id look stale for the
// first n attempts and reports how many attempts were made.
func (f *fixture) conflictOn(id int64, n int) *int {
	attempts := 0
	f.svc.beforeMark = func(sc *model.Schedule) {
		if sc.ID != id {
			return
		}
		attempts++
		if attempts <= n {
			sc.Version--
		}
	}
	return &attempts
}

func TestProcessIsolatesFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	other := f.addMember(t, "Kit")

	bad := f.weekly(t, f.dependent.MemberID, "3")
	good := f.weekly(t, other.MemberID, "4")
	attempts := f.conflictOn(bad.ID, 2)

	f.setNow(date(2024, 4, 19))
	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Equal(t, 2, *attempts, "one retry after the first conflict")
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Error(t, res.Err)
	assert.Len(t, multierr.Errors(res.Err), 1)
	assert.Equal(t, apperr.KindConcurrencyConflict, apperr.KindOf(res.Err))

	require.Len(t, res.Items, 2)
	assert.Equal(t, bad.ID, res.Items[0].ScheduleID)
	assert.Equal(t, OutcomeFailed, res.Items[0].Outcome)
	assert.NotEmpty(t, res.Items[0].Error)
	assert.Equal(t, good.ID, res.Items[1].ScheduleID)
	assert.Equal(t, OutcomeProcessed, res.Items[1].Outcome)

	stillDue, err := f.st.Schedules.GetByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 19), stillDue.NextDueAt, "failed schedule is left due")
	assert.Equal(t, bad.Version, stillDue.Version)
	assert.Empty(t, f.entriesFor(t, bad.ID), "payment rolled back with the failed write")
	assert.True(t, f.balance(t, f.dependent.MemberID).IsZero())
}

func TestProcessRetriesConflictOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "5")
	attempts := f.conflictOn(sc.ID, 1)

	f.setNow(date(2024, 4, 19))
	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	assert.Equal(t, 2, *attempts)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Failed)
	assert.NoError(t, res.Err)

	assert.Len(t, f.entriesFor(t, sc.ID), 1, "rolled back attempt leaves no entry")
	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.NewFromInt(5)))
	got, err := f.st.Schedules.GetByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2024, 4, 26), got.NextDueAt)
}

func TestLeavingMemberStopsFailingBatches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	leaver := f.addMember(t, "Kit")

	paused := f.weekly(t, leaver.MemberID, "3")
	kept := f.weekly(t, f.dependent.MemberID, "4")

	families := family.NewService(f.db, feed.NewHub(slog.Default()), slog.Default(), time.Hour)
	require.NoError(t, families.Leave(ctx, leaver))

	for _, day := range []time.Time{date(2024, 4, 19), date(2024, 4, 26), date(2024, 5, 3)} {
		f.setNow(day)
		res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed, "run on %s", day.Format("2006-01-02"))
		assert.Zero(t, res.Failed, "run on %s", day.Format("2006-01-02"))
		assert.NoError(t, res.Err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, kept.ID, res.Items[0].ScheduleID)
	}

	sc, err := f.st.Schedules.GetByID(ctx, paused.ID)
	require.NoError(t, err)
	assert.False(t, sc.Active)
	assert.Empty(t, f.entriesFor(t, paused.ID))
	assert.Len(t, f.entriesFor(t, kept.ID), 3)
}

func TestProcessOrderIsStable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, f.weekly(t, f.dependent.MemberID, "1").ID)
	}

	f.setNow(date(2024, 4, 19))
	res, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	var entryIDs []int64
	for i, item := range res.Items {
		assert.Equal(t, ids[i], item.ScheduleID)
		entryIDs = append(entryIDs, item.EntryID)
	}
	assert.IsIncreasing(t, entryIDs)
}

func TestProcessRequiresGuardian(t *testing.T) {
	f := setup(t)
	_, err := f.svc.ProcessDueSchedules(context.Background(), f.dependent)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))
}

func TestProcessAllDuePaysAsSystem(t *testing.T) {
	f := setup(t)
	sc := f.weekly(t, f.dependent.MemberID, "10")
	f.setNow(date(2024, 4, 19))

	results, err := f.svc.ProcessAllDue(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, f.familyID, results[0].FamilyID)
	assert.Equal(t, 1, results[0].Processed)

	entries := f.entriesFor(t, sc.ID)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PayerID)
}

// Two overlapping runs against one due schedule pay it once.
func TestConcurrentProcessPaysOnce(t *testing.T) {
	f := setupWithPath(t, filepath.Join(t.TempDir(), "allowance.db"))
	sc := f.weekly(t, f.dependent.MemberID, "10")
	f.setNow(date(2024, 4, 19))

	var wg sync.WaitGroup
	results := make([]*BatchResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ProcessDueSchedules(context.Background(), f.guardian)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.NoError(t, results[i].Err)
		processed += results[i].Processed
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, f.entriesFor(t, sc.ID), 1)
	assert.True(t, f.balance(t, f.dependent.MemberID).Equal(decimal.NewFromInt(10)))
}

func TestDependentSeesOwnSchedules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	other := f.addMember(t, "Kit")
	mine := f.weekly(t, f.dependent.MemberID, "1")
	theirs := f.weekly(t, other.MemberID, "2")

	list, err := f.svc.List(ctx, f.dependent)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = f.svc.Get(ctx, f.dependent, theirs.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	all, err := f.svc.List(ctx, f.guardian)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteKeepsEntries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := f.weekly(t, f.dependent.MemberID, "10")
	f.setNow(date(2024, 4, 19))
	_, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
	require.NoError(t, err)

	err = f.svc.Delete(ctx, f.dependent, sc.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotAuthorized))

	require.NoError(t, f.svc.Delete(ctx, f.guardian, sc.ID))
	_, err = f.svc.Get(ctx, f.guardian, sc.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Len(t, f.entriesFor(t, sc.ID), 1)
}

// Balances always equal the entries crediting them after batch runs.
func TestBalancesMatchLedger(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	kid := f.addMember(t, "Kit")
	f.weekly(t, f.dependent.MemberID, "10.25")
	f.weekly(t, kid.MemberID, "3.10")

	for week := 1; week <= 4; week++ {
		f.setNow(date(2024, 4, 12).AddDate(0, 0, 7*week))
		_, err := f.svc.ProcessDueSchedules(ctx, f.guardian)
		require.NoError(t, err)
	}

	for _, id := range []int64{f.dependent.MemberID, kid.MemberID} {
		sum, err := f.st.Ledger.SumCredits(ctx, id)
		require.NoError(t, err)
		assert.True(t, sum.Equal(f.balance(t, id)))
	}
	assert.Equal(t, "41", f.balance(t, f.dependent.MemberID).String())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Biweekly allowance", describe(model.FrequencyBiweekly))
	assert.Equal(t, "Allowance", describe(""))
}
