package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famledger/internal/model"
)

type ScheduleStore struct {
	db DBTX
}

func NewScheduleStore(db DBTX) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func scanSchedule(scanner interface{ Scan(...any) error }) (*model.Schedule, error) {
	var s model.Schedule
	var dayOfWeek, dayOfMonth, anchorDate, lastProcessed sql.NullInt64
	var nextDue, createdAt, updatedAt int64

	err := scanner.Scan(
		&s.ID, &s.FamilyID, &s.MemberID, &s.Amount, &s.Frequency,
		&dayOfWeek, &dayOfMonth, &anchorDate, &s.Active, &lastProcessed,
		&nextDue, &s.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dayOfWeek.Valid {
		wd := time.Weekday(dayOfWeek.Int64)
		s.DayOfWeek = &wd
	}
	if dayOfMonth.Valid {
		d := int(dayOfMonth.Int64)
		s.DayOfMonth = &d
	}
	s.AnchorDate = fromNullUnix(anchorDate)
	s.LastProcessedAt = fromNullUnix(lastProcessed)
	s.NextDueAt = fromUnix(nextDue)
	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updatedAt)
	return &s, nil
}

const scheduleCols = `id, family_id, member_id, amount, frequency, day_of_week, day_of_month, anchor_date, active, last_processed_at, next_due_at, version, created_at, updated_at`

func nullWeekday(wd *time.Weekday) sql.NullInt64 {
	if wd == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*wd), Valid: true}
}

func nullInt(d *int) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func (s *ScheduleStore) Create(ctx context.Context, sc *model.Schedule) (*model.Schedule, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (family_id, member_id, amount, frequency, day_of_week, day_of_month,
		 anchor_date, active, next_due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.FamilyID, sc.MemberID, sc.Amount.String(), sc.Frequency,
		nullWeekday(sc.DayOfWeek), nullInt(sc.DayOfMonth), nullUnix(sc.AnchorDate),
		boolInt(sc.Active), unix(sc.NextDueAt), unix(sc.CreatedAt), unix(sc.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ScheduleStore) GetByID(ctx context.Context, id int64) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *ScheduleStore) ListByFamily(ctx context.Context, familyID int64) ([]model.Schedule, error) {
	return s.list(ctx, "list schedules",
		`SELECT `+scheduleCols+` FROM schedules WHERE family_id = ? ORDER BY id ASC`, familyID)
}

// ListDue returns the family's active schedules due at or before now,
// ordered by ID so repeated runs pay in the same order.
func (s *ScheduleStore) ListDue(ctx context.Context, familyID int64, now time.Time) ([]model.Schedule, error) {
	return s.list(ctx, "list due schedules",
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE family_id = ? AND active = 1 AND next_due_at <= ?
		 ORDER BY id ASC`, familyID, unix(now))
}

// ListDueFamilies returns the IDs of families with at least one schedule due
// at or before now.
func (s *ScheduleStore) ListDueFamilies(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT family_id FROM schedules WHERE active = 1 AND next_due_at <= ? ORDER BY family_id`,
		unix(now))
	if err != nil {
		return nil, fmt.Errorf("list due families: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan family id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *ScheduleStore) list(ctx context.Context, op, query string, args ...any) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// Update writes the editable fields of sc if the stored version still equals
// sc.Version.
func (s *ScheduleStore) Update(ctx context.Context, sc *model.Schedule) (*model.Schedule, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET amount = ?, frequency = ?, day_of_week = ?, day_of_month = ?,
		 anchor_date = ?, active = ?, next_due_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		sc.Amount.String(), sc.Frequency, nullWeekday(sc.DayOfWeek), nullInt(sc.DayOfMonth),
		nullUnix(sc.AnchorDate), boolInt(sc.Active), unix(sc.NextDueAt), unix(sc.UpdatedAt),
		sc.ID, sc.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	if err := expectOneRow(result, "update schedule"); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, sc.ID)
}

// MarkProcessed records a payment and moves the schedule to its next due date.
// The row must be unchanged since it was read and still due at processedAt,
// so two overlapping runs cannot both claim the same due date.
func (s *ScheduleStore) MarkProcessed(ctx context.Context, sc *model.Schedule, processedAt, nextDue time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_processed_at = ?, next_due_at = ?, anchor_date = ?,
		 updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND active = 1 AND next_due_at <= ?`,
		unix(processedAt), unix(nextDue), nullUnix(sc.AnchorDate), unix(processedAt),
		sc.ID, sc.Version, unix(processedAt),
	)
	if err != nil {
		return fmt.Errorf("mark schedule processed: %w", err)
	}
	return expectOneRow(result, "mark schedule processed")
}

// DeactivateForMember pauses every active schedule paying memberID in the
// family and returns how many were paused.
func (s *ScheduleStore) DeactivateForMember(ctx context.Context, familyID, memberID int64, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = 0, updated_at = ?, version = version + 1
		 WHERE family_id = ? AND member_id = ? AND active = 1`,
		unix(now), familyID, memberID,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate member schedules: %w", err)
	}
	return result.RowsAffected()
}

func (s *ScheduleStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
