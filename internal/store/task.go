package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/model"
)

type TaskStore struct {
	db DBTX
}

func NewTaskStore(db DBTX) *TaskStore {
	return &TaskStore{db: db}
}

func scanTask(scanner interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var dueAt, claimedAt, submittedAt, completedAt sql.NullInt64
	var assigneeID sql.NullInt64
	var note sql.NullString
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&t.ID, &t.FamilyID, &t.Title, &t.Description, &t.Reward, &dueAt,
		&t.CreatedBy, &assigneeID, &t.Status, &note,
		&claimedAt, &submittedAt, &completedAt, &t.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.DueAt = fromNullUnix(dueAt)
	t.AssigneeID = fromNullInt64(assigneeID)
	t.CompletionNote = note.String
	t.ClaimedAt = fromNullUnix(claimedAt)
	t.SubmittedAt = fromNullUnix(submittedAt)
	t.CompletedAt = fromNullUnix(completedAt)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	return &t, nil
}

const taskCols = `id, family_id, title, description, reward, due_at, created_by, assignee_id, status, completion_note, claimed_at, submitted_at, completed_at, version, created_at, updated_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *TaskStore) Create(ctx context.Context, t *model.Task) (*model.Task, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (family_id, title, description, reward, due_at, created_by, assignee_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.FamilyID, t.Title, t.Description, t.Reward.String(), nullUnix(t.DueAt),
		t.CreatedBy, nullInt64(t.AssigneeID), t.Status, unix(t.CreatedAt), unix(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *TaskStore) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByFamily returns the family's tasks grouped by lifecycle stage, newest
// first within each stage. An empty status returns every task.
func (s *TaskStore) ListByFamily(ctx context.Context, familyID int64, status model.TaskStatus) ([]model.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE family_id = ?`
	args := []any{familyID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY CASE status
		WHEN 'available' THEN 0
		WHEN 'in_progress' THEN 1
		WHEN 'pending_approval' THEN 2
		ELSE 3 END, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateState writes the lifecycle fields of t if the stored version still
// equals t.Version, and bumps the version. A stale version yields a
// ConcurrencyConflict.
func (s *TaskStore) UpdateState(ctx context.Context, t *model.Task) (*model.Task, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assignee_id = ?, status = ?, completion_note = ?, claimed_at = ?,
		 submitted_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		nullInt64(t.AssigneeID), t.Status, nullString(t.CompletionNote), nullUnix(t.ClaimedAt),
		nullUnix(t.SubmittedAt), nullUnix(t.CompletedAt), unix(t.UpdatedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := expectOneRow(result, "update task"); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, t.ID)
}

// ReleaseForMember returns every unfinished task held by memberID in the
// family to Available with no assignee, and returns how many were released.
func (s *TaskStore) ReleaseForMember(ctx context.Context, familyID, memberID int64, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'available', assignee_id = NULL, completion_note = NULL,
		 claimed_at = NULL, submitted_at = NULL, updated_at = ?, version = version + 1
		 WHERE family_id = ? AND assignee_id = ? AND status != 'completed'`,
		unix(now), familyID, memberID,
	)
	if err != nil {
		return 0, fmt.Errorf("release member tasks: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes the task if it is unchanged since version was read.
func (s *TaskStore) Delete(ctx context.Context, id, version int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectOneRow(result, "delete task")
}

func expectOneRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return apperr.Conflict(op, "row changed since it was read")
	}
	return nil
}
