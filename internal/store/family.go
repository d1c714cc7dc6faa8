package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famledger/internal/model"
)

type FamilyStore struct {
	db DBTX
}

func NewFamilyStore(db DBTX) *FamilyStore {
	return &FamilyStore{db: db}
}

func scanFamily(scanner interface{ Scan(...any) error }) (*model.Family, error) {
	var f model.Family
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&f.ID, &f.Name, &f.JoinCode, &expiresAt, &f.DependentsCreateTasks,
		&f.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.JoinCodeExpiresAt = fromNullUnix(expiresAt)
	f.CreatedAt = fromUnix(createdAt)
	f.UpdatedAt = fromUnix(updatedAt)
	return &f, nil
}

const familyCols = `id, name, join_code, join_code_expires_at, dependents_create_tasks, created_by, created_at, updated_at`

func (s *FamilyStore) Create(ctx context.Context, f *model.Family) (*model.Family, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO families (name, join_code, join_code_expires_at, dependents_create_tasks, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Name, f.JoinCode, nullUnix(f.JoinCodeExpiresAt), boolInt(f.DependentsCreateTasks),
		f.CreatedBy, unix(f.CreatedAt), unix(f.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert family: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *FamilyStore) GetByID(ctx context.Context, id int64) (*model.Family, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+familyCols+` FROM families WHERE id = ?`, id)
	f, err := scanFamily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	return f, nil
}

func (s *FamilyStore) GetByJoinCode(ctx context.Context, code string) (*model.Family, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+familyCols+` FROM families WHERE join_code = ?`, code)
	f, err := scanFamily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get family by join code: %w", err)
	}
	return f, nil
}

// JoinCodeExists reports whether any family already uses code.
func (s *FamilyStore) JoinCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM families WHERE join_code = ?`, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check join code: %w", err)
	}
	return n > 0, nil
}

func (s *FamilyStore) UpdateJoinCode(ctx context.Context, id int64, code string, expiresAt *time.Time, now time.Time) (*model.Family, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE families SET join_code = ?, join_code_expires_at = ?, updated_at = ? WHERE id = ?`,
		code, nullUnix(expiresAt), unix(now), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update join code: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *FamilyStore) UpdatePolicy(ctx context.Context, id int64, dependentsCreateTasks bool, now time.Time) (*model.Family, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE families SET dependents_create_tasks = ?, updated_at = ? WHERE id = ?`,
		boolInt(dependentsCreateTasks), unix(now), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update family policy: %w", err)
	}
	return s.GetByID(ctx, id)
}
