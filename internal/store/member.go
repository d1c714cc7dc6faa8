package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/model"
)

type MemberStore struct {
	db DBTX
}

func NewMemberStore(db DBTX) *MemberStore {
	return &MemberStore{db: db}
}

func scanMember(scanner interface{ Scan(...any) error }) (*model.Member, error) {
	var m model.Member
	var familyID sql.NullInt64
	var phone sql.NullString
	var createdAt, updatedAt int64
	err := scanner.Scan(&m.ID, &m.Name, &phone, &m.Role, &familyID, &m.Balance, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Phone = phone.String
	m.FamilyID = fromNullInt64(familyID)
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	return &m, nil
}

const memberCols = `id, name, phone, role, family_id, balance, created_at, updated_at`

// Create inserts a member with no phone number.
func (s *MemberStore) Create(ctx context.Context, name string, role model.Role, now time.Time) (*model.Member, error) {
	return s.CreateWithPhone(ctx, name, "", role, now)
}

// CreateWithPhone inserts a member identified by phone. An empty phone is
// stored as NULL; a phone already in use fails on the unique index.
func (s *MemberStore) CreateWithPhone(ctx context.Context, name, phone string, role model.Role, now time.Time) (*model.Member, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO members (name, phone, role, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		name, nullString(phone), role, decimal.Zero, unix(now), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByPhone returns the member registered with phone, or nil.
func (s *MemberStore) GetByPhone(ctx context.Context, phone string) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE phone = ?`, phone)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member by phone: %w", err)
	}
	return m, nil
}

func (s *MemberStore) GetByID(ctx context.Context, id int64) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListByFamily returns the family's members, guardians first.
func (s *MemberStore) ListByFamily(ctx context.Context, familyID int64) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberCols+` FROM members WHERE family_id = ? ORDER BY role = 'dependent', name ASC, id ASC`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// CountGuardians returns how many guardians belong to the family.
func (s *MemberStore) CountGuardians(ctx context.Context, familyID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE family_id = ? AND role = 'guardian'`, familyID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count guardians: %w", err)
	}
	return n, nil
}

// SetFamily moves the member into familyID, or out of any family when nil.
func (s *MemberStore) SetFamily(ctx context.Context, id int64, familyID *int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET family_id = ?, updated_at = ? WHERE id = ?`,
		nullInt64(familyID), unix(now), id,
	)
	if err != nil {
		return fmt.Errorf("set member family: %w", err)
	}
	return nil
}

// Credit adds amount to the member's balance and returns the new balance.
// Balances are decimal text, so the sum is computed here rather than in SQL;
// callers run it inside a write transaction.
func (s *MemberStore) Credit(ctx context.Context, id int64, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM members WHERE id = ?`, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("credit member %d: %w", id, err)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}

	balance = balance.Add(amount)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE members SET balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), unix(now), id,
	); err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}
	return balance, nil
}
