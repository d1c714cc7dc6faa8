package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/famledger/internal/model"
)

// LedgerStore appends and reads ledger entries. Entries cannot be updated or
// deleted; the schema rejects both.
type LedgerStore struct {
	db DBTX
}

func NewLedgerStore(db DBTX) *LedgerStore {
	return &LedgerStore{db: db}
}

func scanEntry(scanner interface{ Scan(...any) error }) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var payerID, taskID, scheduleID sql.NullInt64
	var createdAt int64
	err := scanner.Scan(
		&e.ID, &e.FamilyID, &payerID, &e.PayeeID, &e.Amount, &e.Type,
		&e.Description, &taskID, &scheduleID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.PayerID = fromNullInt64(payerID)
	e.TaskID = fromNullInt64(taskID)
	e.ScheduleID = fromNullInt64(scheduleID)
	e.CreatedAt = fromUnix(createdAt)
	return &e, nil
}

const entryCols = `id, family_id, payer_id, payee_id, amount, type, description, task_id, schedule_id, created_at`

func (s *LedgerStore) Insert(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (family_id, payer_id, payee_id, amount, type, description, task_id, schedule_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.FamilyID, nullInt64(e.PayerID), e.PayeeID, e.Amount.String(), e.Type,
		e.Description, nullInt64(e.TaskID), nullInt64(e.ScheduleID), unix(e.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *LedgerStore) GetByID(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// ListByFamily returns the family's most recent entries first.
func (s *LedgerStore) ListByFamily(ctx context.Context, familyID int64, limit int) ([]model.LedgerEntry, error) {
	return s.list(ctx,
		`SELECT `+entryCols+` FROM ledger_entries WHERE family_id = ? ORDER BY id DESC LIMIT ?`,
		familyID, limit)
}

// ListByMember returns the most recent entries in which the member paid or
// was paid.
func (s *LedgerStore) ListByMember(ctx context.Context, familyID, memberID int64, limit int) ([]model.LedgerEntry, error) {
	return s.list(ctx,
		`SELECT `+entryCols+` FROM ledger_entries
		 WHERE family_id = ? AND (payee_id = ? OR payer_id = ?)
		 ORDER BY id DESC LIMIT ?`,
		familyID, memberID, memberID, limit)
}

// ListBySchedule returns every entry paid by a schedule, oldest first.
func (s *LedgerStore) ListBySchedule(ctx context.Context, scheduleID int64) ([]model.LedgerEntry, error) {
	return s.list(ctx,
		`SELECT `+entryCols+` FROM ledger_entries WHERE schedule_id = ? ORDER BY id ASC`, scheduleID)
}

func (s *LedgerStore) list(ctx context.Context, query string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// SumCredits totals every amount credited to the member.
func (s *LedgerStore) SumCredits(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM ledger_entries WHERE payee_id = ?`, memberID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum credits: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}
