// Package store is the SQLite persistence layer. Every store runs against a
// DBTX so the same methods work on the pool or inside a transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Stores bundles every store over one DBTX.
type Stores struct {
	Members   *MemberStore
	Families  *FamilyStore
	Tasks     *TaskStore
	Schedules *ScheduleStore
	Ledger    *LedgerStore
	Messages  *MessageStore
}

func New(db DBTX) *Stores {
	return &Stores{
		Members:   NewMemberStore(db),
		Families:  NewFamilyStore(db),
		Tasks:     NewTaskStore(db),
		Schedules: NewScheduleStore(db),
		Ledger:    NewLedgerStore(db),
		Messages:  NewMessageStore(db),
	}
}

// RunInTx runs fn with stores bound to a new transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *Stores) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func unix(t time.Time) int64 {
	return t.UTC().Unix()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unix(*t), Valid: true}
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
