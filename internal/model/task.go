package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskAvailable       TaskStatus = "available"
	TaskInProgress      TaskStatus = "in_progress"
	TaskPendingApproval TaskStatus = "pending_approval"
	TaskCompleted       TaskStatus = "completed"
)

type Task struct {
	ID             int64           `json:"id"`
	FamilyID       int64           `json:"family_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Reward         decimal.Decimal `json:"reward"`
	DueAt          *time.Time      `json:"due_at"`
	CreatedBy      int64           `json:"created_by"`
	AssigneeID     *int64          `json:"assignee_id"`
	Status         TaskStatus      `json:"status"`
	CompletionNote string          `json:"completion_note,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at"`
	SubmittedAt    *time.Time      `json:"submitted_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
