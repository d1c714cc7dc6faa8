package model

import "time"

type Family struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	JoinCode              string     `json:"join_code"`
	JoinCodeExpiresAt     *time.Time `json:"join_code_expires_at"`
	DependentsCreateTasks bool       `json:"dependents_create_tasks"`
	CreatedBy             int64      `json:"created_by"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// JoinCodeExpired reports whether the join code can no longer be used at now.
func (f Family) JoinCodeExpired(now time.Time) bool {
	return f.JoinCodeExpiresAt != nil && f.JoinCodeExpiresAt.Before(now)
}
