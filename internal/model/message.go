package model

import "time"

// MaxMessageLength bounds message content in characters.
const MaxMessageLength = 2000

// Message is a post in a family's message feed. IsRead and ReadCount are
// computed for the member viewing it; senders always see their own posts as
// read.
type Message struct {
	ID         int64     `json:"id"`
	FamilyID   int64     `json:"family_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole Role      `json:"sender_role"`
	Content    string    `json:"content"`
	Deleted    bool      `json:"-"`
	IsRead     bool      `json:"is_read"`
	ReadCount  int       `json:"read_count"`
	CreatedAt  time.Time `json:"created_at"`
}
