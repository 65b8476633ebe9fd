package models

import "time"

// Conversation groups the messages of one project chat thread for a user.
type Conversation struct {
	ID        string    `json:"id"`
	ProjectID int64     `json:"project_id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
