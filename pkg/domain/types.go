package domain

import "time"

// User is a registered identity with credentials, verification state, and an
// owned collection of anonymous messages.
type User struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	VerifyCode        string    `json:"-"`
	VerifyCodeExpiry  time.Time `json:"-"`
	Verified          bool      `json:"verified"`
	AcceptingMessages bool      `json:"acceptingMessages"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Message is an anonymous, append-only text entry owned by one user.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
