package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID                string    `gorm:"primaryKey"`
	Username          string    `gorm:"uniqueIndex;not null"`
	Email             string    `gorm:"uniqueIndex;not null"`
	PasswordHash      string    `gorm:"not null"`
	VerifyCode        string    `gorm:"not null"`
	VerifyCodeExpiry  time.Time `gorm:"not null"`
	Verified          bool      `gorm:"not null;default:false"`
	AcceptingMessages bool      `gorm:"not null;default:true"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time
}

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_messages_user_created,priority:1"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_messages_user_created,priority:2"`
}
