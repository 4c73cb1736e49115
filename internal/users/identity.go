package users

import (
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Identity is a known participant. Tokens are only honoured for identities
// present in this directory.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	Email       string    `gorm:"column:email;size:320;not null;default:''"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Name returns the display name, falling back to the user id.
func (i Identity) Name() string {
	if name := normalize(i.DisplayName); name != "" {
		return name
	}
	return i.UserID
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
