package models

import "time"

// Account is a dashboard user linked to a platform account. AccessToken and
// AccessSecret are the OAuth 1.0a user credentials for write calls on the
// owner's behalf; AccessSecret is empty for OAuth 2.0 user tokens.
type Account struct {
	ID             string `gorm:"primaryKey;size:64"`
	Username       string `gorm:"size:64"`
	PlatformUserID string `gorm:"size:64;index"`
	AccessToken    string `gorm:"type:text"`
	AccessSecret   string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
