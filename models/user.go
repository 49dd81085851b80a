package models

import (
	"time"
)

// PlayerMirror is a local snapshot of the profile service's user row.
// Only the fields admission needs are kept; populated by the player sync worker.
type PlayerMirror struct {
	ExternalUserID string    `gorm:"primaryKey;type:varchar(64)" json:"external_user_id"`
	Username       string    `gorm:"index" json:"username"`
	AccountStatus  string    `gorm:"type:varchar(32)" json:"account_status"`
	IsBanned       bool      `gorm:"default:false" json:"is_banned"` // blocked from entering paid games
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Blocked reports whether the player may not confirm entries.
func (p *PlayerMirror) Blocked() bool {
	return p.IsBanned || p.AccountStatus == "suspended" || p.AccountStatus == "deactivated"
}
