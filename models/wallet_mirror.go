// models/wallet_mirror.go
package models

import (
	"time"
)

const (
	WalletKindCustody  = "custody"
	WalletKindVerified = "verified"
)

// WalletMirror mirrors the wallet/identity service's address table.
// Active rows for a user form the sender allowlist used during payment verification.
type WalletMirror struct {
	ID        string    `gorm:"primaryKey;type:varchar(36);not null" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Chain     string    `gorm:"type:varchar(64);not null;index" json:"chain"`
	Kind      string    `gorm:"type:varchar(16);not null" json:"kind"`                 // custody | verified
	Address   string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"address"` // lower-case hex
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}
