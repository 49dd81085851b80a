package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord binds an on-chain tx hash to the single (game, user) it paid for.
// The primary key makes the hash globally unique across games and users.
type TransactionRecord struct {
	TxHash         string          `json:"tx_hash" gorm:"primaryKey;type:varchar(66)"`
	GameID         string          `json:"game_id" gorm:"type:varchar(64);not null;index"`
	UserID         string          `json:"user_id" gorm:"type:varchar(64);not null;index"`
	VerifiedAmount decimal.Decimal `json:"verified_amount" gorm:"type:numeric(38,18)"`
	SenderAddress  string          `json:"sender_address" gorm:"type:varchar(42)"`
	Warning        string          `json:"warning,omitempty" gorm:"type:varchar(32)"`
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
}

// BoundTo reports whether the record belongs to the given game and user.
func (r *TransactionRecord) BoundTo(gameID, userID string) bool {
	return r.GameID == gameID && r.UserID == userID
}
