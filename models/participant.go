package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Participant status values. "paid" is a legacy spelling of joined still present in old rows.
const (
	ParticipantStatusNone     = "none"
	ParticipantStatusPending  = "pending"
	ParticipantStatusJoined   = "joined"
	ParticipantStatusPaid     = "paid"
	ParticipantStatusFailed   = "failed"
	ParticipantStatusRefunded = "refunded"
	ParticipantStatusCanceled = "cancelled"
)

// Warning flags attached to a join accepted through the state reconciler.
const (
	WarningAmountMismatch = "amount_mismatch"
	WarningReconciled     = "reconciled_onchain"
)

// Participant is a user's seat record in one game.
type Participant struct {
	GameID string `json:"game_id" gorm:"primaryKey;type:varchar(64)"`
	UserID string `json:"user_id" gorm:"primaryKey;type:varchar(64);index"`
	Status string `json:"status" gorm:"type:varchar(16);not null;index"`

	// Set once on join, only a refund transition touches the row afterwards.
	BoundTxHash    *string         `json:"bound_tx_hash,omitempty" gorm:"type:varchar(66);uniqueIndex"`
	SenderAddress  string          `json:"sender_address,omitempty" gorm:"type:varchar(42)"`
	VerifiedAmount decimal.Decimal `json:"verified_amount" gorm:"type:numeric(38,18)"`
	Warning        string          `json:"warning,omitempty" gorm:"type:varchar(32)"`
	FailureReason  string          `json:"failure_reason,omitempty" gorm:"type:text"`

	PaidAt     *time.Time `json:"paid_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsConfirmedPaid is the single predicate for "holds a paid seat". Capacity and
// notification counts must go through it (or ConfirmedPaidScope) rather than
// comparing status strings inline.
func IsConfirmedPaid(p *Participant) bool {
	if p == nil {
		return false
	}
	switch p.Status {
	case ParticipantStatusRefunded, ParticipantStatusCanceled:
		return false
	case ParticipantStatusPaid:
		return true
	case ParticipantStatusJoined:
		return p.BoundTxHash != nil && *p.BoundTxHash != ""
	}
	return false
}

// ConfirmedPaidSQL is IsConfirmedPaid expressed as a WHERE clause.
const ConfirmedPaidSQL = "(status = 'paid' OR (status = 'joined' AND bound_tx_hash IS NOT NULL AND bound_tx_hash <> ''))"
