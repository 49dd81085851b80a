// models/game.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	GameTypeTower = "tower"
	GameTypePicks = "picks"
	GameTypeProps = "props"
)

// On-chain deployment state of a game's entry contract binding.
const (
	OnchainStatusPending = "pending"
	OnchainStatusActive  = "active"
	OnchainStatusFailed  = "failed"
)

// defaultCapacityByType applies when Game.Capacity is unset. Types missing here are unlimited.
var defaultCapacityByType = map[string]int{
	GameTypeTower: 50,
	GameTypePicks: 100,
}

// DefaultCapacityForType returns the type-level seat limit, if there is one.
func DefaultCapacityForType(gameType string) (int, bool) {
	c, ok := defaultCapacityByType[gameType]
	return c, ok
}

type Game struct {
	ID       string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name     string `json:"name" gorm:"not null"`
	GameType string `json:"game_type" gorm:"type:varchar(32);index"`

	// 🎟️ Admission
	Capacity                *int       `json:"capacity,omitempty"` // nil = type default or unlimited
	AlwaysOpen              bool       `json:"always_open" gorm:"default:false"`
	RegistrationStart       *time.Time `json:"registration_start,omitempty"`
	RegistrationCloseOffset *int       `json:"registration_close_offset_mins,omitempty"` // minutes after RegistrationStart
	RegistrationCloseAt     *time.Time `json:"registration_close_at,omitempty"`          // explicit close wins over start+offset

	// ⛓️ Ledger binding
	ContractAddress string `json:"contract_address" gorm:"type:varchar(42)"`
	OnchainGameID   string `json:"onchain_game_id" gorm:"type:varchar(78)"` // uint256 in decimal
	OnchainStatus   string `json:"onchain_status" gorm:"type:varchar(16);default:'pending'"`

	// 💰 Entry fee
	EntryFee      decimal.Decimal `json:"entry_fee" gorm:"type:numeric(38,18)"`
	Currency      string          `json:"currency" gorm:"type:varchar(16)"`
	TokenDecimals int32           `json:"token_decimals" gorm:"default:18"`

	// Sealed with nacl/secretbox, handed back to joined participants (e.g. lobby password).
	EncryptedCredential string `json:"-" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// EffectiveCapacity resolves the seat limit. ok=false means unlimited.
func (g *Game) EffectiveCapacity() (int, bool) {
	if g.Capacity != nil {
		return *g.Capacity, true
	}
	return DefaultCapacityForType(g.GameType)
}

// RegistrationClosesAt returns the instant new entries stop being accepted.
// ok=false means the window is unbounded.
func (g *Game) RegistrationClosesAt() (time.Time, bool) {
	if g.AlwaysOpen {
		return time.Time{}, false
	}
	if g.RegistrationCloseAt != nil {
		return *g.RegistrationCloseAt, true
	}
	if g.RegistrationStart != nil && g.RegistrationCloseOffset != nil {
		return g.RegistrationStart.Add(time.Duration(*g.RegistrationCloseOffset) * time.Minute), true
	}
	return time.Time{}, false
}
