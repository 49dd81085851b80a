package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	NotificationTypeGameFilled = "game_filled"

	// A dispatching row is claimed by exactly one sender.
	NotificationStatusDispatching = "dispatching"
	NotificationStatusSent        = "sent"
	NotificationStatusFailed      = "failed"
)

// NotificationEvent is unique per (event type, game, recipient). A sent row is terminal.
type NotificationEvent struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EventType       string         `json:"event_type" gorm:"type:varchar(32);not null;uniqueIndex:ux_notification_key,priority:1"`
	GameID          string         `json:"game_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_notification_key,priority:2"`
	RecipientUserID string         `json:"recipient_user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_notification_key,priority:3"`
	Status          string         `json:"status" gorm:"type:varchar(16);not null;index"`
	Attempts        int            `json:"attempts" gorm:"default:0"`
	LastError       string         `json:"last_error,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}
