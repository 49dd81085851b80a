// services/notifier.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-entry-service/models"
)

// NotificationMessage is one recipient's copy of a broadcast.
type NotificationMessage struct {
	EventType       string          `json:"event_type"`
	GameID          string          `json:"game_id"`
	RecipientUserID string          `json:"recipient_user_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NotificationDispatcher delivers messages in bulk. The returned map holds
// per-recipient failures; a non-nil error means nothing was delivered.
type NotificationDispatcher interface {
	DispatchBulk(ctx context.Context, msgs []NotificationMessage) (map[string]error, error)
}

type GameFilledPayload struct {
	GameID   string    `json:"game_id"`
	GameName string    `json:"game_name"`
	Capacity int       `json:"capacity"`
	FilledAt time.Time `json:"filled_at"`
}

// NotificationTrigger fires the game_filled broadcast once per recipient.
// Every delivery is preceded by a claim on the recipient's event row, so
// triggers in separate processes never deliver the same row twice.
type NotificationTrigger struct {
	DB         *gorm.DB
	Dispatcher NotificationDispatcher
	Log        *zap.Logger
}

func NewNotificationTrigger(db *gorm.DB, dispatcher NotificationDispatcher, log *zap.Logger) *NotificationTrigger {
	return &NotificationTrigger{DB: db, Dispatcher: dispatcher, Log: log}
}

// AfterJoin runs after a fresh join has committed. Errors are logged, never returned:
// a failed broadcast must not look like a failed payment.
func (n *NotificationTrigger) AfterJoin(ctx context.Context, game *models.Game) {
	if err := n.evaluate(ctx, game); err != nil {
		n.Log.Error("[NOTIFY] ❌ game filled evaluation failed",
			zap.String("game_id", game.ID), zap.Error(err))
	}
}

func (n *NotificationTrigger) evaluate(ctx context.Context, game *models.Game) error {
	capacity, bounded := game.EffectiveCapacity()
	if !bounded {
		return nil
	}

	msgs, err := n.claimFill(ctx, game, capacity)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	n.Log.Info("[NOTIFY] 📣 game filled, dispatching",
		zap.String("game_id", game.ID), zap.Int("recipients", len(msgs)))
	return n.deliver(ctx, msgs)
}

// claimFill recounts under the game row lock and, if the game sits exactly at
// capacity, inserts a dispatching row for every recipient without one. Only
// the rows this call inserted are returned.
func (n *NotificationTrigger) claimFill(ctx context.Context, game *models.Game, capacity int) ([]NotificationMessage, error) {
	var msgs []NotificationMessage
	err := n.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Game
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			First(&locked, "id = ?", game.ID).Error; err != nil {
			return fmt.Errorf("failed to lock game %s: %w", game.ID, err)
		}

		count, err := countConfirmed(tx, game.ID)
		if err != nil {
			return err
		}
		if count != int64(capacity) {
			return nil
		}

		var recipients []string
		err = tx.Model(&models.Participant{}).
			Where("game_id = ?", game.ID).
			Where(models.ConfirmedPaidSQL).
			Where("user_id NOT IN (?)", tx.Model(&models.NotificationEvent{}).
				Select("recipient_user_id").
				Where("event_type = ? AND game_id = ?", models.NotificationTypeGameFilled, game.ID)).
			Order("user_id").
			Pluck("user_id", &recipients).Error
		if err != nil {
			return fmt.Errorf("failed to load recipients: %w", err)
		}
		if len(recipients) == 0 {
			return nil
		}

		payload, err := json.Marshal(GameFilledPayload{
			GameID:   game.ID,
			GameName: game.Name,
			Capacity: capacity,
			FilledAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}

		for _, userID := range recipients {
			ev := models.NotificationEvent{
				ID:              uuid.NewString(),
				EventType:       models.NotificationTypeGameFilled,
				GameID:          game.ID,
				RecipientUserID: userID,
				Status:          models.NotificationStatusDispatching,
				Attempts:        1,
				Payload:         datatypes.JSON(payload),
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
			if res.Error != nil {
				return fmt.Errorf("failed to claim notification for %s: %w", userID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			msgs = append(msgs, NotificationMessage{
				EventType:       ev.EventType,
				GameID:          ev.GameID,
				RecipientUserID: userID,
				Payload:         payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// RetryFailed redelivers failed events for up to limit games. Returns how many were sent.
func (n *NotificationTrigger) RetryFailed(ctx context.Context, limit int) (int, error) {
	var gameIDs []string
	if err := n.DB.WithContext(ctx).Model(&models.NotificationEvent{}).
		Where("status = ?", models.NotificationStatusFailed).
		Distinct("game_id").
		Limit(limit).
		Pluck("game_id", &gameIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to load games with failed notifications: %w", err)
	}

	total := 0
	for _, gameID := range gameIDs {
		sent, err := n.retryGame(ctx, gameID)
		if err != nil {
			n.Log.Warn("[NOTIFY] retry failed", zap.String("game_id", gameID), zap.Error(err))
			continue
		}
		total += sent
	}
	return total, nil
}

// retryGame moves each failed row back to dispatching before sending it. A row
// claimed by another retry in the meantime is skipped.
func (n *NotificationTrigger) retryGame(ctx context.Context, gameID string) (int, error) {
	db := n.DB.WithContext(ctx)

	var failed []models.NotificationEvent
	if err := db.Where("game_id = ? AND status = ?", gameID, models.NotificationStatusFailed).
		Order("recipient_user_id").
		Find(&failed).Error; err != nil {
		return 0, fmt.Errorf("failed to load failed notifications: %w", err)
	}
	if len(failed) == 0 {
		return 0, nil
	}

	msgs := make([]NotificationMessage, 0, len(failed))
	ids := make([]string, 0, len(failed))
	for _, ev := range failed {
		res := db.Model(&models.NotificationEvent{}).
			Where("id = ? AND status = ?", ev.ID, models.NotificationStatusFailed).
			Updates(map[string]interface{}{
				"status":     models.NotificationStatusDispatching,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return 0, fmt.Errorf("failed to claim notification %s: %w", ev.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		msgs = append(msgs, NotificationMessage{
			EventType:       ev.EventType,
			GameID:          ev.GameID,
			RecipientUserID: ev.RecipientUserID,
			Payload:         json.RawMessage(ev.Payload),
		})
		ids = append(ids, ev.ID)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := n.deliver(ctx, msgs); err != nil {
		return 0, err
	}

	var sent int64
	if err := db.Model(&models.NotificationEvent{}).
		Where("id IN ? AND status = ?", ids, models.NotificationStatusSent).
		Count(&sent).Error; err != nil {
		return 0, err
	}
	return int(sent), nil
}

func (n *NotificationTrigger) deliver(ctx context.Context, msgs []NotificationMessage) error {
	failures, dispatchErr := n.Dispatcher.DispatchBulk(ctx, msgs)

	for _, msg := range msgs {
		var sendErr error
		switch {
		case dispatchErr != nil:
			sendErr = dispatchErr
		case failures != nil:
			sendErr = failures[msg.RecipientUserID]
		}
		if err := n.record(ctx, msg, sendErr); err != nil {
			// The row stays dispatching and is never picked up again.
			n.Log.Error("[NOTIFY] failed to record event, left as dispatching",
				zap.String("game_id", msg.GameID),
				zap.String("recipient", msg.RecipientUserID),
				zap.Bool("delivered", sendErr == nil),
				zap.Error(err))
		}
	}

	if dispatchErr != nil {
		return fmt.Errorf("notification dispatch failed: %w", dispatchErr)
	}
	if len(failures) > 0 {
		n.Log.Warn("[NOTIFY] some recipients failed, will retry",
			zap.Int("failed", len(failures)), zap.Int("total", len(msgs)))
	}
	return nil
}

// record settles a claimed row as sent or failed. Rows that are not
// dispatching are left alone, so a sent row is terminal.
func (n *NotificationTrigger) record(ctx context.Context, msg NotificationMessage, sendErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     models.NotificationStatusSent,
		"last_error": "",
		"sent_at":    &now,
		"updated_at": now,
	}
	if sendErr != nil {
		updates["status"] = models.NotificationStatusFailed
		updates["last_error"] = sendErr.Error()
		updates["sent_at"] = nil
	}

	return n.DB.WithContext(ctx).Model(&models.NotificationEvent{}).
		Where("event_type = ? AND game_id = ? AND recipient_user_id = ? AND status = ?",
			msg.EventType, msg.GameID, msg.RecipientUserID, models.NotificationStatusDispatching).
		Updates(updates).Error
}
