// services/game_status.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"game-entry-service/models"
)

var ErrGameNotFound = errors.New("game not found")

// GameStatus is the admission picture a newcomer would face right now.
type GameStatus struct {
	GameID   string     `json:"game_id"`
	Name     string     `json:"name"`
	Joined   int64      `json:"joined"`
	Capacity *int       `json:"capacity,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
	Open     bool       `json:"open"`
	Reason   string     `json:"reason,omitempty"`
}

func (s *ConfirmService) GameStatus(ctx context.Context, gameID string) (*GameStatus, error) {
	var game models.Game
	if err := s.DB.WithContext(ctx).First(&game, "id = ?", gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to load game %s: %w", gameID, err)
	}

	count, err := s.States.CountConfirmed(ctx, gameID)
	if err != nil {
		return nil, err
	}
	d := CheckAdmission(&game, count, false, time.Now())
	return &GameStatus{
		GameID:   game.ID,
		Name:     game.Name,
		Joined:   count,
		Capacity: d.Capacity,
		ClosesAt: d.ClosesAt,
		Open:     d.Open,
		Reason:   d.Reason,
	}, nil
}

// Participant returns the caller's row in the game, or ErrParticipantNotFound.
func (s *ConfirmService) Participant(ctx context.Context, gameID, userID string) (*models.Participant, error) {
	p, err := s.States.Get(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

// Refund releases a joined participant's seat. The tx hash stays bound.
func (s *ConfirmService) Refund(ctx context.Context, gameID, userID string) (*models.Participant, error) {
	return s.States.Refund(ctx, gameID, userID)
}
