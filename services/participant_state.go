// services/participant_state.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-entry-service/models"
)

var (
	ErrInvalidTransition   = errors.New("participant state does not allow this transition")
	ErrParticipantNotFound = errors.New("participant not found")
)

// AdmissionError is returned by Join when a newcomer is turned away inside the critical section.
type AdmissionError struct {
	Decision AdmissionDecision
}

func (e *AdmissionError) Error() string {
	return e.Decision.Message()
}

// JoinRequest is an accepted payment waiting to be turned into a seat.
type JoinRequest struct {
	Game    *models.Game
	UserID  string
	TxHash  string
	Sender  string
	Amount  decimal.Decimal
	Warning string
}

type JoinResult struct {
	Participant models.Participant
	// Fresh is true only for the call that performed the transition.
	Fresh       bool
	JoinedCount int64
	Capacity    *int
	Overshoot   bool
	// PriorStatus and PriorReason describe the row a returning participant had.
	PriorStatus string
	PriorReason string
}

// ParticipantStateMachine owns every write to participants and transaction_records.
//
//	none -> pending -> joined | failed
//	failed -> pending | joined
//	joined -> refunded
type ParticipantStateMachine struct {
	DB      *gorm.DB
	Ledger  *Ledger
	Auditor *ReconciliationAuditor
	Log     *zap.Logger

	locks *gameLocks
}

func NewParticipantStateMachine(db *gorm.DB, ledger *Ledger, auditor *ReconciliationAuditor, log *zap.Logger) *ParticipantStateMachine {
	return &ParticipantStateMachine{
		DB:      db,
		Ledger:  ledger,
		Auditor: auditor,
		Log:     log,
		locks:   newGameLocks(),
	}
}

// Get returns the participant row or (nil, nil).
func (m *ParticipantStateMachine) Get(ctx context.Context, gameID, userID string) (*models.Participant, error) {
	return findParticipant(m.DB.WithContext(ctx), gameID, userID)
}

// CountConfirmed counts seats held under models.IsConfirmedPaid.
func (m *ParticipantStateMachine) CountConfirmed(ctx context.Context, gameID string) (int64, error) {
	return countConfirmed(m.DB.WithContext(ctx), gameID)
}

// Join seats the user. The game row lock and the per-game mutex make the
// capacity re-check, the ledger bind and the participant write one decision.
func (m *ParticipantStateMachine) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	unlock := m.locks.lock(req.Game.ID)
	defer unlock()

	var out JoinResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var game models.Game
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&game, "id = ?", req.Game.ID).Error; err != nil {
			return fmt.Errorf("failed to lock game %s: %w", req.Game.ID, err)
		}

		existing, err := findParticipant(tx, game.ID, req.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			out.PriorStatus, out.PriorReason = existing.Status, existing.FailureReason
			switch {
			case models.IsConfirmedPaid(existing):
				// Seated by a concurrent request; the bound hash stays as it is.
				out.Participant = *existing
				out.JoinedCount, err = countConfirmed(tx, game.ID)
				return err
			case existing.Status == models.ParticipantStatusRefunded,
				existing.Status == models.ParticipantStatusCanceled:
				return ErrInvalidTransition
			}
		}

		count, err := countConfirmed(tx, game.ID)
		if err != nil {
			return err
		}
		decision := CheckAdmission(&game, count, existing != nil, time.Now())
		out.Capacity = decision.Capacity
		if !decision.Open {
			return &AdmissionError{Decision: decision}
		}

		rec := models.TransactionRecord{
			TxHash:         req.TxHash,
			GameID:         game.ID,
			UserID:         req.UserID,
			VerifiedAmount: req.Amount,
			SenderAddress:  req.Sender,
			Warning:        req.Warning,
		}
		if err := m.Ledger.bind(tx, &rec); err != nil {
			return err
		}

		now := time.Now().UTC()
		hash := req.TxHash
		if existing == nil {
			p := models.Participant{
				GameID:         game.ID,
				UserID:         req.UserID,
				Status:         models.ParticipantStatusJoined,
				BoundTxHash:    &hash,
				SenderAddress:  req.Sender,
				VerifiedAmount: req.Amount,
				Warning:        req.Warning,
				PaidAt:         &now,
			}
			if err := tx.Create(&p).Error; err != nil {
				return fmt.Errorf("failed to create participant: %w", err)
			}
		} else {
			if err := tx.Model(&models.Participant{}).
				Where("game_id = ? AND user_id = ?", game.ID, req.UserID).
				Updates(map[string]interface{}{
					"status":          models.ParticipantStatusJoined,
					"bound_tx_hash":   hash,
					"sender_address":  req.Sender,
					"verified_amount": req.Amount,
					"warning":         req.Warning,
					"failure_reason":  "",
					"paid_at":         now,
				}).Error; err != nil {
				return fmt.Errorf("failed to update participant: %w", err)
			}
		}

		if err := tx.First(&out.Participant, "game_id = ? AND user_id = ?", game.ID, req.UserID).Error; err != nil {
			return fmt.Errorf("failed to reload participant: %w", err)
		}
		out.Fresh = true

		out.JoinedCount, err = countConfirmed(tx, game.ID)
		if err != nil {
			return err
		}
		out.Overshoot = out.Capacity != nil && out.JoinedCount > int64(*out.Capacity)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Overshoot {
		m.Log.Error("[JOIN] ⚠️ capacity exceeded by a returning participant",
			zap.String("game_id", req.Game.ID),
			zap.String("user_id", req.UserID),
			zap.Int64("joined", out.JoinedCount),
			zap.Int("capacity", *out.Capacity),
			zap.String("prior_status", out.PriorStatus),
			zap.String("prior_reason", out.PriorReason),
		)
		m.Auditor.Record(ctx, ReconciliationReport{
			Kind:        AuditKindCapacityOvershoot,
			GameID:      req.Game.ID,
			GameName:    req.Game.Name,
			UserID:      req.UserID,
			TxHash:      req.TxHash,
			JoinedCount: out.JoinedCount,
			Capacity:    *out.Capacity,
			Detail:      overshootDetail(out.PriorStatus, out.PriorReason),
		})
	}
	return &out, nil
}

// overshootDetail keeps the earlier failure visible, since a failed attempt
// can be provoked on purpose to hold a seat past capacity.
func overshootDetail(priorStatus, priorReason string) string {
	if priorReason == "" {
		return fmt.Sprintf("returning participant (was %s) seated after the game filled", priorStatus)
	}
	return fmt.Sprintf("returning participant (was %s: %s) seated after the game filled", priorStatus, priorReason)
}

// MarkPending records an attempt whose verification could not finish.
func (m *ParticipantStateMachine) MarkPending(ctx context.Context, game *models.Game, userID, reason string) error {
	return m.markUnresolved(ctx, game, userID, models.ParticipantStatusPending, reason)
}

// MarkFailed records an attempt whose payment was rejected.
func (m *ParticipantStateMachine) MarkFailed(ctx context.Context, game *models.Game, userID, reason string) error {
	return m.markUnresolved(ctx, game, userID, models.ParticipantStatusFailed, reason)
}

// markUnresolved never downgrades a joined or refunded row, and only creates a
// row for a newcomer while the game would still admit them.
func (m *ParticipantStateMachine) markUnresolved(ctx context.Context, game *models.Game, userID, status, reason string) error {
	unlock := m.locks.lock(game.ID)
	defer unlock()

	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findParticipant(tx, game.ID, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			count, err := countConfirmed(tx, game.ID)
			if err != nil {
				return err
			}
			if !CheckAdmission(game, count, false, time.Now()).Open {
				return nil
			}
			return tx.Create(&models.Participant{
				GameID:        game.ID,
				UserID:        userID,
				Status:        status,
				FailureReason: reason,
			}).Error
		}

		switch existing.Status {
		case models.ParticipantStatusNone, models.ParticipantStatusPending, models.ParticipantStatusFailed:
			return tx.Model(&models.Participant{}).
				Where("game_id = ? AND user_id = ?", game.ID, userID).
				Updates(map[string]interface{}{
					"status":         status,
					"failure_reason": reason,
				}).Error
		}
		return nil
	})
}

// Refund moves a joined participant to refunded. The bound hash is kept so
// the transaction can never be reused.
func (m *ParticipantStateMachine) Refund(ctx context.Context, gameID, userID string) (*models.Participant, error) {
	unlock := m.locks.lock(gameID)
	defer unlock()

	var out models.Participant
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findParticipant(tx.Clauses(clause.Locking{Strength: "UPDATE"}), gameID, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrParticipantNotFound
		}
		if !models.IsConfirmedPaid(existing) {
			return ErrInvalidTransition
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.Participant{}).
			Where("game_id = ? AND user_id = ?", gameID, userID).
			Updates(map[string]interface{}{
				"status":      models.ParticipantStatusRefunded,
				"refunded_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to refund participant: %w", err)
		}
		return tx.First(&out, "game_id = ? AND user_id = ?", gameID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	m.Log.Info("[REFUND] participant refunded",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
	)
	return &out, nil
}

func findParticipant(db *gorm.DB, gameID, userID string) (*models.Participant, error) {
	var p models.Participant
	err := db.Where("game_id = ? AND user_id = ?", gameID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant %s/%s: %w", gameID, userID, err)
	}
	return &p, nil
}

func countConfirmed(db *gorm.DB, gameID string) (int64, error) {
	var n int64
	err := db.Model(&models.Participant{}).
		Where("game_id = ?", gameID).
		Where(models.ConfirmedPaidSQL).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count participants of %s: %w", gameID, err)
	}
	return n, nil
}

// gameLocks serializes state transitions per game inside this process. The
// row lock on games covers other replicas.
type gameLocks struct {
	mu    sync.Mutex
	locks map[string]*gameLock
}

type gameLock struct {
	sync.Mutex
	refs int
}

func newGameLocks() *gameLocks {
	return &gameLocks{locks: map[string]*gameLock{}}
}

func (g *gameLocks) lock(gameID string) func() {
	g.mu.Lock()
	l, ok := g.locks[gameID]
	if !ok {
		l = &gameLock{}
		g.locks[gameID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, gameID)
		}
		g.mu.Unlock()
	}
}
