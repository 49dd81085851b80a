// services/ledger.go
package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-entry-service/models"
)

var ErrReplayConflict = errors.New("transaction hash is already bound to another game or user")

// Binding is what a previously accepted transaction hash resolved to.
type Binding struct {
	Record      models.TransactionRecord
	Participant *models.Participant // nil if the participant row has since disappeared
}

// Ledger is the read side of the tx hash -> (game, user) index. Writes happen
// only inside ParticipantStateMachine.Join through bind.
type Ledger struct {
	DB *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db}
}

// Resolve looks up a normalized tx hash. A miss returns (nil, nil).
func (l *Ledger) Resolve(ctx context.Context, txHash string) (*Binding, error) {
	var rec models.TransactionRecord
	err := l.DB.WithContext(ctx).First(&rec, "tx_hash = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tx %s: %w", txHash, err)
	}

	b := &Binding{Record: rec}
	var p models.Participant
	err = l.DB.WithContext(ctx).
		Where("game_id = ? AND user_id = ?", rec.GameID, rec.UserID).
		First(&p).Error
	switch {
	case err == nil:
		b.Participant = &p
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to load participant for tx %s: %w", txHash, err)
	}
	return b, nil
}

// bind inserts rec inside tx. The primary key on tx_hash arbitrates concurrent
// binds: the loser re-reads the winner and gets ErrReplayConflict unless both
// name the same (game, user).
func (l *Ledger) bind(tx *gorm.DB, rec *models.TransactionRecord) error {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return fmt.Errorf("failed to bind tx %s: %w", rec.TxHash, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var existing models.TransactionRecord
	if err := tx.First(&existing, "tx_hash = ?", rec.TxHash).Error; err != nil {
		return fmt.Errorf("failed to re-read binding for tx %s: %w", rec.TxHash, err)
	}
	if !existing.BoundTo(rec.GameID, rec.UserID) {
		return ErrReplayConflict
	}
	*rec = existing
	return nil
}
