// services/reconciler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"game-entry-service/chain"
	"game-entry-service/models"
)

var ErrReconcileTimeout = errors.New("on-chain state lookup timed out")

// Reconciliation is the contract's current view of the caller's entry.
type Reconciliation struct {
	IsJoinedOnChain bool
	Address         string // the allowlisted address the contract reports as paid
}

type Reconciler interface {
	ReconcileAmbiguous(ctx context.Context, game *models.Game, allowedSenders []string) (Reconciliation, error)
}

// OnchainReconciler asks the entry contract's playerStatus view about every
// address linked to the caller.
type OnchainReconciler struct {
	Chain   *chain.Client
	Timeout time.Duration
}

func NewOnchainReconciler(c *chain.Client, timeout time.Duration) *OnchainReconciler {
	return &OnchainReconciler{Chain: c, Timeout: timeout}
}

func (r *OnchainReconciler) ReconcileAmbiguous(ctx context.Context, game *models.Game, allowedSenders []string) (Reconciliation, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	contract, err := chain.NormalizeAddress(game.ContractAddress)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("game contract %q: %w", game.ContractAddress, err)
	}
	gameID, err := chain.ParseGameID(game.OnchainGameID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("game onchain id %q: %w", game.OnchainGameID, err)
	}

	// A paid address wins even if another lookup failed; otherwise any failure fails the whole check.
	var firstErr error
	for _, addr := range allowedSenders {
		paid, refunded, err := r.Chain.PlayerStatus(ctx, common.HexToAddress(contract), gameID, common.HexToAddress(addr))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrReconcileTimeout
			}
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if paid && !refunded {
			return Reconciliation{IsJoinedOnChain: true, Address: addr}, nil
		}
	}
	if firstErr != nil {
		return Reconciliation{}, firstErr
	}
	return Reconciliation{}, nil
}
