// services/verifier.go
package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"game-entry-service/chain"
)

var (
	ErrTxReverted    = errors.New("transaction reverted")
	ErrWrongContract = errors.New("transaction does not target the game's entry contract")
	ErrWrongGame     = errors.New("transaction paid for a different game")
	ErrGameUndecoded = errors.New("could not decode a game id from the transaction")
	ErrVerifyTimeout = errors.New("on-chain verification timed out")
)

// VerifyRequest carries everything needed to judge one entry transaction.
type VerifyRequest struct {
	TxHash         string
	Contract       string
	ExpectedGameID string
	AllowedSenders []string
	ExpectedAmount decimal.Decimal
	TokenDecimals  int32
}

// Verification is the verifier's verdict. It never mutates state.
type Verification struct {
	Valid          bool
	AmountMismatch bool
	// BindingMismatch is set when the transaction provably targets another
	// contract or another game. Nothing can override it.
	BindingMismatch    bool
	TimedOut           bool
	VerifiedGameID     string
	VerifiedAmount     decimal.Decimal
	VerifiedSender     string
	AddressInAllowlist bool
	Err                error
}

type PaymentVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) Verification
}

type OnchainVerifier struct {
	Chain     *chain.Client
	Timeout   time.Duration
	Tolerance decimal.Decimal
}

func NewOnchainVerifier(c *chain.Client, timeout time.Duration, tolerance decimal.Decimal) *OnchainVerifier {
	return &OnchainVerifier{Chain: c, Timeout: timeout, Tolerance: tolerance}
}

func (v *OnchainVerifier) Verify(ctx context.Context, req VerifyRequest) Verification {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	contract, err := chain.NormalizeAddress(req.Contract)
	if err != nil {
		return Verification{Err: fmt.Errorf("game contract %q: %w", req.Contract, err)}
	}
	expectedID, err := chain.ParseGameID(req.ExpectedGameID)
	if err != nil {
		return Verification{Err: fmt.Errorf("game onchain id %q: %w", req.ExpectedGameID, err)}
	}

	// (a) exists, mined, succeeded
	p, err := v.Chain.FetchPayment(ctx, common.HexToHash(req.TxHash), common.HexToAddress(contract))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Verification{TimedOut: true, Err: ErrVerifyTimeout}
		}
		return Verification{Err: err}
	}

	out := Verification{
		VerifiedSender: chain.AddressHex(p.From),
		VerifiedAmount: decimal.NewFromBigInt(p.Amount, -req.TokenDecimals),
	}
	out.AddressInAllowlist = slices.Contains(req.AllowedSenders, out.VerifiedSender)
	if p.GameID != nil {
		out.VerifiedGameID = p.GameID.String()
	}

	if !p.Succeeded {
		out.Err = ErrTxReverted
		return out
	}

	// (b) targets the entry contract
	if p.To == nil || chain.AddressHex(*p.To) != contract {
		out.BindingMismatch = true
		out.Err = ErrWrongContract
		return out
	}

	// (c) decodes to this game, not just some game
	if p.GameID == nil {
		out.Err = ErrGameUndecoded
		return out
	}
	if p.GameID.Cmp(expectedID) != 0 {
		out.BindingMismatch = true
		out.Err = ErrWrongGame
		return out
	}

	// (d) sender linked to the caller
	if !out.AddressInAllowlist {
		return out
	}

	// (e) amount within tolerance; a mismatch is reported, not rejected
	out.Valid = true
	if out.VerifiedAmount.Sub(req.ExpectedAmount).Abs().GreaterThan(v.Tolerance) {
		out.AmountMismatch = true
	}
	return out
}
