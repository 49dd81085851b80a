// services/verdict.go
package services

import (
	"errors"

	"game-entry-service/chain"
	"game-entry-service/models"
)

type VerdictOutcome int

const (
	VerdictAccept VerdictOutcome = iota
	// VerdictReconcile means the verification alone is not conclusive.
	VerdictReconcile
	VerdictForbidden
	VerdictReject
)

// Verdict is what the orchestrator acts on. Retryable rejections leave the
// participant pending instead of failed.
type Verdict struct {
	Outcome   VerdictOutcome
	Warning   string
	Reason    string
	Retryable bool
}

// InterpretVerification turns a Verification into a Verdict without consulting the chain again.
// A reverted transaction is never forbidden: it failed before the sender mattered.
func InterpretVerification(v Verification) Verdict {
	switch {
	case v.BindingMismatch:
		return Verdict{Outcome: VerdictReject, Reason: errReason(v, "transaction does not pay for this game")}
	case errors.Is(v.Err, ErrTxReverted):
		return Verdict{Outcome: VerdictReconcile}
	case v.VerifiedSender != "" && !v.AddressInAllowlist:
		return Verdict{Outcome: VerdictForbidden, Reason: "sender address is not linked to your account"}
	case v.Valid && !v.AmountMismatch:
		return Verdict{Outcome: VerdictAccept}
	}
	return Verdict{Outcome: VerdictReconcile}
}

// ResolveWithReconciliation settles a VerdictReconcile. Reconciler errors
// fail closed, including when the transfer itself was fine but the amount differed.
func ResolveWithReconciliation(v Verification, r Reconciliation, err error) Verdict {
	if err != nil {
		return Verdict{
			Outcome:   VerdictReject,
			Reason:    "could not confirm the payment on-chain right now, try again shortly",
			Retryable: true,
		}
	}
	if !r.IsJoinedOnChain {
		if v.AmountMismatch {
			return Verdict{Outcome: VerdictReject, Reason: "transferred amount does not match the entry fee"}
		}
		return Verdict{Outcome: VerdictReject, Reason: errReason(v, "payment could not be verified"), Retryable: v.TimedOut || errors.Is(v.Err, chain.ErrTxPending)}
	}
	if v.Valid && v.AmountMismatch {
		return Verdict{Outcome: VerdictAccept, Warning: models.WarningAmountMismatch}
	}
	return Verdict{Outcome: VerdictAccept, Warning: models.WarningReconciled}
}

// userFacingErrors may be shown verbatim; anything else (RPC failures) is replaced by a generic reason.
var userFacingErrors = []error{
	chain.ErrTxNotFound, chain.ErrTxPending,
	ErrTxReverted, ErrWrongContract, ErrWrongGame, ErrGameUndecoded, ErrVerifyTimeout,
}

func errReason(v Verification, fallback string) string {
	for _, known := range userFacingErrors {
		if errors.Is(v.Err, known) {
			return known.Error()
		}
	}
	return fallback
}
