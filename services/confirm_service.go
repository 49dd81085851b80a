// services/confirm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"game-entry-service/chain"
	"game-entry-service/models"
)

type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindForbidden          ErrorKind = "forbidden"
	KindNotFound           ErrorKind = "not_found"
	KindCapacityFull       ErrorKind = "capacity_full"
	KindRegistrationClosed ErrorKind = "registration_closed"
	KindReplayConflict     ErrorKind = "replay_conflict"
	KindVerificationFailed ErrorKind = "verification_failed"
	KindServerError        ErrorKind = "server_error"
)

// ConfirmError is every rejection ConfirmPayment returns. Detail is safe to
// show the caller; server_error details stay in the logs.
type ConfirmError struct {
	Kind   ErrorKind
	Detail string
	Meta   map[string]interface{}
	cause  error
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ConfirmError) Unwrap() error {
	return e.cause
}

// ConfirmResult is identical for the first confirmation and every replay of it.
type ConfirmResult struct {
	Participant models.Participant `json:"participant"`
	Credential  string             `json:"credential,omitempty"`
	Warning     string             `json:"warning,omitempty"`
}

// ConfirmService turns an on-chain entry payment into a seat. It is the only
// component with side effects; everything it calls is either a read or goes
// through the participant state machine.
type ConfirmService struct {
	DB          *gorm.DB
	Ledger      *Ledger
	Verifier    PaymentVerifier
	Reconciler  Reconciler
	States      *ParticipantStateMachine
	Notifier    *NotificationTrigger
	Credentials *CredentialBox
	Auditor     *ReconciliationAuditor
	Chain       string // wallet_mirrors.chain to draw the allowlist from; empty means any
	Log         *zap.Logger
}

func (s *ConfirmService) ConfirmPayment(ctx context.Context, gameID, txHash, callerUserID string) (*ConfirmResult, error) {
	gameID = strings.TrimSpace(gameID)
	callerUserID = strings.TrimSpace(callerUserID)
	if gameID == "" || callerUserID == "" {
		return nil, rejection(KindValidation, "game id and caller are required")
	}
	hash, err := chain.NormalizeTxHash(txHash)
	if err != nil {
		return nil, rejection(KindValidation, "tx_hash must be a 0x-prefixed 32-byte hex string")
	}

	log := s.Log.With(
		zap.String("game_id", gameID),
		zap.String("user_id", callerUserID),
		zap.String("tx_hash", hash),
	)

	// --- Game + caller ---
	var game models.Game
	if err := s.DB.WithContext(ctx).First(&game, "id = ?", gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, rejection(KindNotFound, "game not found")
		}
		return nil, s.serverError(log, "failed to load game", err)
	}

	blocked, err := s.callerBlocked(ctx, callerUserID)
	if err != nil {
		return nil, s.serverError(log, "failed to load player", err)
	}
	if blocked {
		return nil, rejection(KindForbidden, "your account cannot enter paid games")
	}

	participant, err := s.States.Get(ctx, gameID, callerUserID)
	if err != nil {
		return nil, s.serverError(log, "failed to load participant", err)
	}

	// --- 🎟️ Admission pre-check (newcomers only) ---
	if participant == nil {
		count, err := s.States.CountConfirmed(ctx, gameID)
		if err != nil {
			return nil, s.serverError(log, "failed to count participants", err)
		}
		if d := CheckAdmission(&game, count, false, time.Now()); !d.Open {
			return nil, admissionRejection(d)
		}
	}

	// --- 🔁 Idempotency ---
	binding, err := s.Ledger.Resolve(ctx, hash)
	if err != nil {
		return nil, s.serverError(log, "failed to resolve tx", err)
	}
	if binding != nil {
		if !binding.Record.BoundTo(gameID, callerUserID) {
			log.Warn("[CONFIRM] replay of a bound transaction",
				zap.String("bound_game_id", binding.Record.GameID))
			return nil, rejection(KindReplayConflict, "this transaction was already used for another entry")
		}
		if binding.Participant == nil {
			return nil, s.serverError(log, "bound tx without participant", errors.New("participant row missing"))
		}
		if !models.IsConfirmedPaid(binding.Participant) {
			return nil, rejection(KindValidation, "this entry has been refunded")
		}
		return s.success(log, &game, *binding.Participant), nil
	}

	if participant != nil {
		switch {
		case models.IsConfirmedPaid(participant):
			log.Info("[CONFIRM] already joined with another transaction, keeping the bound one")
			return s.success(log, &game, *participant), nil
		case participant.Status == models.ParticipantStatusRefunded,
			participant.Status == models.ParticipantStatusCanceled:
			return nil, rejection(KindValidation, "this entry has been refunded")
		}
	}

	if game.OnchainStatus != models.OnchainStatusActive {
		return nil, rejection(KindValidation, "game is not accepting on-chain entries")
	}

	// --- 🔐 Allowlist ---
	allowed, err := s.allowlist(ctx, callerUserID)
	if err != nil {
		return nil, s.serverError(log, "failed to load wallets", err)
	}
	if len(allowed) == 0 {
		return nil, rejection(KindForbidden, "no wallet is linked to your account")
	}

	// --- ⛓️ Verify, then reconcile if ambiguous ---
	v := s.Verifier.Verify(ctx, VerifyRequest{
		TxHash:         hash,
		Contract:       game.ContractAddress,
		ExpectedGameID: game.OnchainGameID,
		AllowedSenders: allowed,
		ExpectedAmount: game.EntryFee,
		TokenDecimals:  game.TokenDecimals,
	})
	verdict := InterpretVerification(v)
	sender := v.VerifiedSender

	if verdict.Outcome == VerdictReconcile {
		rec, rerr := s.Reconciler.ReconcileAmbiguous(ctx, &game, allowed)
		if rerr != nil {
			log.Warn("[CONFIRM] reconciler unavailable", zap.Error(rerr), zap.NamedError("verify_error", v.Err))
		}
		verdict = ResolveWithReconciliation(v, rec, rerr)
		// The seat is recorded against the linked address the chain vouched for.
		if verdict.Outcome == VerdictAccept && !v.AddressInAllowlist {
			sender = rec.Address
		}
	}

	switch verdict.Outcome {
	case VerdictForbidden:
		return nil, rejection(KindForbidden, verdict.Reason)
	case VerdictReject:
		// Only attempts provably from the caller (or cut short by a timeout) leave a row behind.
		if v.AddressInAllowlist || v.TimedOut {
			mark := s.States.MarkFailed
			if verdict.Retryable {
				mark = s.States.MarkPending
			}
			if err := mark(ctx, &game, callerUserID, verdict.Reason); err != nil {
				log.Error("[CONFIRM] failed to record rejected attempt", zap.Error(err))
			}
		}
		log.Info("[CONFIRM] ❌ verification failed",
			zap.String("reason", verdict.Reason), zap.NamedError("verify_error", v.Err))
		e := rejection(KindVerificationFailed, verdict.Reason)
		e.Meta = map[string]interface{}{"retryable": verdict.Retryable}
		return nil, e
	}

	// --- ✅ Seat ---
	res, err := s.States.Join(ctx, JoinRequest{
		Game:    &game,
		UserID:  callerUserID,
		TxHash:  hash,
		Sender:  sender,
		Amount:  v.VerifiedAmount,
		Warning: verdict.Warning,
	})
	if err != nil {
		var admErr *AdmissionError
		switch {
		case errors.As(err, &admErr):
			return nil, admissionRejection(admErr.Decision)
		case errors.Is(err, ErrReplayConflict):
			return nil, rejection(KindReplayConflict, "this transaction was already used for another entry")
		case errors.Is(err, ErrInvalidTransition):
			return nil, rejection(KindValidation, "this entry has been refunded")
		}
		return nil, s.serverError(log, "join failed", err)
	}

	if res.Fresh {
		log.Info("[CONFIRM] ✅ participant joined",
			zap.Int64("joined", res.JoinedCount), zap.String("warning", verdict.Warning))
		detached := context.WithoutCancel(ctx)
		if verdict.Warning != "" {
			s.auditWarning(detached, &game, callerUserID, hash, verdict.Warning, v)
		}
		s.Notifier.AfterJoin(detached, &game)
	}
	return s.success(log, &game, res.Participant), nil
}

func (s *ConfirmService) success(log *zap.Logger, game *models.Game, p models.Participant) *ConfirmResult {
	out := &ConfirmResult{Participant: p, Warning: p.Warning}
	cred, err := s.Credentials.Open(game.EncryptedCredential)
	if err != nil {
		log.Error("[CONFIRM] could not decrypt game credential", zap.Error(err))
		return out
	}
	out.Credential = cred
	return out
}

func (s *ConfirmService) callerBlocked(ctx context.Context, userID string) (bool, error) {
	var player models.PlayerMirror
	err := s.DB.WithContext(ctx).First(&player, "external_user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return player.Blocked(), nil
}

// allowlist returns the caller's active custody and verified addresses, lower-cased.
func (s *ConfirmService) allowlist(ctx context.Context, userID string) ([]string, error) {
	q := s.DB.WithContext(ctx).Model(&models.WalletMirror{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("kind IN ?", []string{models.WalletKindCustody, models.WalletKindVerified})
	if s.Chain != "" {
		q = q.Where("chain = ?", s.Chain)
	}
	var addrs []string
	if err := q.Order("address").Pluck("address", &addrs).Error; err != nil {
		return nil, err
	}

	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		norm, err := chain.NormalizeAddress(a)
		if err != nil || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out, nil
}

func (s *ConfirmService) auditWarning(ctx context.Context, game *models.Game, userID, hash, warning string, v Verification) {
	kind := AuditKindReconciledJoin
	detail := "accepted from on-chain player state"
	if warning == models.WarningAmountMismatch {
		kind = AuditKindAmountMismatch
		detail = fmt.Sprintf("expected %s %s, transferred %s", game.EntryFee.String(), game.Currency, v.VerifiedAmount.String())
	}
	if v.Err != nil {
		detail += "; verification: " + v.Err.Error()
	}
	s.Auditor.Record(ctx, ReconciliationReport{
		Kind:     kind,
		GameID:   game.ID,
		GameName: game.Name,
		UserID:   userID,
		TxHash:   hash,
		Detail:   detail,
	})
}

func (s *ConfirmService) serverError(log *zap.Logger, msg string, err error) *ConfirmError {
	log.Error("[CONFIRM] "+msg, zap.Error(err))
	return &ConfirmError{Kind: KindServerError, Detail: "internal error, please retry", cause: err}
}

func rejection(kind ErrorKind, detail string) *ConfirmError {
	return &ConfirmError{Kind: kind, Detail: detail}
}

func admissionRejection(d AdmissionDecision) *ConfirmError {
	e := rejection(ErrorKind(d.Reason), d.Message())
	e.Meta = map[string]interface{}{}
	if d.ClosesAt != nil {
		e.Meta["closes_at"] = d.ClosesAt.UTC()
	}
	if d.Capacity != nil {
		e.Meta["capacity"] = *d.Capacity
	}
	return e
}
