// services/auditor.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

const (
	AuditKindCapacityOvershoot = "capacity_overshoot"
	AuditKindAmountMismatch    = "amount_mismatch_override"
	AuditKindReconciledJoin    = "reconciled_join"
)

// AuditSink stores report documents. *utils.R2Client satisfies it.
type AuditSink interface {
	PutJSON(ctx context.Context, key string, body []byte) error
}

// ReconciliationReport is one case an operator has to look at by hand.
type ReconciliationReport struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name,omitempty"`
	UserID      string    `json:"user_id"`
	TxHash      string    `json:"tx_hash,omitempty"`
	JoinedCount int64     `json:"joined_count,omitempty"`
	Capacity    int       `json:"capacity,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReconciliationAuditor always logs the report and, when a sink is configured, uploads it.
type ReconciliationAuditor struct {
	Sink AuditSink
	Log  *zap.Logger
}

func NewReconciliationAuditor(sink AuditSink, log *zap.Logger) *ReconciliationAuditor {
	return &ReconciliationAuditor{Sink: sink, Log: log}
}

// Record never fails the caller; upload errors are logged.
func (a *ReconciliationAuditor) Record(ctx context.Context, r ReconciliationReport) {
	if a == nil {
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	a.Log.Warn("[AUDIT] reconciliation case recorded",
		zap.String("kind", r.Kind),
		zap.String("game_id", r.GameID),
		zap.String("user_id", r.UserID),
		zap.String("tx_hash", r.TxHash),
		zap.Int64("joined", r.JoinedCount),
		zap.Int("capacity", r.Capacity),
		zap.String("detail", r.Detail),
	)

	if a.Sink == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		a.Log.Error("[AUDIT] failed to encode report", zap.Error(err))
		return
	}
	if err := a.Sink.PutJSON(ctx, auditKey(r), body); err != nil {
		a.Log.Error("[AUDIT] failed to upload report", zap.String("id", r.ID), zap.Error(err))
	}
}

func auditKey(r ReconciliationReport) string {
	game := r.GameID
	if r.GameName != "" {
		game = r.GameName + "-" + r.GameID
	}
	return fmt.Sprintf("reconciliation/%s/%s/%s-%s.json",
		r.Kind, slug.Make(game), r.CreatedAt.Format("20060102T150405Z"), r.ID)
}
