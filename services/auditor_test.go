package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditKey(t *testing.T) {
	r := ReconciliationReport{
		ID:        "abc",
		Kind:      AuditKindCapacityOvershoot,
		GameID:    "g-42",
		GameName:  "Tower Night!",
		CreatedAt: time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC),
	}
	assert.Equal(t, "reconciliation/capacity_overshoot/tower-night-g-42/20260301T123005Z-abc.json", auditKey(r))

	r.GameName = ""
	assert.Equal(t, "reconciliation/capacity_overshoot/g-42/20260301T123005Z-abc.json", auditKey(r))
}

func TestReconciliationAuditor_LogsAndUploads(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{}
	a := NewReconciliationAuditor(sink, zap.New(core))

	a.Record(context.Background(), ReconciliationReport{Kind: AuditKindReconciledJoin, GameID: "g1", UserID: "alice"})

	require.Equal(t, 1, logs.FilterMessageSnippet("[AUDIT]").Len())
	keys := sink.uploaded()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "reconciliation/reconciled_join/g1/"))
}

func TestReconciliationAuditor_WithoutSinkOnlyLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := NewReconciliationAuditor(nil, zap.New(core))

	a.Record(context.Background(), ReconciliationReport{Kind: AuditKindAmountMismatch, GameID: "g1"})
	assert.Equal(t, 1, logs.Len())

	var unset *ReconciliationAuditor
	assert.NotPanics(t, func() { unset.Record(context.Background(), ReconciliationReport{}) })
}
