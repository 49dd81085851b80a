package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"game-entry-service/chain"
	"game-entry-service/chain/chaintest"
	"game-entry-service/models"
)

const testDecimals = 6

var testContract = common.HexToAddress("0x00000000000000000000000000000000000e4e71")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entry.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Game{},
		&models.Participant{},
		&models.TransactionRecord{},
		&models.NotificationEvent{},
		&models.WalletMirror{},
		&models.PlayerMirror{},
	))
	return db
}

// recordingDispatcher remembers every delivered message and can fail chosen recipients.
type recordingDispatcher struct {
	mu      sync.Mutex
	sent    []NotificationMessage
	failFor map[string]bool
	err     error
}

func (d *recordingDispatcher) DispatchBulk(_ context.Context, msgs []NotificationMessage) (map[string]error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	failures := map[string]error{}
	for _, m := range msgs {
		if d.failFor[m.RecipientUserID] {
			failures[m.RecipientUserID] = errors.New("recipient unreachable")
			continue
		}
		d.sent = append(d.sent, m)
	}
	return failures, nil
}

func (d *recordingDispatcher) delivered() []NotificationMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]NotificationMessage(nil), d.sent...)
}

// recordingSink captures audit uploads.
type recordingSink struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
}

func (s *recordingSink) PutJSON(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.bodies = append(s.bodies, body)
	return nil
}

func (s *recordingSink) reports(t *testing.T) []ReconciliationReport {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReconciliationReport, 0, len(s.bodies))
	for _, b := range s.bodies {
		var r ReconciliationReport
		require.NoError(t, json.Unmarshal(b, &r))
		out = append(out, r)
	}
	return out
}

func (s *recordingSink) uploaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type fixture struct {
	db         *gorm.DB
	backend    *chaintest.Backend
	dispatcher *recordingDispatcher
	sink       *recordingSink
	box        *CredentialBox
	svc        *ConfirmService
}

var onchainSeq atomic.Int64

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := zap.NewNop()
	backend := chaintest.NewBackend(8453)
	client := chain.NewClient(backend)

	box, err := NewCredentialBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{failFor: map[string]bool{}}
	sink := &recordingSink{}
	auditor := NewReconciliationAuditor(sink, log)
	ledger := NewLedger(db)
	states := NewParticipantStateMachine(db, ledger, auditor, log)

	svc := &ConfirmService{
		DB:          db,
		Ledger:      ledger,
		Verifier:    NewOnchainVerifier(client, 2*time.Second, decimal.Zero),
		Reconciler:  NewOnchainReconciler(client, 2*time.Second),
		States:      states,
		Notifier:    NewNotificationTrigger(db, dispatcher, log),
		Credentials: box,
		Auditor:     auditor,
		Log:         log,
	}
	return &fixture{db: db, backend: backend, dispatcher: dispatcher, sink: sink, box: box, svc: svc}
}

// addGame stores an open, active game charging 5 units with capacity 10 unless mutate says otherwise.
func (f *fixture) addGame(t *testing.T, mutate func(g *models.Game)) *models.Game {
	t.Helper()
	capacity := 10
	g := &models.Game{
		ID:              uuid.NewString(),
		Name:            "Tower Night",
		GameType:        models.GameTypeTower,
		Capacity:        &capacity,
		AlwaysOpen:      true,
		ContractAddress: chain.AddressHex(testContract),
		OnchainGameID:   strconv.FormatInt(onchainSeq.Add(1), 10),
		OnchainStatus:   models.OnchainStatusActive,
		EntryFee:        decimal.NewFromInt(5),
		Currency:        "USDC",
		TokenDecimals:   testDecimals,
	}
	if mutate != nil {
		mutate(g)
	}
	require.NoError(t, f.db.Create(g).Error)
	return g
}

type player struct {
	id   string
	key  *ecdsa.PrivateKey
	addr string
}

// addPlayer links a fresh key to userID and returns the key.
func (f *fixture) addPlayer(t *testing.T, userID string) *player {
	t.Helper()
	key, addr := chaintest.NewKey()
	now := time.Now()
	require.NoError(t, f.db.Create(&models.WalletMirror{
		ID:        uuid.NewString(),
		UserID:    userID,
		Chain:     "base",
		Kind:      models.WalletKindCustody,
		Address:   addr,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
	return &player{id: userID, key: key, addr: addr}
}

// pay puts a successful entry transaction for game on the fake chain.
func (f *fixture) pay(p *player, g *models.Game, units int64) string {
	return f.backend.AddPayment(p.key, chaintest.Payment{
		Contract:  testContract,
		GameID:    mustGameID(g.OnchainGameID),
		Value:     toWei(units),
		EmitEvent: true,
	})
}

func (f *fixture) participantRows(t *testing.T, gameID string) []models.Participant {
	t.Helper()
	var rows []models.Participant
	require.NoError(t, f.db.Where("game_id = ?", gameID).Order("user_id").Find(&rows).Error)
	return rows
}

func (f *fixture) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func toWei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func mustGameID(s string) *big.Int {
	id, err := chain.ParseGameID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func kindOf(err error) ErrorKind {
	var ce *ConfirmError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
