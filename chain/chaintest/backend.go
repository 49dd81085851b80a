// Package chaintest provides an in-memory chain.Backend with real signed transactions.
package chaintest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"game-entry-service/chain"
)

type statusKey struct {
	contract common.Address
	gameID   string
	player   common.Address
}

type playerState struct {
	paid, refunded bool
}

// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	status   map[statusKey]playerState

	// Delay is applied to every call and honours context cancellation.
	Delay time.Duration
	// CallErr makes CallContract fail.
	CallErr error

	lookups int
	calls   int
}

func NewBackend(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		txs:      map[common.Hash]*types.Transaction{},
		receipts: map[common.Hash]*types.Receipt{},
		status:   map[statusKey]playerState{},
	}
}

// NewKey returns a fresh signing key and its lower-case address.
func NewKey() (*ecdsa.PrivateKey, string) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// Payment describes an entry transaction to put on the fake chain.
type Payment struct {
	Contract common.Address
	GameID   *big.Int
	Value    *big.Int
	// EmitEvent adds a PlayerJoined log; EventAmount overrides the logged amount.
	EmitEvent   bool
	EventAmount *big.Int
	Reverted    bool
	// Pending leaves the transaction unmined.
	Pending bool
}

// AddPayment signs and stores a joinGame transaction and returns its hash in lower-case hex.
func (b *Backend) AddPayment(key *ecdsa.PrivateKey, p Payment) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	input, err := chain.EntryABI().Pack("joinGame", p.GameID)
	if err != nil {
		panic(err)
	}
	to := p.Contract
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     b.nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       120000,
		To:        &to,
		Value:     p.Value,
		Data:      input,
	})
	b.nonce++
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), key)
	if err != nil {
		panic(err)
	}

	hash := signed.Hash()
	b.txs[hash] = signed
	if p.Pending {
		return strings.ToLower(hash.Hex())
	}

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(100),
	}
	if p.Reverted {
		receipt.Status = types.ReceiptStatusFailed
	}
	if p.EmitEvent && !p.Reverted {
		amount := p.Value
		if p.EventAmount != nil {
			amount = p.EventAmount
		}
		event := chain.EntryABI().Events["PlayerJoined"]
		data, err := event.Inputs.NonIndexed().Pack(amount)
		if err != nil {
			panic(err)
		}
		from := crypto.PubkeyToAddress(key.PublicKey)
		receipt.Logs = []*types.Log{{
			Address: p.Contract,
			Topics:  []common.Hash{event.ID, common.BigToHash(p.GameID), common.BytesToHash(from.Bytes())},
			Data:    data,
			TxHash:  hash,
		}}
	}
	b.receipts[hash] = receipt
	return strings.ToLower(hash.Hex())
}

// SetPlayerStatus seeds the contract's playerStatus view.
func (b *Backend) SetPlayerStatus(contract common.Address, gameID *big.Int, player string, paid, refunded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[statusKey{contract, gameID.String(), common.HexToAddress(player)}] = playerState{paid, refunded}
}

// Lookups counts TransactionByHash calls.
func (b *Backend) Lookups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookups
}

// Calls counts CallContract calls.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Backend) wait(ctx context.Context) error {
	if b.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(b.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	b.lookups++
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := b.receipts[hash]
	return tx, !mined, nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	b.calls++
	callErr := b.CallErr
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}

	method := chain.EntryABI().Methods["playerStatus"]
	if call.To == nil || len(call.Data) < 4 || !bytes.Equal(call.Data[:4], method.ID) {
		return nil, fmt.Errorf("unsupported call")
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	gameID := args[0].(*big.Int)
	player := args[1].(common.Address)

	b.mu.Lock()
	st := b.status[statusKey{*call.To, gameID.String(), player}]
	b.mu.Unlock()
	return method.Outputs.Pack(st.paid, st.refunded)
}
