package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"game-entry-service/chain"
	"game-entry-service/chain/chaintest"
)

func verifyFixture(t *testing.T) (*chaintest.Backend, *OnchainVerifier) {
	t.Helper()
	backend := chaintest.NewBackend(1)
	return backend, NewOnchainVerifier(chain.NewClient(backend), time.Second, decimal.RequireFromString("0.01"))
}

func request(hash, sender string) VerifyRequest {
	return VerifyRequest{
		TxHash:         hash,
		Contract:       chain.AddressHex(testContract),
		ExpectedGameID: "9",
		AllowedSenders: []string{sender},
		ExpectedAmount: decimal.NewFromInt(5),
		TokenDecimals:  testDecimals,
	}
}

func TestOnchainVerifier_Valid(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{Contract: testContract, GameID: big.NewInt(9), Value: toWei(5), EmitEvent: true})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.True(t, got.Valid)
	assert.False(t, got.AmountMismatch)
	assert.True(t, got.AddressInAllowlist)
	assert.Equal(t, "9", got.VerifiedGameID)
	assert.Equal(t, addr, got.VerifiedSender)
	assert.True(t, got.VerifiedAmount.Equal(decimal.NewFromInt(5)))
	assert.NoError(t, got.Err)
}

func TestOnchainVerifier_AmountWithinTolerance(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{
		Contract: testContract, GameID: big.NewInt(9), Value: big.NewInt(4_995_000), EmitEvent: true,
	})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.True(t, got.Valid)
	assert.False(t, got.AmountMismatch)
}

func TestOnchainVerifier_AmountMismatchReportsActual(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{
		Contract: testContract, GameID: big.NewInt(9), Value: toWei(5), EmitEvent: true, EventAmount: toWei(2),
	})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.True(t, got.Valid)
	assert.True(t, got.AmountMismatch)
	assert.Equal(t, "2", got.VerifiedAmount.String())
}

func TestOnchainVerifier_WrongGame(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{Contract: testContract, GameID: big.NewInt(10), Value: toWei(5), EmitEvent: true})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.False(t, got.Valid)
	assert.True(t, got.BindingMismatch)
	assert.Equal(t, "10", got.VerifiedGameID)
	assert.ErrorIs(t, got.Err, ErrWrongGame)
}

func TestOnchainVerifier_WrongContract(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	hash := backend.AddPayment(key, chaintest.Payment{Contract: other, GameID: big.NewInt(9), Value: toWei(5), EmitEvent: true})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.True(t, got.BindingMismatch)
	assert.ErrorIs(t, got.Err, ErrWrongContract)
}

func TestOnchainVerifier_SenderNotAllowlisted(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	_, other := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{Contract: testContract, GameID: big.NewInt(9), Value: toWei(5), EmitEvent: true})

	got := v.Verify(context.Background(), request(hash, other))
	assert.False(t, got.Valid)
	assert.False(t, got.AddressInAllowlist)
	assert.Equal(t, addr, got.VerifiedSender)
}

func TestOnchainVerifier_RevertedAndMissing(t *testing.T) {
	backend, v := verifyFixture(t)
	key, addr := chaintest.NewKey()
	hash := backend.AddPayment(key, chaintest.Payment{Contract: testContract, GameID: big.NewInt(9), Value: toWei(5), Reverted: true})

	got := v.Verify(context.Background(), request(hash, addr))
	assert.False(t, got.Valid)
	assert.ErrorIs(t, got.Err, ErrTxReverted)

	got = v.Verify(context.Background(), request("0x"+common.Bytes2Hex(make([]byte, 32)), addr))
	assert.False(t, got.Valid)
	assert.ErrorIs(t, got.Err, chain.ErrTxNotFound)
}

func TestOnchainVerifier_Timeout(t *testing.T) {
	backend := chaintest.NewBackend(1)
	backend.Delay = 500 * time.Millisecond
	v := NewOnchainVerifier(chain.NewClient(backend), 10*time.Millisecond, decimal.Zero)

	started := time.Now()
	got := v.Verify(context.Background(), request("0x"+common.Bytes2Hex(make([]byte, 32)), "0xa"))
	assert.Less(t, time.Since(started), 400*time.Millisecond)
	assert.False(t, got.Valid)
	assert.True(t, got.TimedOut)
	assert.ErrorIs(t, got.Err, ErrVerifyTimeout)
}

func TestOnchainVerifier_BadGameConfig(t *testing.T) {
	_, v := verifyFixture(t)
	req := request("0x"+common.Bytes2Hex(make([]byte, 32)), "0xa")
	req.ExpectedGameID = "not-a-number"

	got := v.Verify(context.Background(), req)
	assert.False(t, got.Valid)
	assert.ErrorIs(t, got.Err, chain.ErrInvalidGameID)
}
