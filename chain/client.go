package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrTxNotFound     = errors.New("transaction not found")
	ErrTxPending      = errors.New("transaction not mined yet")
	ErrInvalidTxHash  = errors.New("invalid transaction hash")
	ErrInvalidGameID  = errors.New("invalid on-chain game id")
	ErrInvalidAddress = errors.New("invalid address")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Backend is the slice of the JSON-RPC client the service needs. *ethclient.Client satisfies it.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Client struct {
	backend Backend
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain rpc: %w", err)
	}
	return NewClient(ec), nil
}

func NewClient(backend Backend) *Client {
	return &Client{backend: backend}
}

// Payment is what a mined entry transaction proves.
type Payment struct {
	Hash        common.Hash
	Succeeded   bool
	To          *common.Address
	From        common.Address
	GameID      *big.Int // nil when neither the PlayerJoined event nor the calldata decoded
	Amount      *big.Int // event amount when decoded from the log, tx value otherwise
	BlockNumber uint64
}

// FetchPayment loads a transaction and its receipt and decodes the entry binding
// against the given contract. It does not judge the result.
func (c *Client) FetchPayment(ctx context.Context, hash common.Hash, contract common.Address) (*Payment, error) {
	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", hash.Hex(), err)
	}
	if pending {
		return nil, ErrTxPending
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxPending
		}
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", hash.Hex(), err)
	}

	from, err := senderOf(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender of %s: %w", hash.Hex(), err)
	}

	p := &Payment{
		Hash:      hash,
		Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
		To:        tx.To(),
		From:      from,
		Amount:    tx.Value(),
	}
	if receipt.BlockNumber != nil {
		p.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if gameID, amount, ok := decodeJoinedEvent(receipt.Logs, contract); ok {
		p.GameID = gameID
		p.Amount = amount
	} else if tx.To() != nil && *tx.To() == contract {
		p.GameID = decodeJoinCalldata(tx.Data())
	}
	return p, nil
}

// PlayerStatus reads the contract's own bookkeeping for a player in a game.
func (c *Client) PlayerStatus(ctx context.Context, contract common.Address, gameID *big.Int, player common.Address) (paid bool, refunded bool, err error) {
	input, err := entryABI.Pack(methodPlayerStatus, gameID, player)
	if err != nil {
		return false, false, fmt.Errorf("failed to pack playerStatus call: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return false, false, fmt.Errorf("playerStatus call failed: %w", err)
	}
	vals, err := entryABI.Unpack(methodPlayerStatus, out)
	if err != nil {
		return false, false, fmt.Errorf("failed to unpack playerStatus: %w", err)
	}
	if len(vals) != 2 {
		return false, false, fmt.Errorf("playerStatus returned %d values", len(vals))
	}
	paid, okPaid := vals[0].(bool)
	refunded, okRefunded := vals[1].(bool)
	if !okPaid || !okRefunded {
		return false, false, fmt.Errorf("playerStatus returned unexpected types")
	}
	return paid, refunded, nil
}

func senderOf(tx *types.Transaction) (common.Address, error) {
	var signer types.Signer = types.HomesteadSigner{}
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	}
	return types.Sender(signer, tx)
}

func decodeJoinedEvent(logs []*types.Log, contract common.Address) (*big.Int, *big.Int, bool) {
	eventID := entryABI.Events[eventPlayerJoined].ID
	for _, l := range logs {
		if l.Address != contract || len(l.Topics) != 3 || l.Topics[0] != eventID {
			continue
		}
		vals, err := entryABI.Unpack(eventPlayerJoined, l.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		amount, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()), amount, true
	}
	return nil, nil, false
}

func decodeJoinCalldata(data []byte) *big.Int {
	if len(data) < 4 {
		return nil
	}
	method := entryABI.Methods[methodJoinGame]
	if !bytes.Equal(data[:4], method.ID) {
		return nil
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return nil
	}
	id, _ := args[0].(*big.Int)
	return id
}

// NormalizeTxHash validates a 0x-prefixed 32-byte hex hash and lower-cases it.
func NormalizeTxHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !txHashPattern.MatchString(s) {
		return "", ErrInvalidTxHash
	}
	return strings.ToLower(s), nil
}

// NormalizeAddress validates a hex address and lower-cases it.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// AddressHex renders an address the way it is stored: lower-case hex.
func AddressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// ParseGameID parses a decimal uint256 game id.
func ParseGameID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || id.Sign() < 0 {
		return nil, ErrInvalidGameID
	}
	return id, nil
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// CheckChainID fails if the endpoint serves a different chain than want.
// Backends that cannot report a chain id pass.
func (c *Client) CheckChainID(ctx context.Context, want int64) error {
	r, ok := c.backend.(chainIDReader)
	if !ok {
		return nil
	}
	got, err := r.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}
	if got.Int64() != want {
		return fmt.Errorf("rpc serves chain %s, expected %d", got.String(), want)
	}
	return nil
}
