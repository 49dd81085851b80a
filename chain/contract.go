package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EntryContractABI is the subset of the game entry contract the service reads.
const EntryContractABI = `[
	{
		"type": "function",
		"name": "joinGame",
		"stateMutability": "payable",
		"inputs": [{"name": "gameId", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "playerStatus",
		"stateMutability": "view",
		"inputs": [
			{"name": "gameId", "type": "uint256"},
			{"name": "player", "type": "address"}
		],
		"outputs": [
			{"name": "paid", "type": "bool"},
			{"name": "refunded", "type": "bool"}
		]
	},
	{
		"type": "event",
		"name": "PlayerJoined",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "gameId", "type": "uint256"},
			{"indexed": true, "name": "player", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	}
]`

const (
	methodJoinGame     = "joinGame"
	methodPlayerStatus = "playerStatus"
	eventPlayerJoined  = "PlayerJoined"
)

var entryABI = mustParseABI(EntryContractABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("entry contract ABI: %v", err))
	}
	return parsed
}

// EntryABI exposes the parsed ABI, mostly for building fixtures.
func EntryABI() abi.ABI {
	return entryABI
}
