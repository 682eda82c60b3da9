package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ZeroAddress is the mint/burn counterparty.
var ZeroAddress = common.Address{}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Value    *big.Int
	TxHash   common.Hash
	LogIndex uint
}

// DecodeTransfer decodes an ERC-20 Transfer log. ok is false for any other event,
// including ERC-721 transfers which index the token ID as a fourth topic.
func DecodeTransfer(l types.Log) (Transfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return Transfer{}, false
	}
	return Transfer{
		Token:    l.Address,
		From:     common.BytesToAddress(l.Topics[1].Bytes()),
		To:       common.BytesToAddress(l.Topics[2].Bytes()),
		Value:    new(big.Int).SetBytes(l.Data),
		TxHash:   l.TxHash,
		LogIndex: l.Index,
	}, true
}

// TransfersOf returns Transfer events of token in logs, in log order.
func TransfersOf(logs []types.Log, token common.Address) []Transfer {
	var out []Transfer
	for _, l := range logs {
		t, ok := DecodeTransfer(l)
		if !ok || t.Token != token {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TokenTransfers returns token's Transfer events within one transaction.
// It reads the receipt; when the receipt is unavailable and blockNumber is known,
// it falls back to eth_getLogs over that block.
func TokenTransfers(ctx context.Context, c Client, txHash common.Hash, token common.Address, blockNumber uint64) ([]Transfer, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if err == nil {
		return TransfersOf(receipt.Logs, token), nil
	}
	if blockNumber == 0 || !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}

	logs, err := c.GetLogs(ctx, LogFilter{
		FromBlock: blockNumber,
		ToBlock:   blockNumber,
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{TransferTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("logs for %s at block %d: %w", txHash.Hex(), blockNumber, err)
	}

	inTx := logs[:0]
	for _, l := range logs {
		if l.TxHash == txHash {
			inTx = append(inTx, l)
		}
	}
	return TransfersOf(inTx, token), nil
}
