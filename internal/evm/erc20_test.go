package evm_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pnl-indexer/internal/evm"
	"dex-pnl-indexer/internal/evm/stub"
)

func abiString(s string) []byte {
	out := make([]byte, 0, 96)
	out = append(out, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(s))).Bytes(), 32)...)
	out = append(out, common.RightPadBytes([]byte(s), 32)...)
	return out
}

func TestTokenMetadata_DecimalsCached(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	client := stub.NewClient()
	client.CallResults[token] = common.LeftPadBytes([]byte{18}, 32)

	meta := evm.NewTokenMetadata(client)
	for i := 0; i < 3; i++ {
		d, err := meta.Decimals(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, int32(18), d)
	}
	assert.Equal(t, 1, client.CallCount("Call"))
}

func TestTokenMetadata_SeedSkipsCall(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	client := stub.NewClient()

	meta := evm.NewTokenMetadata(client)
	meta.Seed(token, 6)

	d, err := meta.Decimals(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(6), d)
	assert.Equal(t, 0, client.CallCount("Call"))
}

func TestTokenMetadata_Symbol(t *testing.T) {
	modern := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	legacy := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	client := stub.NewClient()
	client.CallResults[modern] = abiString("PEPE")
	client.CallResults[legacy] = common.RightPadBytes([]byte("MKR"), 32)

	meta := evm.NewTokenMetadata(client)

	s, err := meta.Symbol(context.Background(), modern)
	require.NoError(t, err)
	assert.Equal(t, "PEPE", s)

	s, err = meta.Symbol(context.Background(), legacy)
	require.NoError(t, err)
	assert.Equal(t, "MKR", s)
}

func TestTokenTransfers_FallsBackToLogs(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	from := common.HexToAddress("0x0000000000000000000000000000000000000001")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	txHash := common.HexToHash("0x01")
	otherTx := common.HexToHash("0x02")

	client := stub.NewClient()
	client.AddTransfer(txHash, 100, evm.Transfer{Token: token, From: from, To: to, Value: big.NewInt(7)})
	client.AddTransfer(otherTx, 100, evm.Transfer{Token: token, From: to, To: from, Value: big.NewInt(9)})
	for _, h := range []common.Hash{txHash, otherTx} {
		client.Logs = append(client.Logs, client.Receipts[h].Logs...)
		delete(client.Receipts, h)
	}

	transfers, err := evm.TokenTransfers(context.Background(), client, txHash, token, 100)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, to, transfers[0].To)
	assert.Equal(t, int64(7), transfers[0].Value.Int64())
}
