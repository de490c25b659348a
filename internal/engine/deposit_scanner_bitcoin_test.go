package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/engine"
	"github.com/hotwallet-engine/internal/ledgertest"
	"github.com/hotwallet-engine/internal/types"
)

func TestBitcoinDepositScannerRecordsClientDeposits(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)
	seedAddr(t, store, types.ChainBitcoin, 1, "1/0", "bc1qclient1")
	seedAddr(t, store, types.ChainBitcoin, 2, "2/0", "bc1qclient2")

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "tx-a", Address: "bc1qclient1", Category: "receive", Amount: decimal.RequireFromString("0.50000000")},
		{TxID: "tx-b", Address: "bc1qstranger", Category: "receive", Amount: decimal.RequireFromString("1.00000000")},
		{TxID: "tx-c", Address: "bc1qsomewhere", Category: "send", Amount: decimal.RequireFromString("-0.30000000")},
		{TxID: "tx-d", Address: "bc1qclient2", Category: "receive", Amount: decimal.RequireFromString("0.25000000")},
	}

	publisher := &recordingPublisher{}
	scanner := engine.NewBitcoinDepositScanner(store, btc, publisher, "hot", 10, testLogger(), testMetrics())
	ctx := context.Background()

	require.NoError(t, scanner.Run(ctx))

	deposits, err := store.ListDepositsByStatus(ctx, types.CoinBTC, types.DepositUnconfirmed)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, "tx-a", deposits[0].TxHash)
	assert.Equal(t, int64(1), deposits[0].ClientID)
	assert.Equal(t, "0.5", deposits[0].Amount.String())
	assert.Equal(t, "tx-d", deposits[1].TxHash)
	assert.Equal(t, int64(2), deposits[1].ClientID)

	// the cursor covers all four entries, including the skipped ones
	coin, err := store.GetCoin(ctx, types.CoinBTC)
	require.NoError(t, err)
	state, err := coin.UTXOState()
	require.NoError(t, err)
	assert.Equal(t, 4, state.DepositCursor)

	events := publisher.depositEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "unconfirmed", events[0].Status)
}

func TestBitcoinDepositScannerIsIdempotentAcrossOverlappingScans(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)
	seedAddr(t, store, types.ChainBitcoin, 1, "1/0", "bc1qclient1")

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "tx-a", Address: "bc1qclient1", Category: "receive", Amount: decimal.RequireFromString("0.10000000")},
	}

	scanner := engine.NewBitcoinDepositScanner(store, btc, &recordingPublisher{}, "hot", 10, testLogger(), testMetrics())
	ctx := context.Background()

	require.NoError(t, scanner.Run(ctx))

	coin, err := store.GetCoin(ctx, types.CoinBTC)
	require.NoError(t, err)
	state, err := coin.UTXOState()
	require.NoError(t, err)
	require.Equal(t, 1, state.DepositCursor)

	btc.history = append(btc.history, chain.WalletTx{
		TxID: "tx-a", Address: "bc1qclient1", Category: "receive", Amount: decimal.RequireFromString("0.10000000"),
	})
	require.NoError(t, scanner.Run(ctx))

	// the duplicate (coin, txHash) entry was not recorded twice
	deposits, err := store.ListDepositsByStatus(ctx, types.CoinBTC, types.DepositUnconfirmed)
	require.NoError(t, err)
	assert.Len(t, deposits, 1)
}

func TestBitcoinDepositScannerCursorIsMonotonic(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)

	btc := newFakeBitcoinClient()
	for i := 0; i < 7; i++ {
		btc.history = append(btc.history, chain.WalletTx{
			TxID:     string(rune('a' + i)),
			Address:  "bc1qunknown",
			Category: "receive",
			Amount:   decimal.New(1, 0),
		})
	}

	scanner := engine.NewBitcoinDepositScanner(store, btc, &recordingPublisher{}, "hot", 3, testLogger(), testMetrics())
	ctx := context.Background()

	cursors := []int{3, 6, 7, 7}
	for _, want := range cursors {
		require.NoError(t, scanner.Run(ctx))
		coin, err := store.GetCoin(ctx, types.CoinBTC)
		require.NoError(t, err)
		state, err := coin.UTXOState()
		require.NoError(t, err)
		assert.Equal(t, want, state.DepositCursor)
	}
}
