package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/engine"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/ledgertest"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// padWithdrawalIDs burns ids so the next insert lands at firstID.
func padWithdrawalIDs(t *testing.T, store *ledgertest.Store, firstID int64) {
	t.Helper()
	ctx := context.Background()
	for i := int64(1); i < firstID; i++ {
		id := insertWithdrawal(t, store, models.Withdrawal{
			ClientID: 1000 + i, Key: "pad", CoinSymbol: types.CoinBTC,
			Recipient: "bc1qpad", Amount: decimal.New(1, 0),
			FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
		})
		require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
			return tx.FinishWithdrawal(ctx, id, "padtx", decimal.Zero)
		}))
	}
}

func TestReconcilerSettlesBatchByMemoHighWater(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)
	padWithdrawalIDs(t, store, 10)

	// pending withdrawals with ids 10..13; the batch memo is 12, so 13
	// stays untouched
	var ids []int64
	recipients := []string{"bc1qa", "bc1qb", "bc1qc", "bc1qd"}
	amounts := []string{"0.10000000", "0.20000000", "0.30000000", "0.40000000"}
	for i := 0; i < 4; i++ {
		ids = append(ids, insertWithdrawal(t, store, models.Withdrawal{
			ClientID: int64(i + 1), Key: "w", CoinSymbol: types.CoinBTC,
			Recipient: recipients[i], Amount: decimal.RequireFromString(amounts[i]),
			FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
		}))
	}
	require.Equal(t, int64(10), ids[0])
	require.Equal(t, int64(13), ids[3])

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "batch-12", Category: "send", Comment: "12", Amount: decimal.RequireFromString("-0.60000000"), Confirmations: 2},
	}
	btc.txs["batch-12"] = &chain.TxInfo{
		TxID:          "batch-12",
		Fee:           decimal.RequireFromString("-0.00030000"),
		Confirmations: 2,
		Details: []chain.TxDetail{
			{Address: "bc1qa", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
			{Address: "bc1qb", Category: "send", Amount: decimal.RequireFromString("-0.20000000")},
			{Address: "bc1qc", Category: "send", Amount: decimal.RequireFromString("-0.30000000")},
		},
	}

	publisher := &recordingPublisher{}
	reconciler := engine.NewBitcoinReconciler(store, btc, publisher, "hot", 10, testLogger(), testMetrics())
	ctx := context.Background()

	require.NoError(t, reconciler.Run(ctx))

	for _, id := range ids[:3] {
		w, err := store.GetWithdrawal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.WithdrawalFinished, w.Status)
		require.NotNil(t, w.TxHash)
		assert.Equal(t, "batch-12", *w.TxHash)
		assert.Equal(t, "0.0001", w.FeeAmount.String())
	}

	// id 13 is above the memo and stays pending
	last, err := store.GetWithdrawal(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalCreated, last.Status)

	coin, err := store.GetCoin(ctx, types.CoinBTC)
	require.NoError(t, err)
	state, err := coin.UTXOState()
	require.NoError(t, err)
	assert.Equal(t, 1, state.WithdrawalCursor)
	assert.Equal(t, "batch-12", state.WithdrawalMilestone)

	events := publisher.withdrawalEvents()
	require.Len(t, events, 3)
	assert.Equal(t, "finished", events[0].Status)
}

func TestReconcilerSplitsFeeWithRemainderOnFirst(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)

	var ids []int64
	recipients := []string{"bc1qa", "bc1qb", "bc1qc"}
	for i := 0; i < 3; i++ {
		ids = append(ids, insertWithdrawal(t, store, models.Withdrawal{
			ClientID: int64(i + 1), Key: "w", CoinSymbol: types.CoinBTC,
			Recipient: recipients[i], Amount: decimal.RequireFromString("0.10000000"),
			FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
		}))
	}

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "batch-3", Category: "send", Comment: "3", Amount: decimal.RequireFromString("-0.30000000"), Confirmations: 1},
	}
	btc.txs["batch-3"] = &chain.TxInfo{
		TxID: "batch-3",
		// 0.00000100 does not divide by three at ledger precision
		Fee:           decimal.RequireFromString("-0.00000100"),
		Confirmations: 1,
		Details: []chain.TxDetail{
			{Address: "bc1qa", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
			{Address: "bc1qb", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
			{Address: "bc1qc", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
		},
	}

	reconciler := engine.NewBitcoinReconciler(store, btc, &recordingPublisher{}, "hot", 10, testLogger(), testMetrics())
	require.NoError(t, reconciler.Run(context.Background()))

	var total decimal.Decimal
	fees := make([]string, 3)
	for i, id := range ids {
		w, err := store.GetWithdrawal(context.Background(), id)
		require.NoError(t, err)
		fees[i] = w.FeeAmount.String()
		total = total.Add(w.FeeAmount)
	}
	assert.Equal(t, "0.000001", total.String(), "shares sum to the full fee")
	assert.Equal(t, "0.00000034", fees[0], "remainder lands on the first share")
	assert.Equal(t, "0.00000033", fees[1])
	assert.Equal(t, "0.00000033", fees[2])
}

func TestReconcilerRejectsMismatchedBatchAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		details []chain.TxDetail
	}{
		{
			name: "amount mismatch",
			details: []chain.TxDetail{
				{Address: "bc1qa", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
				{Address: "bc1qb", Category: "send", Amount: decimal.RequireFromString("-0.99000000")},
			},
		},
		{
			name: "recipient mismatch",
			details: []chain.TxDetail{
				{Address: "bc1qa", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
				{Address: "bc1qz", Category: "send", Amount: decimal.RequireFromString("-0.20000000")},
			},
		},
		{
			name: "output count mismatch",
			details: []chain.TxDetail{
				{Address: "bc1qa", Category: "send", Amount: decimal.RequireFromString("-0.10000000")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := ledgertest.NewStore()
			seedBitcoinCoin(t, store)

			ids := []int64{
				insertWithdrawal(t, store, models.Withdrawal{
					ClientID: 1, Key: "w", CoinSymbol: types.CoinBTC,
					Recipient: "bc1qa", Amount: decimal.RequireFromString("0.10000000"),
					FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
				}),
				insertWithdrawal(t, store, models.Withdrawal{
					ClientID: 2, Key: "w", CoinSymbol: types.CoinBTC,
					Recipient: "bc1qb", Amount: decimal.RequireFromString("0.20000000"),
					FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
				}),
			}

			btc := newFakeBitcoinClient()
			btc.history = []chain.WalletTx{
				{TxID: "batch-2", Category: "send", Comment: "2", Amount: decimal.RequireFromString("-0.30000000"), Confirmations: 1},
			}
			btc.txs["batch-2"] = &chain.TxInfo{
				TxID: "batch-2", Fee: decimal.RequireFromString("-0.00010000"),
				Confirmations: 1, Details: tt.details,
			}

			reconciler := engine.NewBitcoinReconciler(store, btc, &recordingPublisher{}, "hot", 10, testLogger(), testMetrics())
			err := reconciler.Run(context.Background())

			var inc *engine.InconsistencyError
			require.ErrorAs(t, err, &inc)
			assert.Equal(t, "BTC", inc.Coin)

			// no withdrawal settled, no state advanced
			for _, id := range ids {
				w, err := store.GetWithdrawal(context.Background(), id)
				require.NoError(t, err)
				assert.Equal(t, types.WithdrawalCreated, w.Status)
			}
			coin, err := store.GetCoin(context.Background(), types.CoinBTC)
			require.NoError(t, err)
			state, err := coin.UTXOState()
			require.NoError(t, err)
			assert.Equal(t, 0, state.WithdrawalCursor)
			assert.Empty(t, state.WithdrawalMilestone)
		})
	}
}

func TestReconcilerRejectsSendWithoutMemo(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)

	insertWithdrawal(t, store, models.Withdrawal{
		ClientID: 1, Key: "w", CoinSymbol: types.CoinBTC,
		Recipient: "bc1qa", Amount: decimal.RequireFromString("0.10000000"),
		FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
	})

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "rogue", Category: "send", Amount: decimal.RequireFromString("-0.05000000"), Confirmations: 1},
	}

	reconciler := engine.NewBitcoinReconciler(store, btc, &recordingPublisher{}, "hot", 10, testLogger(), testMetrics())
	err := reconciler.Run(context.Background())

	var inc *engine.InconsistencyError
	require.ErrorAs(t, err, &inc)
}

func TestReconcilerWaitsForConfirmation(t *testing.T) {
	store := ledgertest.NewStore()
	seedBitcoinCoin(t, store)

	insertWithdrawal(t, store, models.Withdrawal{
		ClientID: 1, Key: "w", CoinSymbol: types.CoinBTC,
		Recipient: "bc1qa", Amount: decimal.RequireFromString("0.10000000"),
		FeeSymbol: types.CoinBTC, Status: types.WithdrawalCreated,
	})

	btc := newFakeBitcoinClient()
	btc.history = []chain.WalletTx{
		{TxID: "batch-1", Category: "send", Comment: "1", Amount: decimal.RequireFromString("-0.10000000"), Confirmations: 0},
	}

	reconciler := engine.NewBitcoinReconciler(store, btc, &recordingPublisher{}, "hot", 10, testLogger(), testMetrics())
	require.NoError(t, reconciler.Run(context.Background()))

	w, err := store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalCreated, w.Status)
}
