package broker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/ledgertest"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

type recordingPublisher struct {
	mu          sync.Mutex
	withdrawals []broker.WithdrawalEvent
	deposits    []broker.DepositEvent
}

func (p *recordingPublisher) PublishDepositEvent(ctx context.Context, queue string, event broker.DepositEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deposits = append(p.deposits, event)
	return nil
}

func (p *recordingPublisher) PublishWithdrawalEvent(ctx context.Context, queue string, event broker.WithdrawalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawals = append(p.withdrawals, event)
	return nil
}

func (p *recordingPublisher) lastWithdrawalEvent() broker.WithdrawalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdrawals[len(p.withdrawals)-1]
}

type allowAllValidator struct{ invalid map[string]bool }

func (v allowAllValidator) IsValidAddress(chain types.Chain, addr string) bool {
	return !v.invalid[addr]
}

func newTestIntake(t *testing.T) (*broker.Intake, *ledgertest.Store, *recordingPublisher) {
	t.Helper()
	store := ledgertest.NewStore()
	publisher := &recordingPublisher{}
	logger := logging.New(logging.LevelError, logging.FormatText)
	intake := broker.NewIntake(store, allowAllValidator{invalid: map[string]bool{"bogus": true}}, publisher, logger)
	return intake, store, publisher
}

func seedCoinAndBalance(t *testing.T, store *ledgertest.Store, symbol types.CoinSymbol, balance string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InsertCoin(ctx, &models.Coin{
		Symbol:              symbol,
		Chain:               types.ChainBitcoin,
		DepositFeeSymbol:    symbol,
		WithdrawalFeeSymbol: symbol,
		State:               models.ScanState{UTXO: &models.UTXOScanState{}},
	}))
	require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.EnsureAccount(ctx, 7, symbol); err != nil {
			return err
		}
		return tx.CreditAccount(ctx, 7, symbol, decimal.RequireFromString(balance))
	}))
}

func TestIntakeCreatesWithdrawalAndDebitsBalance(t *testing.T) {
	intake, store, publisher := newTestIntake(t)
	seedCoinAndBalance(t, store, types.CoinBTC, "2.50000000")
	ctx := context.Background()

	req := broker.WithdrawalRequest{
		ClientID:   7,
		Key:        "req-1",
		CoinSymbol: types.CoinBTC,
		Recipient:  "bc1qrecipient",
		Amount:     decimal.RequireFromString("1.00000000"),
	}
	require.NoError(t, intake.Handle(ctx, req))

	w, err := store.GetWithdrawalByKey(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalCreated, w.Status)
	assert.Equal(t, "1", w.Amount.String())

	acct, err := store.GetAccount(ctx, 7, types.CoinBTC)
	require.NoError(t, err)
	assert.Equal(t, "1.5", acct.Balance.String())

	event := publisher.lastWithdrawalEvent()
	assert.Equal(t, "created", event.Status)
	assert.Equal(t, w.ID, event.WithdrawalID)
}

func TestIntakeIsIdempotentPerKey(t *testing.T) {
	intake, store, _ := newTestIntake(t)
	seedCoinAndBalance(t, store, types.CoinBTC, "5.00000000")
	ctx := context.Background()

	req := broker.WithdrawalRequest{
		ClientID:   7,
		Key:        "req-dup",
		CoinSymbol: types.CoinBTC,
		Recipient:  "bc1qrecipient",
		Amount:     decimal.RequireFromString("1.00000000"),
	}
	require.NoError(t, intake.Handle(ctx, req))
	require.NoError(t, intake.Handle(ctx, req))
	require.NoError(t, intake.Handle(ctx, req))

	// only one debit happened
	acct, err := store.GetAccount(ctx, 7, types.CoinBTC)
	require.NoError(t, err)
	assert.Equal(t, "4", acct.Balance.String())

	withdrawals, err := store.ListCreatedWithdrawals(ctx, types.CoinBTC, 0)
	require.NoError(t, err)
	assert.Len(t, withdrawals, 1)
}

func TestIntakeRejections(t *testing.T) {
	tests := []struct {
		name   string
		req    broker.WithdrawalRequest
		reason string
	}{
		{
			name: "insufficient balance",
			req: broker.WithdrawalRequest{
				ClientID:   7,
				Key:        "req-poor",
				CoinSymbol: types.CoinBTC,
				Recipient:  "bc1qrecipient",
				Amount:     decimal.RequireFromString("100"),
			},
			reason: "insufficient balance",
		},
		{
			name: "invalid recipient",
			req: broker.WithdrawalRequest{
				ClientID:   7,
				Key:        "req-bad-addr",
				CoinSymbol: types.CoinBTC,
				Recipient:  "bogus",
				Amount:     decimal.RequireFromString("1"),
			},
			reason: "invalid recipient address",
		},
		{
			name: "unsupported coin",
			req: broker.WithdrawalRequest{
				ClientID:   7,
				Key:        "req-alt",
				CoinSymbol: "DOGE",
				Recipient:  "bc1qrecipient",
				Amount:     decimal.RequireFromString("1"),
			},
			reason: "unsupported coin",
		},
		{
			name: "negative amount",
			req: broker.WithdrawalRequest{
				ClientID:   7,
				Key:        "req-neg",
				CoinSymbol: types.CoinBTC,
				Recipient:  "bc1qrecipient",
				Amount:     decimal.RequireFromString("-1"),
			},
			reason: "amount must be positive",
		},
		{
			name: "too many decimals",
			req: broker.WithdrawalRequest{
				ClientID:   7,
				Key:        "req-dust",
				CoinSymbol: types.CoinBTC,
				Recipient:  "bc1qrecipient",
				Amount:     decimal.RequireFromString("0.000000001"),
			},
			reason: "amount precision exceeds ledger decimals",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intake, store, publisher := newTestIntake(t)
			seedCoinAndBalance(t, store, types.CoinBTC, "2.00000000")
			ctx := context.Background()

			require.NoError(t, intake.Handle(ctx, tt.req))

			event := publisher.lastWithdrawalEvent()
			assert.Equal(t, "rejected", event.Status)
			assert.Equal(t, tt.reason, event.Reason)

			// nothing was stored or debited
			_, err := store.GetWithdrawalByKey(ctx, tt.req.ClientID, tt.req.Key)
			assert.ErrorIs(t, err, ledger.ErrNotFound)
			acct, err := store.GetAccount(ctx, 7, types.CoinBTC)
			require.NoError(t, err)
			assert.Equal(t, "2", acct.Balance.String())
		})
	}
}

func TestIntakeDebitsTokenFeeFromGasAccount(t *testing.T) {
	intake, store, _ := newTestIntake(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCoin(ctx, &models.Coin{
		Symbol:              "USDT",
		Chain:               types.ChainEthereum,
		DepositFeeSymbol:    types.CoinETH,
		WithdrawalFeeAmount: decimal.RequireFromString("0.00210000"),
		WithdrawalFeeSymbol: types.CoinETH,
		State:               models.ScanState{Account: &models.AccountScanState{}},
	}))
	require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.EnsureAccount(ctx, 7, "USDT"); err != nil {
			return err
		}
		if err := tx.CreditAccount(ctx, 7, "USDT", decimal.RequireFromString("50")); err != nil {
			return err
		}
		if err := tx.EnsureAccount(ctx, 7, types.CoinETH); err != nil {
			return err
		}
		return tx.CreditAccount(ctx, 7, types.CoinETH, decimal.RequireFromString("0.01"))
	}))

	req := broker.WithdrawalRequest{
		ClientID:   7,
		Key:        "req-token",
		CoinSymbol: "USDT",
		Recipient:  "0xabc",
		Amount:     decimal.RequireFromString("20"),
	}
	require.NoError(t, intake.Handle(ctx, req))

	tokenAcct, err := store.GetAccount(ctx, 7, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "30", tokenAcct.Balance.String())

	gasAcct, err := store.GetAccount(ctx, 7, types.CoinETH)
	require.NoError(t, err)
	assert.Equal(t, "0.0079", gasAcct.Balance.String())
}
