package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// BitcoinReconciler settles broadcast withdrawal batches against the node
// wallet history. A batch send carries the highest withdrawal id it paid as
// its memo; every created withdrawal with an id up to the memo belongs to
// the batch and must match one of the transaction's outputs exactly. The
// batch settles all-or-nothing: any mismatch stops the coin with an
// inconsistency instead of finishing a subset.
type BitcoinReconciler struct {
	store     ledger.Store
	btc       chain.BitcoinClient
	publisher broker.Publisher
	account   string
	scanStep  int
	logger    *logging.Logger
	metrics   *Metrics
}

// NewBitcoinReconciler creates the reconciler.
func NewBitcoinReconciler(store ledger.Store, btc chain.BitcoinClient, publisher broker.Publisher, account string, scanStep int, logger *logging.Logger, metrics *Metrics) *BitcoinReconciler {
	return &BitcoinReconciler{
		store:     store,
		btc:       btc,
		publisher: publisher,
		account:   account,
		scanStep:  scanStep,
		logger:    logger.WithField("component", "btc_reconciler"),
		metrics:   metrics,
	}
}

// Run performs one reconciliation cycle.
func (r *BitcoinReconciler) Run(ctx context.Context) error {
	var settled []models.Withdrawal
	var batchTx string

	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		coin, err := tx.LockCoin(ctx, types.CoinBTC)
		if err != nil {
			return fmt.Errorf("failed to lock coin: %w", err)
		}
		state, err := coin.UTXOState()
		if err != nil {
			return err
		}

		first, err := tx.FirstCreatedWithdrawal(ctx, types.CoinBTC)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		entry, position, found, err := r.findBatch(ctx, state.WithdrawalCursor, first.ID)
		if err != nil {
			return err
		}
		if !found {
			// nothing broadcast yet
			return nil
		}
		if entry.Confirmations < 1 {
			// wait for inclusion before settling
			return nil
		}

		memo, _ := parseBatchMemo(*entry)
		settled, err = r.settleBatch(ctx, tx, entry.TxID, memo)
		if err != nil {
			return err
		}

		state.WithdrawalCursor = position + 1
		state.WithdrawalMilestone = entry.TxID
		batchTx = entry.TxID
		return tx.SaveCoinState(ctx, types.CoinBTC, coin.State)
	})
	if err != nil {
		return err
	}

	for _, w := range settled {
		r.metrics.Withdrawals.WithLabelValues(string(types.CoinBTC), "finished").Inc()
		event := broker.WithdrawalEvent{
			WithdrawalID: w.ID,
			ClientID:     w.ClientID,
			Key:          w.Key,
			CoinSymbol:   w.CoinSymbol,
			TxHash:       batchTx,
			Status:       string(types.WithdrawalFinished),
		}
		if err := r.publisher.PublishWithdrawalEvent(ctx, broker.QueueWithdrawalUpdate, event); err != nil {
			r.logger.WithError(err).WithField("withdrawal", w.ID).Warn("failed to publish withdrawal update")
		}
	}
	return nil
}

// findBatch scans wallet sends from the withdrawal cursor and returns the
// first entry whose memo covers the oldest pending withdrawal, with its
// absolute position in the history.
func (r *BitcoinReconciler) findBatch(ctx context.Context, cursor int, firstPendingID int64) (*chain.WalletTx, int, bool, error) {
	offset := cursor
	for {
		page, err := r.btc.ListTransactions(ctx, r.account, r.scanStep, offset)
		if err != nil {
			return nil, 0, false, fmt.Errorf("failed to list wallet transactions: %w", err)
		}
		for i, entry := range page {
			if entry.Category != "send" {
				continue
			}
			memo, ok := parseBatchMemo(entry)
			if !ok {
				return nil, 0, false, inconsistency(string(types.CoinBTC),
					"wallet send %s carries no batch memo", entry.TxID)
			}
			if memo >= firstPendingID {
				found := entry
				return &found, offset + i, true, nil
			}
		}
		if len(page) < r.scanStep {
			return nil, 0, false, nil
		}
		offset += len(page)
	}
}

// settleBatch matches the batch transaction's outputs against the locked
// withdrawals and finishes them with their network fee share.
func (r *BitcoinReconciler) settleBatch(ctx context.Context, tx ledger.Tx, txid string, memo int64) ([]models.Withdrawal, error) {
	withdrawals, err := tx.LockCreatedWithdrawalsUpTo(ctx, types.CoinBTC, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch withdrawals: %w", err)
	}
	if len(withdrawals) == 0 {
		return nil, inconsistency(string(types.CoinBTC), "batch %s memo %d matches no created withdrawals", txid, memo)
	}

	info, err := r.btc.GetTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch transaction: %w", err)
	}

	if err := matchBatchOutputs(txid, withdrawals, info.Details); err != nil {
		return nil, err
	}

	shares := splitFee(info.Fee.Abs(), len(withdrawals))
	for i, w := range withdrawals {
		if err := tx.FinishWithdrawal(ctx, w.ID, txid, shares[i]); err != nil {
			return nil, fmt.Errorf("failed to finish withdrawal %d: %w", w.ID, err)
		}
		r.logger.WithFields(map[string]interface{}{
			"withdrawal": w.ID,
			"client":     w.ClientID,
			"tx":         txid,
			"fee":        types.FormatLedger(shares[i]),
		}).Info("withdrawal finished")
	}
	return withdrawals, nil
}

// matchBatchOutputs asserts a one-to-one correspondence between the batch
// withdrawals and the transaction's send outputs.
func matchBatchOutputs(txid string, withdrawals []models.Withdrawal, details []chain.TxDetail) error {
	var sends []chain.TxDetail
	for _, d := range details {
		if d.Category == "send" {
			sends = append(sends, d)
		}
	}
	if len(sends) != len(withdrawals) {
		return inconsistency(string(types.CoinBTC),
			"batch %s pays %d outputs but %d withdrawals are pending", txid, len(sends), len(withdrawals))
	}

	sortedWithdrawals := append([]models.Withdrawal(nil), withdrawals...)
	sort.Slice(sortedWithdrawals, func(i, j int) bool {
		return sortedWithdrawals[i].Recipient < sortedWithdrawals[j].Recipient
	})
	sort.Slice(sends, func(i, j int) bool { return sends[i].Address < sends[j].Address })

	for i, w := range sortedWithdrawals {
		paid := sends[i].Amount.Abs()
		if sends[i].Address != w.Recipient || !paid.Equal(w.Amount) {
			return inconsistency(string(types.CoinBTC),
				"batch %s output %s/%s does not match withdrawal %d %s/%s",
				txid, sends[i].Address, paid, w.ID, w.Recipient, w.Amount)
		}
	}
	return nil
}

// splitFee divides the batch network fee across n withdrawals at ledger
// precision; the truncation remainder lands on the first share.
func splitFee(total decimal.Decimal, n int) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	base := total.Div(decimal.NewFromInt(int64(n))).Truncate(types.LedgerDecimals)
	distributed := decimal.Zero
	for i := range shares {
		shares[i] = base
		distributed = distributed.Add(base)
	}
	shares[0] = shares[0].Add(total.Sub(distributed)).Truncate(types.LedgerDecimals)
	return shares
}
