package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// BitcoinBroadcaster batches created withdrawals into one sendmany payment.
// The batch travels with a memo holding the highest withdrawal id it
// contains, which is what the reconciler later matches the wallet history
// against. A new batch goes out only when no previous batch is still
// waiting for reconciliation, so at most one batch is ever outstanding.
type BitcoinBroadcaster struct {
	store     ledger.Store
	btc       chain.BitcoinClient
	account   string
	batchSize int
	scanStep  int
	logger    *logging.Logger
	metrics   *Metrics
}

// NewBitcoinBroadcaster creates the broadcaster. batchSize bounds how many
// withdrawals one payment carries; scanStep is the wallet history page size
// used when probing for an outstanding batch.
func NewBitcoinBroadcaster(store ledger.Store, btc chain.BitcoinClient, account string, batchSize, scanStep int, logger *logging.Logger, metrics *Metrics) *BitcoinBroadcaster {
	return &BitcoinBroadcaster{
		store:     store,
		btc:       btc,
		account:   account,
		batchSize: batchSize,
		scanStep:  scanStep,
		logger:    logger.WithField("component", "btc_broadcaster"),
		metrics:   metrics,
	}
}

// Run performs one broadcast cycle.
func (b *BitcoinBroadcaster) Run(ctx context.Context) error {
	return b.store.InTx(ctx, func(tx ledger.Tx) error {
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

		outstanding, err := b.hasOutstandingBatch(ctx, state, first.ID)
		if err != nil {
			return err
		}
		if outstanding {
			// previous batch still unreconciled, the reconciler goes first
			b.logger.Debug("outstanding batch found, skipping broadcast")
			return nil
		}

		return b.broadcast(ctx, tx, state)
	})
}

// hasOutstandingBatch scans wallet sends from the withdrawal cursor for a
// batch memo covering the oldest pending withdrawal. Such a send means a
// batch was broadcast but not yet reconciled; broadcasting again would pay
// those withdrawals twice.
func (b *BitcoinBroadcaster) hasOutstandingBatch(ctx context.Context, state *models.UTXOScanState, firstPendingID int64) (bool, error) {
	offset := state.WithdrawalCursor
	for {
		page, err := b.btc.ListTransactions(ctx, b.account, b.scanStep, offset)
		if err != nil {
			return false, fmt.Errorf("failed to list wallet transactions: %w", err)
		}
		for _, entry := range page {
			if entry.Category != "send" {
				continue
			}
			memo, ok := parseBatchMemo(entry)
			if !ok {
				// a send this engine did not produce; nothing here can
				// account for it
				return false, inconsistency(string(types.CoinBTC),
					"wallet send %s carries no batch memo", entry.TxID)
			}
			if memo >= firstPendingID {
				return true, nil
			}
		}
		if len(page) < b.scanStep {
			return false, nil
		}
		offset += len(page)
	}
}

func (b *BitcoinBroadcaster) broadcast(ctx context.Context, tx ledger.Tx, state *models.UTXOScanState) error {
	pending, err := tx.ListCreatedWithdrawals(ctx, types.CoinBTC, b.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list created withdrawals: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	// sendmany takes one amount per address, so a recipient appears in at
	// most one withdrawal per batch; later duplicates wait for the next one
	outputs := make(map[string]decimal.Decimal, len(pending))
	batch := pending[:0]
	for _, w := range pending {
		if _, dup := outputs[w.Recipient]; dup {
			break
		}
		outputs[w.Recipient] = w.Amount
		batch = append(batch, w)
	}

	if state.FeeRate != "" {
		feeRate, err := decimal.NewFromString(state.FeeRate)
		if err != nil {
			return fmt.Errorf("stored fee rate %q is invalid: %w", state.FeeRate, err)
		}
		if err := b.btc.SetFeeRate(ctx, feeRate); err != nil {
			return fmt.Errorf("failed to set fee rate: %w", err)
		}
	}

	memo := strconv.FormatInt(batch[len(batch)-1].ID, 10)
	txid, err := b.btc.SendMany(ctx, b.account, outputs, 1, memo)
	if err != nil {
		return fmt.Errorf("failed to broadcast batch: %w", err)
	}

	b.metrics.Withdrawals.WithLabelValues(string(types.CoinBTC), "broadcast").Inc()
	b.logger.WithFields(map[string]interface{}{
		"tx":    txid,
		"memo":  memo,
		"count": len(batch),
	}).Info("withdrawal batch broadcast")
	return nil
}

// parseBatchMemo extracts the batch memo from a wallet send entry. Every
// send this engine produces carries one.
func parseBatchMemo(entry chain.WalletTx) (int64, bool) {
	if entry.Comment == "" {
		return 0, false
	}
	memo, err := strconv.ParseInt(entry.Comment, 10, 64)
	if err != nil || memo <= 0 {
		return 0, false
	}
	return memo, true
}

// FeeRateRefresher keeps the coin row's cached fee rate in step with the
// node's estimate. The broadcaster applies the cached rate right before
// sending, so estimation failures never block a broadcast cycle.
type FeeRateRefresher struct {
	store      ledger.Store
	btc        chain.BitcoinClient
	confTarget int64
	logger     *logging.Logger
}

// NewFeeRateRefresher creates the refresher.
func NewFeeRateRefresher(store ledger.Store, btc chain.BitcoinClient, confTarget int64, logger *logging.Logger) *FeeRateRefresher {
	return &FeeRateRefresher{
		store:      store,
		btc:        btc,
		confTarget: confTarget,
		logger:     logger.WithField("component", "fee_refresher"),
	}
}

// Run fetches a fresh estimate and stores it on the coin row.
func (f *FeeRateRefresher) Run(ctx context.Context) error {
	feeRate, err := f.btc.EstimateFeeRate(ctx, f.confTarget)
	if err != nil {
		return fmt.Errorf("failed to estimate fee rate: %w", err)
	}
	if !feeRate.IsPositive() {
		return nil
	}

	return f.store.InTx(ctx, func(tx ledger.Tx) error {
		coin, err := tx.LockCoin(ctx, types.CoinBTC)
		if err != nil {
			return err
		}
		state, err := coin.UTXOState()
		if err != nil {
			return err
		}
		state.FeeRate = feeRate.String()
		f.logger.WithField("fee_rate", state.FeeRate).Debug("fee rate refreshed")
		return tx.SaveCoinState(ctx, types.CoinBTC, coin.State)
	})
}
