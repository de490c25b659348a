package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// BitcoinDepositScanner walks the node wallet's transaction history and
// records incoming transfers to client addresses as unconfirmed deposits.
// The scan cursor is an absolute offset into the history; it lives in the
// coin row and advances under the coin row lock, so concurrent runs and the
// withdrawal tasks serialize on the same lock.
type BitcoinDepositScanner struct {
	store     ledger.Store
	btc       chain.BitcoinClient
	publisher broker.Publisher
	account   string
	step      int
	logger    *logging.Logger
	metrics   *Metrics
}

// NewBitcoinDepositScanner creates the scanner. step bounds how many wallet
// history entries one run consumes.
func NewBitcoinDepositScanner(store ledger.Store, btc chain.BitcoinClient, publisher broker.Publisher, account string, step int, logger *logging.Logger, metrics *Metrics) *BitcoinDepositScanner {
	return &BitcoinDepositScanner{
		store:     store,
		btc:       btc,
		publisher: publisher,
		account:   account,
		step:      step,
		logger:    logger.WithField("component", "btc_deposit_scanner"),
		metrics:   metrics,
	}
}

// Run performs one scan cycle.
func (s *BitcoinDepositScanner) Run(ctx context.Context) error {
	var created []models.Deposit

	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		coin, err := tx.LockCoin(ctx, types.CoinBTC)
		if err != nil {
			return fmt.Errorf("failed to lock coin: %w", err)
		}
		state, err := coin.UTXOState()
		if err != nil {
			return err
		}

		page, err := s.btc.ListTransactions(ctx, s.account, s.step, state.DepositCursor)
		if err != nil {
			return fmt.Errorf("failed to list wallet transactions: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		for _, entry := range page {
			deposit, err := s.recordDeposit(ctx, tx, coin, entry)
			if err != nil {
				return err
			}
			if deposit != nil {
				created = append(created, *deposit)
			}
		}

		// the cursor covers every entry seen, deposits or not, so the
		// next run resumes after this page
		state.DepositCursor += len(page)
		s.metrics.ScanCursor.WithLabelValues(string(types.CoinBTC)).Set(float64(state.DepositCursor))
		return tx.SaveCoinState(ctx, types.CoinBTC, coin.State)
	})
	if err != nil {
		return err
	}

	for _, deposit := range created {
		s.metrics.Deposits.WithLabelValues(string(types.CoinBTC), "detected").Inc()
		event := broker.DepositEvent{
			DepositID:  deposit.ID,
			CoinSymbol: deposit.CoinSymbol,
			ClientID:   deposit.ClientID,
			TxHash:     deposit.TxHash,
			Amount:     types.FormatLedger(deposit.Amount),
			Status:     string(deposit.Status),
		}
		if err := s.publisher.PublishDepositEvent(ctx, broker.QueueDepositCreation, event); err != nil {
			s.logger.WithError(err).WithField("deposit", deposit.ID).Warn("failed to publish deposit event")
		}
	}
	return nil
}

// recordDeposit inserts one wallet history entry as a deposit if it is an
// incoming transfer to a known client address. Returns nil when the entry
// is skipped.
func (s *BitcoinDepositScanner) recordDeposit(ctx context.Context, tx ledger.Tx, coin *models.Coin, entry chain.WalletTx) (*models.Deposit, error) {
	if entry.Category != "receive" || !entry.Amount.IsPositive() {
		return nil, nil
	}

	addr, err := tx.GetAddrByAddress(ctx, types.ChainBitcoin, entry.Address)
	if errors.Is(err, ledger.ErrNotFound) {
		// wallet change or an address we did not hand out
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	exists, err := tx.DepositExists(ctx, types.CoinBTC, entry.TxID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	deposit := &models.Deposit{
		CoinSymbol: types.CoinBTC,
		ClientID:   addr.ClientID,
		AddrPath:   addr.Path,
		Amount:     entry.Amount.Truncate(types.LedgerDecimals),
		FeeAmount:  coin.DepositFeeAmount,
		FeeSymbol:  coin.DepositFeeSymbol,
		Status:     types.DepositUnconfirmed,
		TxHash:     entry.TxID,
		Recipient:  entry.Address,
	}
	if err := tx.InsertDeposit(ctx, deposit); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil, nil
		}
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"deposit": deposit.ID,
		"client":  addr.ClientID,
		"tx":      entry.TxID,
		"amount":  types.FormatLedger(deposit.Amount),
	}).Info("deposit detected")
	return deposit, nil
}
