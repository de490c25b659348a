package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// ConfirmationCounter reports how many confirmations a deposit's
// transaction has accumulated.
type ConfirmationCounter func(ctx context.Context, deposit *models.Deposit) (int64, error)

// BitcoinConfirmations counts confirmations through the node wallet.
func BitcoinConfirmations(btc chain.BitcoinClient) ConfirmationCounter {
	return func(ctx context.Context, deposit *models.Deposit) (int64, error) {
		info, err := btc.GetTransaction(ctx, deposit.TxHash)
		if err != nil {
			return 0, err
		}
		return info.Confirmations, nil
	}
}

// EthereumConfirmations counts confirmations from the recorded inclusion
// height against the current head.
func EthereumConfirmations(eth chain.EthereumClient) ConfirmationCounter {
	return func(ctx context.Context, deposit *models.Deposit) (int64, error) {
		if deposit.BlockHeight == 0 {
			return 0, nil
		}
		head, err := eth.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		if head < deposit.BlockHeight {
			return 0, nil
		}
		return int64(head-deposit.BlockHeight) + 1, nil // #nosec G115 - depth is small
	}
}

// ConfirmationSettler promotes unconfirmed deposits that reached the
// confirmation threshold and credits the client account. The status flip
// and the credit commit in one transaction, and the flip is conditional on
// the current status, so a deposit is credited exactly once no matter how
// many settler runs observe it.
type ConfirmationSettler struct {
	store     ledger.Store
	publisher broker.Publisher
	symbol    types.CoinSymbol
	threshold int64
	counter   ConfirmationCounter
	logger    *logging.Logger
	metrics   *Metrics
}

// NewConfirmationSettler creates a settler for one coin.
func NewConfirmationSettler(store ledger.Store, publisher broker.Publisher, symbol types.CoinSymbol, threshold int64, counter ConfirmationCounter, logger *logging.Logger, metrics *Metrics) *ConfirmationSettler {
	return &ConfirmationSettler{
		store:     store,
		publisher: publisher,
		symbol:    symbol,
		threshold: threshold,
		counter:   counter,
		logger:    logger.WithField("component", "settler").WithField("coin", symbol),
		metrics:   metrics,
	}
}

// Run performs one settlement cycle.
func (s *ConfirmationSettler) Run(ctx context.Context) error {
	deposits, err := s.store.ListDepositsByStatus(ctx, s.symbol, types.DepositUnconfirmed)
	if err != nil {
		return fmt.Errorf("failed to list unconfirmed deposits: %w", err)
	}

	for i := range deposits {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.settle(ctx, &deposits[i]); err != nil {
			return fmt.Errorf("settling deposit %d: %w", deposits[i].ID, err)
		}
	}

	// confirmed deposits whose update event did not go out yet are
	// re-published here, so notification is at-least-once
	confirmed, err := s.store.ListDepositsByStatus(ctx, s.symbol, types.DepositConfirmed)
	if err != nil {
		return fmt.Errorf("failed to list confirmed deposits: %w", err)
	}
	for i := range confirmed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.finish(ctx, &confirmed[i]); err != nil {
			return fmt.Errorf("finishing deposit %d: %w", confirmed[i].ID, err)
		}
	}
	return nil
}

func (s *ConfirmationSettler) settle(ctx context.Context, deposit *models.Deposit) error {
	depth, err := s.counter(ctx, deposit)
	if err != nil {
		return err
	}
	if depth < s.threshold {
		return nil
	}

	credited := false
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		ok, err := tx.ConfirmDeposit(ctx, deposit.ID)
		if err != nil {
			return err
		}
		if !ok {
			// another run got here first
			return nil
		}

		if err := tx.EnsureAccount(ctx, deposit.ClientID, deposit.CoinSymbol); err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, deposit.ClientID, deposit.CoinSymbol); err != nil {
			return err
		}
		if err := tx.CreditAccount(ctx, deposit.ClientID, deposit.CoinSymbol, s.creditedAmount(deposit)); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil || !credited {
		return err
	}

	s.metrics.Deposits.WithLabelValues(string(s.symbol), "confirmed").Inc()
	s.logger.WithFields(map[string]interface{}{
		"deposit":       deposit.ID,
		"client":        deposit.ClientID,
		"confirmations": depth,
	}).Info("deposit confirmed and credited")
	return s.finish(ctx, deposit)
}

// finish publishes the confirmation event and moves the deposit to
// finished. The event goes out before the flip, so a crash in between
// yields a duplicate event on the next run, never a lost one.
func (s *ConfirmationSettler) finish(ctx context.Context, deposit *models.Deposit) error {
	event := broker.DepositEvent{
		DepositID:  deposit.ID,
		CoinSymbol: deposit.CoinSymbol,
		ClientID:   deposit.ClientID,
		TxHash:     deposit.TxHash,
		Amount:     types.FormatLedger(deposit.Amount),
		Status:     string(types.DepositConfirmed),
	}
	if err := s.publisher.PublishDepositEvent(ctx, broker.QueueDepositUpdate, event); err != nil {
		s.logger.WithError(err).WithField("deposit", deposit.ID).Warn("failed to publish deposit update")
		return nil
	}

	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.FinishDeposit(ctx, deposit.ID)
	})
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return nil
}

// creditedAmount is the deposit amount net of the configured deposit fee.
// Fees charged in another currency do not reduce the credit; a fee that
// would exceed the deposit consumes it entirely.
func (s *ConfirmationSettler) creditedAmount(deposit *models.Deposit) decimal.Decimal {
	if deposit.FeeAmount.IsZero() || deposit.FeeSymbol != deposit.CoinSymbol {
		return deposit.Amount
	}
	net := deposit.Amount.Sub(deposit.FeeAmount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}
