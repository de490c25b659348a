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

const etherDecimals = 18

// EthereumDepositScanner walks account chain blocks and records native
// transfers to client addresses as unconfirmed deposits. The cursor is the
// last fully scanned block height and is committed per block, so a crash
// mid-run never rescans more than the block in flight.
type EthereumDepositScanner struct {
	store      ledger.Store
	eth        chain.EthereumClient
	publisher  broker.Publisher
	step       uint64
	headLag    uint64
	minDeposit decimal.Decimal
	pocket     string
	logger     *logging.Logger
	metrics    *Metrics
}

// NewEthereumDepositScanner creates the scanner. headLag blocks below the
// chain head are left unscanned to sidestep shallow reorgs; transfers sent
// from pocket are the engine's own gas prefunding and never client
// deposits, even when they land on a client address.
func NewEthereumDepositScanner(store ledger.Store, eth chain.EthereumClient, publisher broker.Publisher, step, headLag uint64, minDeposit decimal.Decimal, pocket string, logger *logging.Logger, metrics *Metrics) *EthereumDepositScanner {
	return &EthereumDepositScanner{
		store:      store,
		eth:        eth,
		publisher:  publisher,
		step:       step,
		headLag:    headLag,
		minDeposit: minDeposit,
		pocket:     pocket,
		logger:     logger.WithField("component", "eth_deposit_scanner"),
		metrics:    metrics,
	}
}

// Run performs one scan cycle.
func (s *EthereumDepositScanner) Run(ctx context.Context) error {
	coin, err := s.store.GetCoin(ctx, types.CoinETH)
	if err != nil {
		return fmt.Errorf("failed to load coin: %w", err)
	}
	state, err := coin.AccountState()
	if err != nil {
		return err
	}

	target, err := s.scanTarget(ctx, state.DepositCursor)
	if err != nil || target <= state.DepositCursor {
		return err
	}

	for number := state.DepositCursor + 1; number <= target; number++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.scanBlock(ctx, number); err != nil {
			return fmt.Errorf("scanning block %d: %w", number, err)
		}
	}
	return nil
}

// scanTarget bounds one run: never beyond head minus the reorg lag, never
// more than step blocks at once.
func (s *EthereumDepositScanner) scanTarget(ctx context.Context, cursor uint64) (uint64, error) {
	head, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get chain head: %w", err)
	}
	if head < s.headLag {
		return 0, nil
	}
	target := head - s.headLag
	if max := cursor + s.step; target > max {
		target = max
	}
	return target, nil
}

func (s *EthereumDepositScanner) scanBlock(ctx context.Context, number uint64) error {
	block, err := s.eth.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}

	// resolve candidates before opening the transaction so no row locks
	// are held across RPC calls
	candidates, err := s.collectDeposits(ctx, block)
	if err != nil {
		return err
	}

	var created []models.Deposit
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		coin, err := tx.LockCoin(ctx, types.CoinETH)
		if err != nil {
			return err
		}
		state, err := coin.AccountState()
		if err != nil {
			return err
		}
		if state.DepositCursor != number-1 {
			// another instance advanced the cursor past this block
			return nil
		}

		for i := range candidates {
			candidates[i].FeeAmount = coin.DepositFeeAmount
			candidates[i].FeeSymbol = coin.DepositFeeSymbol
			if err := tx.InsertDeposit(ctx, &candidates[i]); err != nil {
				if errors.Is(err, ledger.ErrDuplicate) {
					continue
				}
				return err
			}
			created = append(created, candidates[i])
		}

		state.DepositCursor = number
		s.metrics.ScanCursor.WithLabelValues(string(types.CoinETH)).Set(float64(number))
		return tx.SaveCoinState(ctx, types.CoinETH, coin.State)
	})
	if err != nil {
		return err
	}

	s.publishCreated(ctx, s.logger, s.publisher, s.metrics, created)
	return nil
}

func (s *EthereumDepositScanner) collectDeposits(ctx context.Context, block *chain.Block) ([]models.Deposit, error) {
	var out []models.Deposit
	for _, tx := range block.Txs {
		if tx.To == "" || tx.From == s.pocket || tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}

		addr, err := s.store.GetAddrByAddress(ctx, types.ChainEthereum, tx.To)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		amount := types.FromNative(tx.Value, etherDecimals)
		if amount.LessThan(s.minDeposit) {
			continue
		}

		ok, err := s.eth.ReceiptSucceeded(ctx, tx.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		out = append(out, models.Deposit{
			CoinSymbol:  types.CoinETH,
			ClientID:    addr.ClientID,
			AddrPath:    addr.Path,
			Amount:      amount,
			Status:      types.DepositUnconfirmed,
			TxHash:      tx.Hash,
			BlockHash:   block.Hash,
			BlockHeight: block.Number,
			Sender:      tx.From,
			Recipient:   tx.To,
		})
	}
	return out, nil
}

func (s *EthereumDepositScanner) publishCreated(ctx context.Context, log *logging.Logger, publisher broker.Publisher, metrics *Metrics, created []models.Deposit) {
	for _, deposit := range created {
		metrics.Deposits.WithLabelValues(string(deposit.CoinSymbol), "detected").Inc()
		log.WithFields(map[string]interface{}{
			"deposit": deposit.ID,
			"client":  deposit.ClientID,
			"tx":      deposit.TxHash,
			"amount":  types.FormatLedger(deposit.Amount),
		}).Info("deposit detected")

		event := broker.DepositEvent{
			DepositID:  deposit.ID,
			CoinSymbol: deposit.CoinSymbol,
			ClientID:   deposit.ClientID,
			TxHash:     deposit.TxHash,
			Amount:     types.FormatLedger(deposit.Amount),
			Status:     string(deposit.Status),
		}
		if err := publisher.PublishDepositEvent(ctx, broker.QueueDepositCreation, event); err != nil {
			log.WithError(err).WithField("deposit", deposit.ID).Warn("failed to publish deposit event")
		}
	}
}

// TokenDepositScanner records ERC-20 Transfer events to client addresses
// as deposits of the token's coin. Each token has its own coin row and
// cursor; amounts are converted from the token's native decimals down to
// ledger precision, truncating.
type TokenDepositScanner struct {
	store      ledger.Store
	eth        chain.EthereumClient
	publisher  broker.Publisher
	symbol     types.CoinSymbol
	contract   string
	decimals   int32
	step       uint64
	headLag    uint64
	minDeposit decimal.Decimal
	logger     *logging.Logger
	metrics    *Metrics
}

// NewTokenDepositScanner creates a scanner for one token contract.
func NewTokenDepositScanner(store ledger.Store, eth chain.EthereumClient, publisher broker.Publisher, symbol types.CoinSymbol, contract string, decimals int32, step, headLag uint64, minDeposit decimal.Decimal, logger *logging.Logger, metrics *Metrics) *TokenDepositScanner {
	return &TokenDepositScanner{
		store:      store,
		eth:        eth,
		publisher:  publisher,
		symbol:     symbol,
		contract:   contract,
		decimals:   decimals,
		step:       step,
		headLag:    headLag,
		minDeposit: minDeposit,
		logger:     logger.WithField("component", "token_deposit_scanner").WithField("coin", symbol),
		metrics:    metrics,
	}
}

// Run performs one scan cycle.
func (s *TokenDepositScanner) Run(ctx context.Context) error {
	coin, err := s.store.GetCoin(ctx, s.symbol)
	if err != nil {
		return fmt.Errorf("failed to load coin: %w", err)
	}
	state, err := coin.AccountState()
	if err != nil {
		return err
	}

	head, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain head: %w", err)
	}
	if head < s.headLag {
		return nil
	}
	target := head - s.headLag
	if max := state.DepositCursor + s.step; target > max {
		target = max
	}
	if target <= state.DepositCursor {
		return nil
	}

	events, err := s.eth.TransferLogs(ctx, s.contract, state.DepositCursor+1, target)
	if err != nil {
		return fmt.Errorf("failed to query transfer logs: %w", err)
	}
	candidates, err := s.collectDeposits(ctx, events)
	if err != nil {
		return err
	}

	var created []models.Deposit
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		coin, err := tx.LockCoin(ctx, s.symbol)
		if err != nil {
			return err
		}
		state, err := coin.AccountState()
		if err != nil {
			return err
		}
		if state.DepositCursor >= target {
			return nil
		}

		for i := range candidates {
			candidates[i].FeeAmount = coin.DepositFeeAmount
			candidates[i].FeeSymbol = coin.DepositFeeSymbol
			if err := tx.InsertDeposit(ctx, &candidates[i]); err != nil {
				if errors.Is(err, ledger.ErrDuplicate) {
					continue
				}
				return err
			}
			created = append(created, candidates[i])
		}

		state.DepositCursor = target
		s.metrics.ScanCursor.WithLabelValues(string(s.symbol)).Set(float64(target))
		return tx.SaveCoinState(ctx, s.symbol, coin.State)
	})
	if err != nil {
		return err
	}

	for _, deposit := range created {
		s.metrics.Deposits.WithLabelValues(string(s.symbol), "detected").Inc()
		s.logger.WithFields(map[string]interface{}{
			"deposit": deposit.ID,
			"client":  deposit.ClientID,
			"tx":      deposit.TxHash,
			"amount":  types.FormatLedger(deposit.Amount),
		}).Info("deposit detected")

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

func (s *TokenDepositScanner) collectDeposits(ctx context.Context, events []chain.TransferEvent) ([]models.Deposit, error) {
	var out []models.Deposit
	for _, event := range events {
		if event.Value == nil || event.Value.Sign() <= 0 {
			continue
		}

		addr, err := s.store.GetAddrByAddress(ctx, types.ChainEthereum, event.To)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		amount := types.FromNative(event.Value, s.decimals)
		if amount.LessThan(s.minDeposit) || amount.IsZero() {
			continue
		}

		ok, err := s.eth.ReceiptSucceeded(ctx, event.TxHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		out = append(out, models.Deposit{
			CoinSymbol:  s.symbol,
			ClientID:    addr.ClientID,
			AddrPath:    addr.Path,
			Amount:      amount,
			Status:      types.DepositUnconfirmed,
			TxHash:      event.TxHash,
			BlockHash:   event.BlockHash,
			BlockHeight: event.BlockNumber,
			Sender:      event.From,
			Recipient:   event.To,
		})
	}
	return out, nil
}
