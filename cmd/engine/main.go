// Package main runs the hot wallet engine: deposit scanners, confirmation
// settlers, the nonce allocator, withdrawal broadcasters and the batch
// reconciler, plus the withdrawal intake consumer and the ops HTTP server.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/config"
	"github.com/hotwallet-engine/internal/engine"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/ops"
	"github.com/hotwallet-engine/internal/retry"
	"github.com/hotwallet-engine/internal/storage"
	"github.com/hotwallet-engine/internal/types"
	"github.com/hotwallet-engine/internal/wallet"
)

const migrationsPath = "migrations/postgres"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logger.Info("hot wallet engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("engine exited with error")
		os.Exit(1)
	}
	logger.Info("engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	hd, err := buildWallet(&cfg.Wallet)
	if err != nil {
		return err
	}

	retryCfg := retry.DefaultConfig()

	var db *storage.PostgresDB
	err = retry.WithExponentialBackoff(ctx, retryCfg, logger, "postgres connect", func(ctx context.Context) error {
		db, err = storage.NewPostgresDB(&cfg.Postgres)
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(cfg.Postgres.DatabaseURL(), migrationsPath); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	btc, err := chain.NewBitcoinRPC(&chain.BitcoinRPCConfig{
		Host:     cfg.Bitcoin.Host,
		User:     cfg.Bitcoin.User,
		Password: cfg.Bitcoin.Password,
		Params:   &chaincfg.MainNetParams,
	})
	if err != nil {
		return fmt.Errorf("connecting to bitcoin node: %w", err)
	}
	defer btc.Shutdown()

	var eth *chain.EthereumRPC
	err = retry.WithExponentialBackoff(ctx, retryCfg, logger, "ethereum connect", func(ctx context.Context) error {
		eth, err = chain.NewEthereumRPC(&chain.EthereumRPCConfig{
			RPCURL:          cfg.Ethereum.RPCURL,
			ChainID:         cfg.Ethereum.ChainID,
			BlocksPerSecond: cfg.Ethereum.BlocksPerSecond,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to ethereum node: %w", err)
	}
	defer eth.Close()

	var mq *broker.AMQPBroker
	err = retry.WithExponentialBackoff(ctx, retryCfg, logger, "amqp connect", func(ctx context.Context) error {
		mq, err = broker.NewAMQPBroker(cfg.AMQP.URL, logger)
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to amqp: %w", err)
	}
	defer mq.Close()

	store := storage.NewLedgerStore(db)
	if err := bootstrap(ctx, store, cfg, logger); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	pocketKey, err := hd.DeriveEthereumKey(cfg.Ethereum.PocketPath)
	if err != nil {
		return fmt.Errorf("deriving pocket key: %w", err)
	}
	pocketAddress := cfg.Ethereum.PocketAddress
	if pocketAddress == "" {
		pocketAddress, err = hd.DeriveAddress(types.ChainEthereum, cfg.Ethereum.PocketPath)
		if err != nil {
			return fmt.Errorf("deriving pocket address: %w", err)
		}
	}

	tasks, err := buildTasks(cfg, store, btc, eth, mq, pocketKey, pocketAddress, logger, metrics)
	if err != nil {
		return err
	}

	intake := broker.NewIntake(store, hd, mq, logger)
	go func() {
		if err := mq.ConsumeWithdrawalRequests(ctx, intake.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("withdrawal intake stopped")
		}
	}()

	opsServer := ops.NewServer(&ops.ServerConfig{Host: cfg.Ops.Host, Port: cfg.Ops.Port}, registry, map[string]ops.Pinger{
		"postgres": db,
		"bitcoin":  btc,
		"ethereum": eth,
	}, logger)
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.WithError(err).Error("ops server stopped")
		}
	}()

	scheduler := engine.NewScheduler(tasks, logger, metrics)
	scheduler.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return opsServer.Shutdown(shutdownCtx)
}

func buildWallet(cfg *config.WalletConfig) (*wallet.HDWallet, error) {
	var seed []byte
	var err error
	switch {
	case cfg.Mnemonic != "":
		seed, err = wallet.SeedFromMnemonic(cfg.Mnemonic)
	case cfg.SeedHex != "":
		seed, err = wallet.SeedFromHex(cfg.SeedHex)
	default:
		return nil, fmt.Errorf("wallet seed is not configured, set WALLET_MNEMONIC or WALLET_SEED_HEX")
	}
	if err != nil {
		return nil, fmt.Errorf("loading wallet seed: %w", err)
	}
	return wallet.New(seed, &chaincfg.MainNetParams, cfg.Bech32)
}

func parseFee(name, raw string) (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return fee, nil
}

// bootstrap seeds the coin rows and the withdrawal nonce counter on first
// start. Existing rows are left untouched.
func bootstrap(ctx context.Context, store ledger.Store, cfg *config.Config, logger *logging.Logger) error {
	btcDepositFee, err := parseFee("BITCOIN_DEPOSIT_FEE", cfg.Bitcoin.DepositFee)
	if err != nil {
		return err
	}
	btcWithdrawalFee, err := parseFee("BITCOIN_WITHDRAWAL_FEE", cfg.Bitcoin.WithdrawalFee)
	if err != nil {
		return err
	}
	ethDepositFee, err := parseFee("ETHEREUM_DEPOSIT_FEE", cfg.Ethereum.DepositFee)
	if err != nil {
		return err
	}
	ethWithdrawalFee, err := parseFee("ETHEREUM_WITHDRAWAL_FEE", cfg.Ethereum.WithdrawalFee)
	if err != nil {
		return err
	}

	coins := []*models.Coin{
		{
			Symbol:              types.CoinBTC,
			Chain:               types.ChainBitcoin,
			DepositFeeAmount:    btcDepositFee,
			DepositFeeSymbol:    types.CoinBTC,
			WithdrawalFeeAmount: btcWithdrawalFee,
			WithdrawalFeeSymbol: types.CoinBTC,
			State:               models.ScanState{UTXO: &models.UTXOScanState{}},
		},
		{
			Symbol:              types.CoinETH,
			Chain:               types.ChainEthereum,
			DepositFeeAmount:    ethDepositFee,
			DepositFeeSymbol:    types.CoinETH,
			WithdrawalFeeAmount: ethWithdrawalFee,
			WithdrawalFeeSymbol: types.CoinETH,
			State:               models.ScanState{Account: &models.AccountScanState{}},
		},
	}
	for _, token := range cfg.Tokens {
		depositFee, err := parseFee(token.Symbol+"_DEPOSIT_FEE", token.DepositFee)
		if err != nil {
			return err
		}
		withdrawalFee, err := parseFee(token.Symbol+"_WITHDRAWAL_FEE", token.WithdrawalFee)
		if err != nil {
			return err
		}
		coins = append(coins, &models.Coin{
			Symbol:              types.CoinSymbol(token.Symbol),
			Chain:               types.ChainEthereum,
			DepositFeeAmount:    depositFee,
			DepositFeeSymbol:    types.CoinSymbol(token.Symbol),
			WithdrawalFeeAmount: withdrawalFee,
			WithdrawalFeeSymbol: types.CoinETH,
			State:               models.ScanState{Account: &models.AccountScanState{}},
		})
	}

	for _, coin := range coins {
		err = store.InsertCoin(ctx, coin)
		if errors.Is(err, ledger.ErrDuplicate) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding coin %s: %w", coin.Symbol, err)
		}
		logger.WithField("coin", coin.Symbol).Info("coin seeded")
	}

	zero, err := json.Marshal(uint64(0))
	if err != nil {
		return err
	}
	if err := store.InitKv(ctx, engine.EthWithdrawalNonceKey, zero); err != nil {
		return fmt.Errorf("seeding nonce counter: %w", err)
	}
	return nil
}

func buildTasks(cfg *config.Config, store ledger.Store, btc chain.BitcoinClient, eth chain.EthereumClient, publisher broker.Publisher, pocketKey *ecdsa.PrivateKey, pocketAddress string, logger *logging.Logger, metrics *engine.Metrics) ([]*engine.Task, error) {
	ethMinDeposit, err := decimal.NewFromString(cfg.Ethereum.MinDeposit)
	if err != nil {
		return nil, fmt.Errorf("invalid ETHEREUM_MIN_DEPOSIT: %w", err)
	}

	tasks := []*engine.Task{
		{
			Name:     "btc_deposit_scan",
			Interval: cfg.Bitcoin.DepositInterval,
			Run: engine.NewBitcoinDepositScanner(store, btc, publisher,
				cfg.Bitcoin.WalletAccount, cfg.Bitcoin.DepositStep, logger, metrics).Run,
		},
		{
			Name:     "btc_confirm",
			Interval: cfg.Bitcoin.ConfirmInterval,
			Run: engine.NewConfirmationSettler(store, publisher, types.CoinBTC,
				cfg.Bitcoin.ConfThreshold, engine.BitcoinConfirmations(btc), logger, metrics).Run,
		},
		{
			Name:     "btc_broadcast",
			Interval: cfg.Bitcoin.WithdrawalInterval,
			Run: engine.NewBitcoinBroadcaster(store, btc, cfg.Bitcoin.WalletAccount,
				cfg.Bitcoin.WithdrawalStep, cfg.Bitcoin.WithdrawalStep, logger, metrics).Run,
		},
		{
			Name:     "btc_reconcile",
			Interval: cfg.Bitcoin.WithdrawalInterval,
			Run: engine.NewBitcoinReconciler(store, btc, publisher,
				cfg.Bitcoin.WalletAccount, cfg.Bitcoin.WithdrawalStep, logger, metrics).Run,
		},
		{
			Name:     "btc_fee_refresh",
			Interval: cfg.Bitcoin.FeeRefreshInterval,
			Run:      engine.NewFeeRateRefresher(store, btc, cfg.Bitcoin.FeeConfTarget, logger).Run,
		},
		{
			Name:     "eth_deposit_scan",
			Interval: cfg.Ethereum.DepositInterval,
			Run: engine.NewEthereumDepositScanner(store, eth, publisher,
				cfg.Ethereum.DepositStep, cfg.Ethereum.HeadLag, ethMinDeposit, pocketAddress, logger, metrics).Run,
		},
		{
			Name:     "eth_confirm",
			Interval: cfg.Ethereum.ConfirmInterval,
			Run: engine.NewConfirmationSettler(store, publisher, types.CoinETH,
				cfg.Ethereum.ConfThreshold, engine.EthereumConfirmations(eth), logger, metrics).Run,
		},
	}

	ethSymbols := []types.CoinSymbol{types.CoinETH}
	tokens := make(map[types.CoinSymbol]engine.TokenInfo, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		symbol := types.CoinSymbol(token.Symbol)
		minDeposit, err := decimal.NewFromString(token.MinDeposit)
		if err != nil {
			return nil, fmt.Errorf("invalid %s_MIN_DEPOSIT: %w", token.Symbol, err)
		}
		ethSymbols = append(ethSymbols, symbol)
		tokens[symbol] = engine.TokenInfo{Contract: token.Contract, Decimals: token.Decimals}

		tasks = append(tasks,
			&engine.Task{
				Name:     fmt.Sprintf("%s_deposit_scan", strings.ToLower(token.Symbol)),
				Interval: cfg.Ethereum.DepositInterval,
				Run: engine.NewTokenDepositScanner(store, eth, publisher, symbol, token.Contract,
					token.Decimals, cfg.Ethereum.DepositStep, cfg.Ethereum.HeadLag, minDeposit, logger, metrics).Run,
			},
			&engine.Task{
				Name:     fmt.Sprintf("%s_confirm", strings.ToLower(token.Symbol)),
				Interval: cfg.Ethereum.ConfirmInterval,
				Run: engine.NewConfirmationSettler(store, publisher, symbol,
					cfg.Ethereum.ConfThreshold, engine.EthereumConfirmations(eth), logger, metrics).Run,
			},
		)
	}

	tasks = append(tasks,
		&engine.Task{
			Name:     "eth_nonce_allocate",
			Interval: cfg.Ethereum.WithdrawalInterval,
			Run: engine.NewNonceAllocator(store, engine.EthWithdrawalNonceKey,
				ethSymbols, logger, metrics).Run,
		},
		&engine.Task{
			Name:     "eth_broadcast",
			Interval: cfg.Ethereum.WithdrawalInterval,
			Run: engine.NewEthereumBroadcaster(store, eth, publisher, pocketKey, pocketAddress,
				cfg.Ethereum.ChainID, ethSymbols, tokens, cfg.Ethereum.GasLimit,
				cfg.Ethereum.GasPriceBumpGwei, logger, metrics).Run,
		},
	)
	return tasks, nil
}
