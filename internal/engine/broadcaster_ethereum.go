package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

var gwei = big.NewInt(1_000_000_000)

// TokenInfo describes one ERC-20 the broadcaster can send.
type TokenInfo struct {
	Contract string
	Decimals int32
}

// EthereumBroadcaster signs and sends nonce-stamped withdrawals from the
// pocket account, strictly in nonce order. Before sending it compares the
// withdrawal's nonce against the chain's next nonce for the pocket: equal
// means send, greater means an earlier transaction is still missing so the
// run waits, smaller means a previous send was never recorded and the coin
// stops with an inconsistency.
type EthereumBroadcaster struct {
	store     ledger.Store
	eth       chain.EthereumClient
	publisher broker.Publisher
	key       *ecdsa.PrivateKey
	pocket    string
	signer    ethtypes.Signer
	symbols   []types.CoinSymbol
	tokens    map[types.CoinSymbol]TokenInfo
	gasLimit  uint64
	bumpGwei  int64
	logger    *logging.Logger
	metrics   *Metrics
}

// NewEthereumBroadcaster creates the broadcaster. symbols lists every coin
// sent from the pocket, native first; tokens maps the ERC-20 entries.
func NewEthereumBroadcaster(store ledger.Store, eth chain.EthereumClient, publisher broker.Publisher, key *ecdsa.PrivateKey, pocket string, chainID int64, symbols []types.CoinSymbol, tokens map[types.CoinSymbol]TokenInfo, gasLimit uint64, bumpGwei int64, logger *logging.Logger, metrics *Metrics) *EthereumBroadcaster {
	return &EthereumBroadcaster{
		store:     store,
		eth:       eth,
		publisher: publisher,
		key:       key,
		pocket:    pocket,
		signer:    ethtypes.LatestSignerForChainID(big.NewInt(chainID)),
		symbols:   symbols,
		tokens:    tokens,
		gasLimit:  gasLimit,
		bumpGwei:  bumpGwei,
		logger:    logger.WithField("component", "eth_broadcaster"),
		metrics:   metrics,
	}
}

// Run performs one broadcast cycle: sends every stamped withdrawal whose
// nonce lines up with the chain, oldest nonce first.
func (b *EthereumBroadcaster) Run(ctx context.Context) error {
	pending, err := b.stampedWithdrawals(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	chainNonce, err := b.eth.NonceAt(ctx, b.pocket)
	if err != nil {
		return fmt.Errorf("failed to get pocket nonce: %w", err)
	}

	for i := range pending {
		w := &pending[i]
		switch {
		case *w.Nonce < chainNonce:
			return inconsistency(string(w.CoinSymbol),
				"withdrawal %d holds nonce %d but the chain is already at %d; a broadcast was not recorded",
				w.ID, *w.Nonce, chainNonce)
		case *w.Nonce > chainNonce:
			// a lower nonce is still unbroadcast, keep ordering
			b.logger.WithFields(map[string]interface{}{
				"withdrawal": w.ID,
				"nonce":      *w.Nonce,
				"chain":      chainNonce,
			}).Debug("waiting for earlier nonce")
			return nil
		}

		if err := b.send(ctx, w); err != nil {
			return fmt.Errorf("broadcasting withdrawal %d: %w", w.ID, err)
		}
		chainNonce++
	}
	return nil
}

// stampedWithdrawals returns created withdrawals that already carry a
// nonce, across all pocket coins, in nonce order.
func (b *EthereumBroadcaster) stampedWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	var out []models.Withdrawal
	for _, symbol := range b.symbols {
		withdrawals, err := b.store.ListCreatedWithdrawals(ctx, symbol, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list created withdrawals: %w", err)
		}
		for _, w := range withdrawals {
			if w.Nonce != nil {
				out = append(out, w)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Nonce < *out[j].Nonce })
	return out, nil
}

func (b *EthereumBroadcaster) send(ctx context.Context, w *models.Withdrawal) error {
	gasPrice, err := b.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}
	// bump over the node's estimate so the batch does not stall behind
	// sudden fee spikes
	gasPrice = new(big.Int).Add(gasPrice, new(big.Int).Mul(big.NewInt(b.bumpGwei), gwei))

	var unsigned *ethtypes.LegacyTx
	if info, isToken := b.tokens[w.CoinSymbol]; isToken {
		unsigned, err = b.buildTokenTx(ctx, w, info, gasPrice)
	} else {
		unsigned, err = b.buildNativeTx(ctx, w, gasPrice)
	}
	if err != nil {
		return err
	}

	signed, err := ethtypes.SignNewTx(b.key, b.signer, unsigned)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	txHash, err := b.eth.SendSigned(ctx, signed)
	if err != nil {
		return err
	}

	fee := types.FromNative(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(unsigned.Gas)), etherDecimals)
	err = b.store.InTx(ctx, func(tx ledger.Tx) error {
		return tx.FinishWithdrawal(ctx, w.ID, txHash, fee)
	})
	if err != nil {
		// the transaction is on chain but the ledger write failed; the
		// next run sees the nonce gap and reports the inconsistency
		return fmt.Errorf("failed to record broadcast of withdrawal %d (tx %s): %w", w.ID, txHash, err)
	}

	b.metrics.Withdrawals.WithLabelValues(string(w.CoinSymbol), "finished").Inc()
	b.logger.WithFields(map[string]interface{}{
		"withdrawal": w.ID,
		"coin":       w.CoinSymbol,
		"nonce":      *w.Nonce,
		"tx":         txHash,
	}).Info("withdrawal broadcast")

	event := broker.WithdrawalEvent{
		WithdrawalID: w.ID,
		ClientID:     w.ClientID,
		Key:          w.Key,
		CoinSymbol:   w.CoinSymbol,
		TxHash:       txHash,
		Status:       string(types.WithdrawalFinished),
	}
	if err := b.publisher.PublishWithdrawalEvent(ctx, broker.QueueWithdrawalUpdate, event); err != nil {
		b.logger.WithError(err).WithField("withdrawal", w.ID).Warn("failed to publish withdrawal update")
	}
	return nil
}

func (b *EthereumBroadcaster) buildNativeTx(ctx context.Context, w *models.Withdrawal, gasPrice *big.Int) (*ethtypes.LegacyTx, error) {
	value := types.ToNative(w.Amount, etherDecimals)
	cost := new(big.Int).Add(value, new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(b.gasLimit)))

	balance, err := b.eth.Balance(ctx, b.pocket)
	if err != nil {
		return nil, fmt.Errorf("failed to get pocket balance: %w", err)
	}
	if balance.Cmp(cost) < 0 {
		return nil, fmt.Errorf("pocket balance %s cannot cover withdrawal cost %s", balance, cost)
	}

	to := common.HexToAddress(w.Recipient)
	return &ethtypes.LegacyTx{
		Nonce:    *w.Nonce,
		GasPrice: gasPrice,
		Gas:      b.gasLimit,
		To:       &to,
		Value:    value,
	}, nil
}

func (b *EthereumBroadcaster) buildTokenTx(ctx context.Context, w *models.Withdrawal, info TokenInfo, gasPrice *big.Int) (*ethtypes.LegacyTx, error) {
	amount := types.ToNative(w.Amount, info.Decimals)

	balance, err := b.eth.TokenBalance(ctx, info.Contract, b.pocket)
	if err != nil {
		return nil, fmt.Errorf("failed to get pocket token balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("pocket token balance %s cannot cover withdrawal of %s", balance, amount)
	}

	data, err := b.eth.TransferCalldata(w.Recipient, amount)
	if err != nil {
		return nil, err
	}
	gas, err := b.eth.EstimateGas(ctx, b.pocket, info.Contract, data)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	contract := common.HexToAddress(info.Contract)
	return &ethtypes.LegacyTx{
		Nonce:    *w.Nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &contract,
		Data:     data,
	}, nil
}
