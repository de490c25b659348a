package engine_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hotwallet-engine/internal/broker"
	"github.com/hotwallet-engine/internal/chain"
	"github.com/hotwallet-engine/internal/engine"
	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/ledgertest"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(logging.LevelError, logging.FormatText)
}

func testMetrics() *engine.Metrics {
	return engine.NewMetrics(prometheus.NewRegistry())
}

type sendManyCall struct {
	outputs map[string]decimal.Decimal
	comment string
}

// fakeBitcoinClient serves a canned wallet history.
type fakeBitcoinClient struct {
	mu       sync.Mutex
	history  []chain.WalletTx
	txs      map[string]*chain.TxInfo
	sends    []sendManyCall
	nextTxID string
	feeRate   decimal.Decimal
	imported  []string
	importErr error
}

func newFakeBitcoinClient() *fakeBitcoinClient {
	return &fakeBitcoinClient{txs: make(map[string]*chain.TxInfo), nextTxID: "batchtx"}
}

func (f *fakeBitcoinClient) ListTransactions(ctx context.Context, account string, count, from int) ([]chain.WalletTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if from >= len(f.history) {
		return nil, nil
	}
	end := from + count
	if end > len(f.history) {
		end = len(f.history)
	}
	return append([]chain.WalletTx(nil), f.history[from:end]...), nil
}

func (f *fakeBitcoinClient) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.txs[txid]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", txid)
	}
	return info, nil
}

func (f *fakeBitcoinClient) SendMany(ctx context.Context, account string, outputs map[string]decimal.Decimal, minConf int64, comment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendManyCall{outputs: outputs, comment: comment})
	return f.nextTxID, nil
}

func (f *fakeBitcoinClient) EstimateFeeRate(ctx context.Context, confTarget int64) (decimal.Decimal, error) {
	return f.feeRate, nil
}

func (f *fakeBitcoinClient) SetFeeRate(ctx context.Context, rate decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeRate = rate
	return nil
}

func (f *fakeBitcoinClient) ImportAddressKey(ctx context.Context, wif, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, label)
	return nil
}

// fakeEthereumClient serves canned blocks, receipts and transfer logs.
type fakeEthereumClient struct {
	mu            sync.Mutex
	head          uint64
	blocks        map[uint64]*chain.Block
	failedTxs     map[string]bool
	nonce         uint64
	gasPrice      *big.Int
	balance       *big.Int
	tokenBalances map[string]*big.Int
	transferLogs  map[string][]chain.TransferEvent
	estimatedGas  uint64
	sent          []*ethtypes.Transaction
}

func newFakeEthereumClient() *fakeEthereumClient {
	return &fakeEthereumClient{
		blocks:        make(map[uint64]*chain.Block),
		failedTxs:     make(map[string]bool),
		gasPrice:      big.NewInt(10_000_000_000),
		balance:       big.NewInt(0),
		tokenBalances: make(map[string]*big.Int),
		transferLogs:  make(map[string][]chain.TransferEvent),
		estimatedGas:  60_000,
	}
}

func (f *fakeEthereumClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeEthereumClient) BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[number]
	if !ok {
		return &chain.Block{Number: number, Hash: fmt.Sprintf("block-%d", number)}, nil
	}
	return block, nil
}

func (f *fakeEthereumClient) ReceiptSucceeded(ctx context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.failedTxs[txHash], nil
}

func (f *fakeEthereumClient) NonceAt(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEthereumClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeEthereumClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeEthereumClient) TransferLogs(ctx context.Context, token string, fromBlock, toBlock uint64) ([]chain.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.TransferEvent
	for _, event := range f.transferLogs[token] {
		if event.BlockNumber >= fromBlock && event.BlockNumber <= toBlock {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeEthereumClient) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.tokenBalances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (f *fakeEthereumClient) TransferCalldata(to string, amount *big.Int) ([]byte, error) {
	return []byte("transfer:" + to + ":" + amount.String()), nil
}

func (f *fakeEthereumClient) EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error) {
	return f.estimatedGas, nil
}

func (f *fakeEthereumClient) SendSigned(ctx context.Context, tx *ethtypes.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	return tx.Hash().Hex(), nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu          sync.Mutex
	deposits    []broker.DepositEvent
	withdrawals []broker.WithdrawalEvent
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

func (p *recordingPublisher) depositEvents() []broker.DepositEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.DepositEvent(nil), p.deposits...)
}

func (p *recordingPublisher) withdrawalEvents() []broker.WithdrawalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.WithdrawalEvent(nil), p.withdrawals...)
}

func seedBitcoinCoin(t *testing.T, store *ledgertest.Store) {
	t.Helper()
	require.NoError(t, store.InsertCoin(context.Background(), &models.Coin{
		Symbol:              types.CoinBTC,
		Chain:               types.ChainBitcoin,
		DepositFeeSymbol:    types.CoinBTC,
		WithdrawalFeeSymbol: types.CoinBTC,
		State:               models.ScanState{UTXO: &models.UTXOScanState{}},
	}))
}

func seedEthereumCoin(t *testing.T, store *ledgertest.Store, symbol types.CoinSymbol, cursor uint64) {
	t.Helper()
	require.NoError(t, store.InsertCoin(context.Background(), &models.Coin{
		Symbol:              symbol,
		Chain:               types.ChainEthereum,
		DepositFeeSymbol:    types.CoinETH,
		WithdrawalFeeSymbol: types.CoinETH,
		State:               models.ScanState{Account: &models.AccountScanState{DepositCursor: cursor}},
	}))
}

func seedAddr(t *testing.T, store *ledgertest.Store, c types.Chain, clientID int64, path, address string) {
	t.Helper()
	require.NoError(t, store.InsertAddr(context.Background(), &models.Addr{
		Chain:    c,
		ClientID: clientID,
		Path:     path,
		Address:  address,
	}))
}

func insertWithdrawal(t *testing.T, store *ledgertest.Store, w models.Withdrawal) int64 {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertWithdrawal(context.Background(), &w)
	}))
	return w.ID
}
