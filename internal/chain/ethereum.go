package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthereumRPC implements EthereumClient over go-ethereum's ethclient.
// Block fetches are throttled so a catch-up scan does not hammer the node.
type EthereumRPC struct {
	client  *ethclient.Client
	chainID *big.Int
	signer  ethtypes.Signer
	limiter *rate.Limiter
	abi     abi.ABI
}

// EthereumRPCConfig holds account chain node connection settings.
type EthereumRPCConfig struct {
	RPCURL string
	// ChainID selects the transaction signer and replay protection.
	ChainID int64
	// BlocksPerSecond bounds block fetch rate; zero disables throttling.
	BlocksPerSecond int
}

// NewEthereumRPC dials the node.
func NewEthereumRPC(cfg *EthereumRPCConfig) (*EthereumRPC, error) {
	if cfg == nil || cfg.RPCURL == "" {
		return nil, fmt.Errorf("ethereum rpc configuration is required")
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to ethereum node: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parsing erc20 abi: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.BlocksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BlocksPerSecond), cfg.BlocksPerSecond)
	}
	chainID := big.NewInt(cfg.ChainID)
	return &EthereumRPC{
		client:  client,
		chainID: chainID,
		signer:  ethtypes.LatestSignerForChainID(chainID),
		limiter: limiter,
		abi:     parsed,
	}, nil
}

// Close releases the underlying client connection.
func (e *EthereumRPC) Close() { e.client.Close() }

// Ping checks node reachability for the health endpoint.
func (e *EthereumRPC) Ping(ctx context.Context) error {
	if _, err := e.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *EthereumRPC) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: blockNumber: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (e *EthereumRPC) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	blk, err := e.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("%w: getBlock %d: %v", ErrUnavailable, number, err)
	}
	out := &Block{Number: blk.NumberU64(), Hash: blk.Hash().Hex()}
	for _, tx := range blk.Transactions() {
		from, err := ethtypes.Sender(e.signer, tx)
		if err != nil {
			// transactions signed for another chain are not ours
			continue
		}
		t := AccountTx{Hash: tx.Hash().Hex(), From: from.Hex(), Value: tx.Value()}
		if tx.To() != nil {
			t.To = tx.To().Hex()
		}
		out.Txs = append(out.Txs, t)
	}
	return out, nil
}

func (e *EthereumRPC) ReceiptSucceeded(ctx context.Context, txHash string) (bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("%w: getTransactionReceipt %s: %v", ErrUnavailable, txHash, err)
	}
	return receipt.Status == ethtypes.ReceiptStatusSuccessful, nil
}

func (e *EthereumRPC) NonceAt(ctx context.Context, address string) (uint64, error) {
	nonce, err := e.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("%w: getTransactionCount %s: %v", ErrUnavailable, address, err)
	}
	return nonce, nil
}

func (e *EthereumRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gasPrice: %v", ErrUnavailable, err)
	}
	return price, nil
}

func (e *EthereumRPC) Balance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := e.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: getBalance %s: %v", ErrUnavailable, address, err)
	}
	return balance, nil
}

func (e *EthereumRPC) TransferLogs(ctx context.Context, token string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(token)},
		Topics:    [][]common.Hash{{transferTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getPastEvents Transfer: %v", ErrUnavailable, err)
	}
	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Removed {
			continue
		}
		events = append(events, TransferEvent{
			TxHash:      l.TxHash.Hex(),
			BlockHash:   l.BlockHash.Hex(),
			BlockNumber: l.BlockNumber,
			From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			Value:       new(big.Int).SetBytes(l.Data),
		})
	}
	return events, nil
}

func (e *EthereumRPC) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	data, err := e.abi.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}
	contract := common.HexToAddress(token)
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf call: %v", ErrUnavailable, err)
	}
	results, err := e.abi.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("decoding balanceOf result: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

func (e *EthereumRPC) TransferCalldata(to string, amount *big.Int) ([]byte, error) {
	data, err := e.abi.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return nil, fmt.Errorf("packing transfer: %w", err)
	}
	return data, nil
}

func (e *EthereumRPC) EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error) {
	contract := common.HexToAddress(to)
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: common.HexToAddress(from),
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: estimateGas: %v", ErrUnavailable, err)
	}
	return gas, nil
}

func (e *EthereumRPC) SendSigned(ctx context.Context, tx *ethtypes.Transaction) (string, error) {
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: sendSignedTransaction: %v", ErrUnavailable, err)
	}
	return tx.Hash().Hex(), nil
}

// Signer returns the signer for this chain, used by the broadcaster to
// sign withdrawals.
func (e *EthereumRPC) Signer() ethtypes.Signer { return e.signer }

// ChainID returns the configured chain id.
func (e *EthereumRPC) ChainID() *big.Int { return new(big.Int).Set(e.chainID) }
