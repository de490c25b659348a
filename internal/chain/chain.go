// Package chain wraps the blockchain node RPC interfaces the engine
// consumes. The engine depends only on the interfaces declared here;
// tests substitute fakes and the real implementations wrap the btcd and
// go-ethereum client libraries.
package chain

import (
	"context"
	"errors"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// ErrUnavailable indicates the node could not be reached; the current
// cycle aborts and the next scheduled tick retries.
var ErrUnavailable = errors.New("chain: node unavailable")

// WalletTx is one entry of the UTXO node wallet's transaction history.
// SendMany batches produce one entry per output.
type WalletTx struct {
	TxID          string
	Address       string
	Category      string // "receive" or "send"
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	Comment       string
	Confirmations int64
}

// TxDetail is one output of a wallet transaction as reported by
// gettransaction.
type TxDetail struct {
	Address  string
	Category string
	Amount   decimal.Decimal
}

// TxInfo is the wallet's view of a single transaction.
type TxInfo struct {
	TxID          string
	Fee           decimal.Decimal
	Confirmations int64
	Details       []TxDetail
}

// BitcoinClient is the UTXO chain wallet RPC subset the engine uses.
type BitcoinClient interface {
	// ListTransactions pages the wallet history: count entries starting
	// at offset from, oldest first.
	ListTransactions(ctx context.Context, account string, count, from int) ([]WalletTx, error)
	GetTransaction(ctx context.Context, txid string) (*TxInfo, error)
	// SendMany submits one multi-output payment; comment travels with the
	// transaction and is echoed back by ListTransactions.
	SendMany(ctx context.Context, account string, outputs map[string]decimal.Decimal, minConf int64, comment string) (string, error)
	EstimateFeeRate(ctx context.Context, confTarget int64) (decimal.Decimal, error)
	SetFeeRate(ctx context.Context, rate decimal.Decimal) error
	// ImportAddressKey registers a derived key with the node wallet so
	// its deposits appear in the wallet history.
	ImportAddressKey(ctx context.Context, wif string, label string) error
}

// AccountTx is a native-value transaction in an account chain block.
type AccountTx struct {
	Hash  string
	From  string
	To    string // empty for contract creations
	Value *big.Int
}

// Block is an account chain block with its transactions.
type Block struct {
	Number uint64
	Hash   string
	Txs    []AccountTx
}

// TransferEvent is an ERC-20 Transfer log entry.
type TransferEvent struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	From        string
	To          string
	Value       *big.Int
}

// EthereumClient is the account chain RPC subset the engine uses.
type EthereumClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	// ReceiptSucceeded reports whether the transaction executed
	// successfully; reverted transfers must not create deposits.
	ReceiptSucceeded(ctx context.Context, txHash string) (bool, error)
	// NonceAt returns the chain's next nonce for the address, counting
	// pending transactions.
	NonceAt(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	// TransferLogs queries the token contract's Transfer events over the
	// inclusive block range.
	TransferLogs(ctx context.Context, token string, fromBlock, toBlock uint64) ([]TransferEvent, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	// TransferCalldata encodes the token transfer call for signing.
	TransferCalldata(to string, amount *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error)
	// SendSigned broadcasts a signed transaction and returns its hash.
	SendSigned(ctx context.Context, tx *ethtypes.Transaction) (string, error)
}
