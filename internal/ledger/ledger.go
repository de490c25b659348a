// Package ledger defines the store interface the engine persists through.
// The engine never talks to the database directly: every ordering guarantee
// it relies on is expressed here as an explicit transaction boundary or a
// row-locking primitive.
package ledger

import (
	"context"
	"errors"

	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
	"github.com/shopspring/decimal"
)

// Errors returned by store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicate indicates a uniqueness constraint was hit: a deposit
	// with the same (coin, txHash) or a withdrawal with the same
	// (client, key). Callers treat it as an idempotent no-op.
	ErrDuplicate = errors.New("ledger: duplicate")
	// ErrInsufficientBalance indicates a debit would take an account
	// balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Reader is the read-only surface shared by the store and its transactions.
type Reader interface {
	GetCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error)

	GetAddr(ctx context.Context, chain types.Chain, clientID int64, path string) (*models.Addr, error)
	// GetAddrByAddress resolves a chain address back to its Addr row;
	// ErrNotFound means the address does not belong to any client.
	GetAddrByAddress(ctx context.Context, chain types.Chain, address string) (*models.Addr, error)

	DepositExists(ctx context.Context, symbol types.CoinSymbol, txHash string) (bool, error)
	ListDepositsByStatus(ctx context.Context, symbol types.CoinSymbol, status types.DepositStatus) ([]models.Deposit, error)
	GetDeposit(ctx context.Context, id int64) (*models.Deposit, error)

	GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error)
	GetWithdrawalByKey(ctx context.Context, clientID int64, key string) (*models.Withdrawal, error)
	// ListCreatedWithdrawals returns created withdrawals for the coin in
	// ascending id order; limit <= 0 means no limit.
	ListCreatedWithdrawals(ctx context.Context, symbol types.CoinSymbol, limit int) ([]models.Withdrawal, error)
	// FirstCreatedWithdrawal returns the smallest-id created withdrawal
	// for the coin, or ErrNotFound.
	FirstCreatedWithdrawal(ctx context.Context, symbol types.CoinSymbol) (*models.Withdrawal, error)

	GetAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error)
}

// Store is the engine's persistence entry point. All writes happen inside
// InTx; reads outside a transaction see committed state only.
type Store interface {
	Reader

	// InTx runs fn inside one database transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise. Row locks
	// taken through the Tx are held until the transaction ends.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	InsertCoin(ctx context.Context, coin *models.Coin) error
	InsertAddr(ctx context.Context, addr *models.Addr) error
	SetKv(ctx context.Context, key string, value []byte) error
	// InitKv writes the kv_pair row only when the key does not exist yet,
	// so restarts never reset a live counter.
	InitKv(ctx context.Context, key string, value []byte) error
}

// Tx is the transactional surface. Lock methods issue SELECT ... FOR UPDATE
// and serialize every concurrent mutation of the same row.
type Tx interface {
	Reader

	// LockCoin locks the coin row and returns it. The scanner, broadcaster
	// and reconciler all mutate scan state only through this lock.
	LockCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error)
	SaveCoinState(ctx context.Context, symbol types.CoinSymbol, state models.ScanState) error

	// InsertDeposit creates an unconfirmed deposit; ErrDuplicate when a
	// deposit with the same (coin, txHash) already exists.
	InsertDeposit(ctx context.Context, d *models.Deposit) error
	// ConfirmDeposit advances a deposit from unconfirmed to confirmed.
	// The update is conditional on the current status, so running it twice
	// for the same deposit reports false the second time.
	ConfirmDeposit(ctx context.Context, id int64) (bool, error)
	// FinishDeposit advances a deposit from confirmed to finished once its
	// lifecycle events are out.
	FinishDeposit(ctx context.Context, id int64) error

	// EnsureAccount inserts the (client, coin) account row with a zero
	// balance if it does not exist yet.
	EnsureAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) error
	LockAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error)
	CreditAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error
	// DebitAccount subtracts amount from the balance;
	// ErrInsufficientBalance when the balance does not cover it.
	DebitAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error

	// InsertWithdrawal creates a withdrawal in status created;
	// ErrDuplicate when (client, key) already exists.
	InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error
	// LockCreatedWithdrawalsUpTo locks and returns every created
	// withdrawal for the coin with id <= maxID, in ascending id order.
	LockCreatedWithdrawalsUpTo(ctx context.Context, symbol types.CoinSymbol, maxID int64) ([]models.Withdrawal, error)
	SetWithdrawalNonce(ctx context.Context, id int64, nonce uint64) error
	// FinishWithdrawal stamps the transaction hash and fee share and moves
	// the withdrawal to finished.
	FinishWithdrawal(ctx context.Context, id int64, txHash string, fee decimal.Decimal) error

	// NextNonce increments the named persistent counter under a row lock
	// and returns the pre-increment value. Concurrent callers observe a
	// gapless, strictly ascending sequence.
	NextNonce(ctx context.Context, key string) (uint64, error)
}
