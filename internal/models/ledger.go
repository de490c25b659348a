package models

import (
	"encoding/json"
	"time"

	"github.com/hotwallet-engine/internal/types"
	"github.com/shopspring/decimal"
)

// Addr maps (chain, client, derivation path) to a computed address. Rows
// are created lazily on first request and are immutable afterwards.
type Addr struct {
	Chain     types.Chain
	ClientID  int64
	Path      string
	Address   string
	CreatedAt time.Time
}

// Deposit is one row per detected incoming transfer, unique per
// (coin symbol, transaction hash).
type Deposit struct {
	ID          int64
	CoinSymbol  types.CoinSymbol
	ClientID    int64
	AddrPath    string
	Amount      decimal.Decimal
	FeeAmount   decimal.Decimal
	FeeSymbol   types.CoinSymbol
	Status      types.DepositStatus
	TxHash      string
	BlockHash   string
	BlockHeight uint64
	Sender      string
	Recipient   string
	CreatedAt   time.Time
}

// Withdrawal is one row per client withdrawal request. (ClientID, Key) is a
// uniqueness constraint enforcing request idempotency at creation time.
// Nonce is set once by the allocator and never re-requested; TxHash is set
// when the outgoing transaction is proven on chain.
type Withdrawal struct {
	ID         int64
	ClientID   int64
	Key        string
	CoinSymbol types.CoinSymbol
	Recipient  string
	Memo       string
	Amount     decimal.Decimal
	FeeAmount  decimal.Decimal
	FeeSymbol  types.CoinSymbol
	Status     types.WithdrawalStatus
	Nonce      *uint64
	TxHash     *string
	CreatedAt  time.Time
}

// Account is the per (client, coin) balance ledger row. The only legal
// mutations are the atomic credit on deposit confirmation and the atomic
// debit on withdrawal creation, both under a row lock.
type Account struct {
	ClientID   int64
	CoinSymbol types.CoinSymbol
	Balance    decimal.Decimal
	UpdatedAt  time.Time
}

// KvPair is a generic persisted key to JSON value map, used for process
// wide monotonic counters shared across concurrent workers.
type KvPair struct {
	Key   string
	Value json.RawMessage
}
