// Package models defines the persisted ledger entities.
package models

import (
	"fmt"
	"time"

	"github.com/hotwallet-engine/internal/types"
	"github.com/shopspring/decimal"
)

// UTXOScanState is the scan bookkeeping for a coin on the UTXO chain.
// DepositCursor and WithdrawalCursor are offsets into the node wallet's
// transaction history; WithdrawalMilestone is the id of the last batch
// transaction the reconciler settled.
type UTXOScanState struct {
	DepositCursor       int    `json:"depositCursor"`
	WithdrawalCursor    int    `json:"withdrawalCursor"`
	WithdrawalMilestone string `json:"withdrawalMilestone,omitempty"`
	FeeRate             string `json:"feeRate,omitempty"`
}

// AccountScanState is the scan bookkeeping for a coin on the account-based
// chain: the last block height fully scanned for deposits.
type AccountScanState struct {
	DepositCursor uint64 `json:"depositCursor"`
}

// ScanState is a tagged variant keyed by chain kind. Exactly one of the
// branches is set for any coin.
type ScanState struct {
	UTXO    *UTXOScanState    `json:"utxo,omitempty"`
	Account *AccountScanState `json:"account,omitempty"`
}

// Coin is one row per supported currency symbol. Its scan state is mutated
// exclusively by the scanner, broadcaster and reconciler tasks under a row
// lock.
type Coin struct {
	Symbol              types.CoinSymbol
	Chain               types.Chain
	DepositFeeAmount    decimal.Decimal
	DepositFeeSymbol    types.CoinSymbol
	WithdrawalFeeAmount decimal.Decimal
	WithdrawalFeeSymbol types.CoinSymbol
	State               ScanState
	UpdatedAt           time.Time
}

// UTXOState returns the UTXO branch of the scan state, failing if the coin
// is not a UTXO-chain coin.
func (c *Coin) UTXOState() (*UTXOScanState, error) {
	if c.State.UTXO == nil {
		return nil, fmt.Errorf("coin %s has no utxo scan state", c.Symbol)
	}
	return c.State.UTXO, nil
}

// AccountState returns the account-chain branch of the scan state, failing
// if the coin is not an account-chain coin.
func (c *Coin) AccountState() (*AccountScanState, error) {
	if c.State.Account == nil {
		return nil, fmt.Errorf("coin %s has no account scan state", c.Symbol)
	}
	return c.State.Account, nil
}
