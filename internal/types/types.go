// Package types defines the chain and coin identifiers and the status
// enumerations shared across the engine.
package types

import "fmt"

// Chain identifies a supported blockchain kind.
type Chain string

const (
	// ChainBitcoin is the UTXO chain.
	ChainBitcoin Chain = "bitcoin"
	// ChainEthereum is the account-based chain; token coins share its
	// address space.
	ChainEthereum Chain = "ethereum"
)

// IsValid reports whether the chain is one of the supported kinds.
func (c Chain) IsValid() bool {
	return c == ChainBitcoin || c == ChainEthereum
}

// CoinSymbol identifies a supported currency. Token symbols are added at
// bootstrap from configuration.
type CoinSymbol string

const (
	CoinBTC CoinSymbol = "BTC"
	CoinETH CoinSymbol = "ETH"
)

// DepositStatus is the deposit state machine. Transitions only ever move
// forward: unconfirmed -> confirmed -> finished. DepositAttacked is a
// declared terminal state for detected double-spend violations; nothing
// sets it yet.
type DepositStatus string

const (
	DepositUnconfirmed DepositStatus = "unconfirmed"
	DepositConfirmed   DepositStatus = "confirmed"
	DepositFinished    DepositStatus = "finished"
	DepositAttacked    DepositStatus = "attacked"
)

// WithdrawalStatus is the withdrawal state machine: created -> finished.
type WithdrawalStatus string

const (
	WithdrawalCreated  WithdrawalStatus = "created"
	WithdrawalFinished WithdrawalStatus = "finished"
)

// ParseChain converts a string into a Chain, rejecting unknown values.
func ParseChain(s string) (Chain, error) {
	c := Chain(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown chain %q", s)
	}
	return c, nil
}
