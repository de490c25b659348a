// Package broker handles the message queue surface: deposit and withdrawal
// lifecycle events are published for downstream consumers, and withdrawal
// requests are consumed from the upstream client-facing service.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hotwallet-engine/internal/types"
)

// Queue names shared with the client-facing service.
const (
	QueueDepositCreation    = "deposit_creation"
	QueueDepositUpdate      = "deposit_update"
	QueueWithdrawalCreation = "withdrawal_creation"
	QueueWithdrawalUpdate   = "withdrawal_update"
)

// DepositEvent notifies downstream consumers of a deposit lifecycle change.
type DepositEvent struct {
	DepositID  int64            `json:"depositId"`
	CoinSymbol types.CoinSymbol `json:"coinSymbol"`
	ClientID   int64            `json:"clientId"`
	TxHash     string           `json:"txHash"`
	Amount     string           `json:"amount"`
	Status     string           `json:"status"`
}

// WithdrawalEvent notifies downstream consumers of a withdrawal lifecycle
// change. Status is one of created, finished or rejected; rejected is an
// intake outcome only and never stored.
type WithdrawalEvent struct {
	WithdrawalID int64            `json:"withdrawalId,omitempty"`
	ClientID     int64            `json:"clientId"`
	Key          string           `json:"key"`
	CoinSymbol   types.CoinSymbol `json:"coinSymbol"`
	TxHash       string           `json:"txHash,omitempty"`
	Status       string           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
}

// WithdrawalRequest is the message consumed from the withdrawal_creation
// queue. Key is the client's idempotency token.
type WithdrawalRequest struct {
	ClientID   int64            `json:"clientId"`
	Key        string           `json:"key"`
	CoinSymbol types.CoinSymbol `json:"coinSymbol"`
	Recipient  string           `json:"recipient"`
	Amount     decimal.Decimal  `json:"amount"`
}

// Publisher is the event publishing surface the engine depends on. Tests
// substitute an in-memory recorder.
type Publisher interface {
	PublishDepositEvent(ctx context.Context, queue string, event DepositEvent) error
	PublishWithdrawalEvent(ctx context.Context, queue string, event WithdrawalEvent) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishDepositEvent(ctx context.Context, queue string, event DepositEvent) error {
	return nil
}

func (NopPublisher) PublishWithdrawalEvent(ctx context.Context, queue string, event WithdrawalEvent) error {
	return nil
}
