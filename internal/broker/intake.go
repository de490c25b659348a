package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// ErrTransient marks an intake failure that should be retried by
// redelivering the message, as opposed to rejecting the request.
var ErrTransient = errors.New("broker: transient failure")

// IsTransient reports whether err should trigger a redelivery.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// AddressValidator checks recipient addresses for a chain. The HD wallet
// satisfies it.
type AddressValidator interface {
	IsValidAddress(chain types.Chain, addr string) bool
}

// Intake turns consumed withdrawal requests into ledger withdrawals. The
// debit of the client account and the insert of the withdrawal row commit
// in one transaction, so a request either reserves its funds or leaves no
// trace.
type Intake struct {
	store     ledger.Store
	validator AddressValidator
	publisher Publisher
	logger    *logging.Logger
}

// NewIntake creates a withdrawal request intake.
func NewIntake(store ledger.Store, validator AddressValidator, publisher Publisher, logger *logging.Logger) *Intake {
	return &Intake{
		store:     store,
		validator: validator,
		publisher: publisher,
		logger:    logger.WithField("component", "withdrawal_intake"),
	}
}

// Handle processes one withdrawal request. Repeated deliveries of the same
// (client, key) are no-ops. Requests that fail validation or lack funds are
// rejected through a withdrawal_update event and never retried.
func (i *Intake) Handle(ctx context.Context, req WithdrawalRequest) error {
	log := i.logger.WithFields(map[string]interface{}{
		"client": req.ClientID,
		"key":    req.Key,
		"coin":   req.CoinSymbol,
	})

	if req.Key == "" {
		return fmt.Errorf("withdrawal request without idempotency key")
	}
	if existing, err := i.store.GetWithdrawalByKey(ctx, req.ClientID, req.Key); err == nil {
		log.WithField("withdrawal", existing.ID).Debug("duplicate withdrawal request ignored")
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: checking request key: %v", ErrTransient, err)
	}

	coin, err := i.store.GetCoin(ctx, req.CoinSymbol)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return i.reject(ctx, req, "unsupported coin")
		}
		return fmt.Errorf("%w: loading coin: %v", ErrTransient, err)
	}
	if !req.Amount.IsPositive() {
		return i.reject(ctx, req, "amount must be positive")
	}
	if req.Amount.Exponent() < -types.LedgerDecimals {
		return i.reject(ctx, req, "amount precision exceeds ledger decimals")
	}
	if !i.validator.IsValidAddress(coin.Chain, req.Recipient) {
		return i.reject(ctx, req, "invalid recipient address")
	}

	var withdrawal *models.Withdrawal
	err = i.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.EnsureAccount(ctx, req.ClientID, req.CoinSymbol); err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, req.ClientID, req.CoinSymbol); err != nil {
			return err
		}
		if err := tx.DebitAccount(ctx, req.ClientID, req.CoinSymbol, req.Amount); err != nil {
			return err
		}
		if !coin.WithdrawalFeeAmount.IsZero() && coin.WithdrawalFeeSymbol != req.CoinSymbol {
			// token withdrawals pay their network fee from the gas
			// currency account
			if err := tx.EnsureAccount(ctx, req.ClientID, coin.WithdrawalFeeSymbol); err != nil {
				return err
			}
			if _, err := tx.LockAccount(ctx, req.ClientID, coin.WithdrawalFeeSymbol); err != nil {
				return err
			}
			if err := tx.DebitAccount(ctx, req.ClientID, coin.WithdrawalFeeSymbol, coin.WithdrawalFeeAmount); err != nil {
				return err
			}
		}

		withdrawal = &models.Withdrawal{
			ClientID:   req.ClientID,
			Key:        req.Key,
			CoinSymbol: req.CoinSymbol,
			Recipient:  req.Recipient,
			Amount:     req.Amount,
			FeeAmount:  coin.WithdrawalFeeAmount,
			FeeSymbol:  coin.WithdrawalFeeSymbol,
			Status:     types.WithdrawalCreated,
		}
		return tx.InsertWithdrawal(ctx, withdrawal)
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return i.reject(ctx, req, "insufficient balance")
	}
	if errors.Is(err, ledger.ErrDuplicate) {
		// raced with a concurrent delivery of the same request
		log.Debug("duplicate withdrawal request ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: creating withdrawal: %v", ErrTransient, err)
	}

	log.WithField("withdrawal", withdrawal.ID).Info("withdrawal created")
	event := WithdrawalEvent{
		WithdrawalID: withdrawal.ID,
		ClientID:     req.ClientID,
		Key:          req.Key,
		CoinSymbol:   req.CoinSymbol,
		Status:       string(types.WithdrawalCreated),
	}
	if err := i.publisher.PublishWithdrawalEvent(ctx, QueueWithdrawalUpdate, event); err != nil {
		// the withdrawal is committed; the event is best effort
		log.WithError(err).Warn("failed to publish withdrawal created event")
	}
	return nil
}

func (i *Intake) reject(ctx context.Context, req WithdrawalRequest, reason string) error {
	i.logger.WithFields(map[string]interface{}{
		"client": req.ClientID,
		"key":    req.Key,
		"reason": reason,
	}).Warn("withdrawal request rejected")

	event := WithdrawalEvent{
		ClientID:   req.ClientID,
		Key:        req.Key,
		CoinSymbol: req.CoinSymbol,
		Status:     "rejected",
		Reason:     reason,
	}
	if err := i.publisher.PublishWithdrawalEvent(ctx, QueueWithdrawalUpdate, event); err != nil {
		return fmt.Errorf("%w: publishing rejection: %v", ErrTransient, err)
	}
	return nil
}
