package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/logging"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
)

// EthWithdrawalNonceKey is the kv_pair counter the account chain nonce
// sequence is drawn from.
const EthWithdrawalNonceKey = "ethWithdrawalNonce"

// NonceAllocator stamps account chain withdrawals with transaction nonces
// drawn from a persisted counter. The counter increment and the stamp
// commit in one transaction under the counter's row lock, so concurrent
// allocators produce a gapless, strictly ascending sequence and a
// withdrawal is never stamped twice.
type NonceAllocator struct {
	store   ledger.Store
	key     string
	symbols []types.CoinSymbol
	logger  *logging.Logger
	metrics *Metrics
}

// NewNonceAllocator creates an allocator for the coins sent from one
// account chain pocket.
func NewNonceAllocator(store ledger.Store, key string, symbols []types.CoinSymbol, logger *logging.Logger, metrics *Metrics) *NonceAllocator {
	return &NonceAllocator{
		store:   store,
		key:     key,
		symbols: symbols,
		logger:  logger.WithField("component", "nonce_allocator"),
		metrics: metrics,
	}
}

// Run stamps every unstamped created withdrawal, oldest first.
func (a *NonceAllocator) Run(ctx context.Context) error {
	return a.store.InTx(ctx, func(tx ledger.Tx) error {
		var pending []models.Withdrawal
		for _, symbol := range a.symbols {
			withdrawals, err := tx.ListCreatedWithdrawals(ctx, symbol, 0)
			if err != nil {
				return fmt.Errorf("failed to list created withdrawals: %w", err)
			}
			for _, w := range withdrawals {
				if w.Nonce == nil {
					pending = append(pending, w)
				}
			}
		}
		if len(pending) == 0 {
			return nil
		}
		// allocation follows creation order across all coins sharing the
		// pocket account
		sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

		for _, w := range pending {
			nonce, err := tx.NextNonce(ctx, a.key)
			if err != nil {
				return fmt.Errorf("failed to draw nonce: %w", err)
			}
			if err := tx.SetWithdrawalNonce(ctx, w.ID, nonce); err != nil {
				return fmt.Errorf("failed to stamp withdrawal %d: %w", w.ID, err)
			}
			a.logger.WithFields(map[string]interface{}{
				"withdrawal": w.ID,
				"coin":       w.CoinSymbol,
				"nonce":      nonce,
			}).Info("nonce allocated")
		}
		return nil
	})
}
