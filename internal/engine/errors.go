// Package engine implements the reconciliation core: deposit scanning,
// confirmation settlement, nonce allocation, withdrawal broadcasting and
// withdrawal reconciliation.
package engine

import "fmt"

// InconsistencyError reports a mismatch between chain state and ledger
// state that the engine must not repair on its own. A task returning it
// stops making progress on the affected coin until an operator intervenes.
type InconsistencyError struct {
	Coin   string
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency on %s: %s", e.Coin, e.Detail)
}

func inconsistency(coin string, format string, args ...any) error {
	return &InconsistencyError{Coin: coin, Detail: fmt.Sprintf(format, args...)}
}
