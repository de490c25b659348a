package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// LedgerDecimals is the fixed precision of every ledger amount. Amounts are
// stored as DECIMAL(24,8) and handled as decimals in Go, never as floats.
const LedgerDecimals = 8

// FromNative converts a native integer amount carrying the given number of
// decimals into the ledger representation. Precision beyond eight decimal
// places is truncated, not rounded.
func FromNative(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals).Truncate(LedgerDecimals)
}

// ToNative converts a ledger amount into native integer units. Ledger
// amounts carry at most eight decimals, so for decimals >= 8 the conversion
// is exact; anything finer than the native precision is truncated.
func ToNative(a decimal.Decimal, decimals int32) *big.Int {
	return a.Shift(decimals).Truncate(0).BigInt()
}

// FormatLedger renders an amount with the ledger's fixed eight decimals,
// e.g. "5.00000000".
func FormatLedger(a decimal.Decimal) string {
	return a.StringFixed(LedgerDecimals)
}

// ParseLedger parses a decimal string and truncates it to ledger precision.
func ParseLedger(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d.Truncate(LedgerDecimals), nil
}
