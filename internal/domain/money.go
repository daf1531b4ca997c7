/**
 * @description
 * Monetary amount type for the transfer engine. Amounts are stored as `int64`
 * minor units so monetary arithmetic never touches binary floating point.
 * Ledger documents written by older clients mix `integerValue` and
 * `doubleValue` balances; conversion happens once, at the store boundary, and
 * doubles that are not exactly representable in minor units are rejected.
 */
package domain

import (
	"errors"
	"fmt"
	"math"
)

// Amount is a monetary value in minor currency units.
type Amount int64

// ErrNonIntegralAmount is returned when a floating-point balance read from the
// store cannot be represented exactly in minor units.
var ErrNonIntegralAmount = errors.New("amount is not representable in minor units")

// AmountFromFloat converts a store double into an Amount. The store holds
// whole minor units in its double fields, so any fractional part means the
// document is corrupt or was written by a client this engine must not trust.
func AmountFromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNonIntegralAmount
	}
	i := int64(f)
	if float64(i) != f {
		return 0, fmt.Errorf("%w: %v", ErrNonIntegralAmount, f)
	}
	return Amount(i), nil
}

// Int64 returns the raw minor-unit value.
func (a Amount) Int64() int64 { return int64(a) }

func (a Amount) String() string {
	return fmt.Sprintf("%d", int64(a))
}
