package fees

import (
	"fmt"
	"math/big"
)

// MaxBasisPoints bounds any fee rate expressed in basis points.
const MaxBasisPoints uint32 = 10_000

// DiscountCap is the reputation value at which the fee discount saturates at
// 100%.
const DiscountCap uint64 = 100

// DefaultBaseFeeBps is the coordinator's default base fee of 0.50%.
const DefaultBaseFeeBps uint32 = 50

// Policy captures the mutable fee configuration. The base rate is changeable
// only through the administrator surface.
type Policy struct {
	BaseFeeBps uint32
}

// Validate ensures the policy stays within representable bounds.
func (p Policy) Validate() error {
	if p.BaseFeeBps > MaxBasisPoints {
		return fmt.Errorf("fees: base fee %d bps exceeds %d", p.BaseFeeBps, MaxBasisPoints)
	}
	return nil
}

// Discount resolves the percentage discount earned by the supplied
// reputation, saturating at DiscountCap.
func Discount(reputation uint64) uint64 {
	if reputation > DiscountCap {
		return DiscountCap
	}
	return reputation
}

// EffectiveBps reports the advisory fee rate for an agent after the
// reputation discount. The value truncates to whole basis points and is meant
// for display; Calculate stages the arithmetic against the gross amount so
// sub-bps discounts still take effect.
func EffectiveBps(baseFeeBps uint32, reputation uint64) uint32 {
	return uint32(uint64(baseFeeBps) * (100 - Discount(reputation)) / 100)
}

// Calculate computes the fee owed on the supplied gross amount for an agent
// with the given reputation. The function is pure: it never mutates its
// inputs and carries no state.
//
// The arithmetic order is fixed: base rate applied to the gross amount first,
// reputation discount second, with truncating integer division at each step.
// Reordering changes rounding outcomes at small amounts.
func Calculate(baseFeeBps uint32, reputation uint64, gross *big.Int) *big.Int {
	if gross == nil || gross.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(uint64(baseFeeBps)))
	fee.Div(fee, big.NewInt(int64(MaxBasisPoints)))
	fee.Mul(fee, new(big.Int).SetUint64(100-Discount(reputation)))
	return fee.Div(fee, big.NewInt(100))
}

// Quote summarises the fee split for a prospective escrow.
type Quote struct {
	Fee *big.Int
	Net *big.Int
	Bps uint32
}

// QuoteFee computes fee, net amount and the advisory effective rate in one
// call.
func QuoteFee(baseFeeBps uint32, reputation uint64, gross *big.Int) Quote {
	q := Quote{Bps: EffectiveBps(baseFeeBps, reputation)}
	q.Fee = Calculate(baseFeeBps, reputation, gross)
	if gross == nil {
		q.Net = big.NewInt(0)
		return q
	}
	q.Net = new(big.Int).Sub(gross, q.Fee)
	return q
}
