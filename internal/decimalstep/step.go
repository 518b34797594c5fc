// Package decimalstep rounds prices and quantities to an exchange's tick
// and lot size, and splits a total quantity into exit legs.
package decimalstep

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// mustPositive panics on a non-finite, zero, or negative step. A bad step
// can only come from a config or programming mistake, never from
// exchange or user input, so it is fatal rather than propagated.
func mustPositive(step decimal.Decimal, name string) {
	if step.LessThanOrEqual(decimal.Zero) {
		panic(fmt.Sprintf("decimalstep: %s must be positive, got %s", name, step))
	}
}

// FloorToStep rounds x down to the nearest multiple of step.
func FloorToStep(x, step decimal.Decimal) decimal.Decimal {
	mustPositive(step, "step")
	if x.IsNegative() {
		panic("decimalstep: FloorToStep requires non-negative x")
	}
	units := x.Div(step).Floor()
	return units.Mul(step)
}

// CeilToStep rounds x up to the nearest multiple of step.
func CeilToStep(x, step decimal.Decimal) decimal.Decimal {
	mustPositive(step, "step")
	if x.IsNegative() {
		panic("decimalstep: CeilToStep requires non-negative x")
	}
	units := x.Div(step).Ceil()
	return units.Mul(step)
}

// RoundNearest rounds x to the nearest multiple of step, ties away from zero.
func RoundNearest(x, step decimal.Decimal) decimal.Decimal {
	mustPositive(step, "step")
	if x.IsNegative() {
		panic("decimalstep: RoundNearest requires non-negative x")
	}
	units := x.Div(step).Round(0)
	return units.Mul(step)
}

// FormatMinimal renders x using the minimal number of decimal places the
// step implies (e.g. step=0.001 -> 3 places), the way an exchange that
// rejects trailing-zero-padded notation expects it.
func FormatMinimal(x, step decimal.Decimal) string {
	places := step.Exponent()
	if places > 0 {
		places = 0
	}
	return x.StringFixed(-places)
}

// Legs is the deterministic 3-leg split of a total quantity in
// integer step-units: standard 33/33/34, degrading to 50/50/0 when the
// total is too small to leave a viable third leg under minQtyUnits.
type Legs struct {
	Qty1, Qty2, Qty3 decimal.Decimal
	Degraded         bool // true when split fell back to 50/50/0
}

// SplitThreeLegs divides qtyTotal into three legs on the lot-size grid.
// qtyTotal must already be an exact multiple of step (callers round
// entry fills through FloorToStep before calling this). minQtyUnits is
// the smallest leg size, in step-units, the exchange will accept; below
// that a third leg cannot be placed and the split degrades to 50/50/0
// (spec.md §3, §9 Open Question: degraded positions carry Legs.Degraded
// so callers can forbid trailing on qty3, per §9's note that trailing
// assumes a non-zero qty3).
func SplitThreeLegs(qtyTotal, step decimal.Decimal, minQtyUnits int64) Legs {
	mustPositive(step, "step")
	if qtyTotal.IsNegative() {
		panic("decimalstep: SplitThreeLegs requires non-negative qtyTotal")
	}
	if minQtyUnits < 0 {
		panic("decimalstep: minQtyUnits must be non-negative")
	}

	totalUnits := qtyTotal.Div(step).Round(0).IntPart()

	u1 := totalUnits * 33 / 100
	u2 := totalUnits * 33 / 100
	u3 := totalUnits - u1 - u2

	if u1 < minQtyUnits || u2 < minQtyUnits || u3 < minQtyUnits {
		h1 := totalUnits / 2
		h2 := totalUnits - h1
		return Legs{
			Qty1:     decimal.NewFromInt(h1).Mul(step),
			Qty2:     decimal.NewFromInt(h2).Mul(step),
			Qty3:     decimal.Zero,
			Degraded: true,
		}
	}

	return Legs{
		Qty1: decimal.NewFromInt(u1).Mul(step),
		Qty2: decimal.NewFromInt(u2).Mul(step),
		Qty3: decimal.NewFromInt(u3).Mul(step),
	}
}

// Sum returns Qty1+Qty2+Qty3, exact by construction since each leg is an
// integer multiple of step summed from integer step-units.
func (l Legs) Sum() decimal.Decimal {
	return l.Qty1.Add(l.Qty2).Add(l.Qty3)
}
