package shared

import (
	"math"

	"github.com/shopspring/decimal"
)

// QtyEpsilon is the tolerance used when comparing quantities.
const QtyEpsilon = 0.0001

// Round2 rounds money to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// QtyLE reports a <= b within tolerance.
func QtyLE(a, b float64) bool {
	return a <= b+QtyEpsilon
}

// QtyGE reports a >= b within tolerance.
func QtyGE(a, b float64) bool {
	return a+QtyEpsilon >= b
}

// QtyZero reports whether q is zero within tolerance.
func QtyZero(q float64) bool {
	return math.Abs(q) < QtyEpsilon
}
