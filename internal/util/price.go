// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// CentTick is the minimum price increment for option orders.
var CentTick = decimal.New(1, -2)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
// A negative tick uses its absolute value; a zero tick returns x unchanged.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	tick = tick.Abs()
	if tick.IsZero() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// Mid returns the midpoint of bid and ask.
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
