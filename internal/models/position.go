package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// sharesPerContract is the standard equity option multiplier.
const sharesPerContract = 100

// PositionRecord is one open option position with its cost basis.
// AvgEntryPrice is set iff Quantity > 0; a zero-quantity record is never kept.
type PositionRecord struct {
	Key           ContractKey      `json:"key"`
	Quantity      int              `json:"quantity"`
	AvgEntryPrice *decimal.Decimal `json:"avg_entry_price"`
	LastUpdated   time.Time        `json:"last_updated"`
}

// IsOpen reports whether the record holds any contracts.
func (p *PositionRecord) IsOpen() bool {
	return p != nil && p.Quantity > 0
}

// CostBasis returns quantity * avg entry * multiplier, or zero when flat.
func (p *PositionRecord) CostBasis() decimal.Decimal {
	if !p.IsOpen() || p.AvgEntryPrice == nil {
		return decimal.Zero
	}
	return p.AvgEntryPrice.Mul(decimal.NewFromInt(int64(p.Quantity * sharesPerContract)))
}

// UnrealizedPnL values the position at mark.
func (p *PositionRecord) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() || p.AvgEntryPrice == nil {
		return decimal.Zero
	}
	return mark.Sub(*p.AvgEntryPrice).Mul(decimal.NewFromInt(int64(p.Quantity * sharesPerContract)))
}

// RealizedPnL is the P/L of selling qty contracts at exit against an average entry.
func RealizedPnL(avgEntry, exit decimal.Decimal, qty int) decimal.Decimal {
	return exit.Sub(avgEntry).Mul(decimal.NewFromInt(int64(qty * sharesPerContract)))
}
