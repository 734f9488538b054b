package dashboard

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// RealizedEntry is one closing sale matched against the running average cost.
type RealizedEntry struct {
	TradeID    string            `json:"trade_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Ticker     string            `json:"ticker"`
	Strike     decimal.Decimal   `json:"strike"`
	OptionType models.OptionType `json:"option_type"`
	Contracts  int               `json:"contracts"`
	EntryPrice decimal.Decimal   `json:"entry_price"`
	ExitPrice  decimal.Decimal   `json:"exit_price"`
	RealizedPL decimal.Decimal   `json:"realized_pl"`
}

// UnrealizedEntry values one open position at the current chain price.
type UnrealizedEntry struct {
	Ticker        string            `json:"ticker"`
	Strike        decimal.Decimal   `json:"strike"`
	OptionType    models.OptionType `json:"option_type"`
	Quantity      int               `json:"quantity"`
	AvgEntryPrice decimal.Decimal   `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal   `json:"current_price"`
	UnrealizedPL  decimal.Decimal   `json:"unrealized_pl"`
}

// DailyPL is the net option cash flow of one day.
type DailyPL struct {
	Date         string          `json:"date"`
	DailyPL      decimal.Decimal `json:"daily_pl"`
	CumulativePL decimal.Decimal `json:"cumulative_pl"`
}

// TickerPL is realized P/L summed per underlying.
type TickerPL struct {
	Ticker string          `json:"ticker"`
	PL     decimal.Decimal `json:"pl"`
}

type costBasis struct {
	qty int
	avg *decimal.Decimal
}

// RealizedPL replays trades in time order and prices every SOLD with a known
// price against the average entry of the contracts held at that moment.
// Sales of contracts whose entry price is unknown produce no entry.
// The result is newest first.
func RealizedPL(trades []models.TradeRecord) []RealizedEntry {
	ordered := append([]models.TradeRecord(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	books := make(map[models.KeyID]*costBasis)
	var out []RealizedEntry
	for _, t := range ordered {
		id := t.Key.ID()
		book, ok := books[id]
		if !ok {
			book = &costBasis{}
			books[id] = book
		}

		switch t.Action {
		case models.ActionBought:
			if t.Price != nil {
				book.avg = blend(book, *t.Price, t.Contracts)
			}
			book.qty += t.Contracts
		case models.ActionSold:
			closed := t.Contracts
			if closed > book.qty {
				closed = book.qty
			}
			if closed > 0 && t.Price != nil && book.avg != nil {
				out = append(out, RealizedEntry{
					TradeID:    t.ID,
					Timestamp:  t.Timestamp,
					Ticker:     t.Key.Ticker,
					Strike:     t.Key.Strike,
					OptionType: t.Key.OptionType,
					Contracts:  closed,
					EntryPrice: *book.avg,
					ExitPrice:  *t.Price,
					RealizedPL: models.RealizedPnL(*book.avg, *t.Price, closed),
				})
			}
			book.qty -= closed
			if book.qty == 0 {
				book.avg = nil
			}
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func blend(book *costBasis, price decimal.Decimal, added int) *decimal.Decimal {
	if book.avg == nil || book.qty <= 0 {
		p := price
		return &p
	}
	total := book.avg.Mul(decimal.NewFromInt(int64(book.qty))).
		Add(price.Mul(decimal.NewFromInt(int64(added))))
	avg := total.Div(decimal.NewFromInt(int64(book.qty + added)))
	return &avg
}

// TotalRealized sums the realized entries.
func TotalRealized(entries []RealizedEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.RealizedPL)
	}
	return total
}

// PLHistory buckets priced trades by calendar day in loc: buys are outflows,
// sells inflows. Days are ascending with a running total.
func PLHistory(trades []models.TradeRecord, loc *time.Location) []DailyPL {
	if loc == nil {
		loc = time.UTC
	}
	daily := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.Price == nil {
			continue
		}
		flow := t.Price.Mul(decimal.NewFromInt(int64(t.Contracts * 100)))
		if t.Action == models.ActionBought {
			flow = flow.Neg()
		}
		day := t.Timestamp.In(loc).Format("2006-01-02")
		daily[day] = daily[day].Add(flow)
	}

	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)

	history := make([]DailyPL, 0, len(days))
	cumulative := decimal.Zero
	for _, d := range days {
		cumulative = cumulative.Add(daily[d])
		history = append(history, DailyPL{Date: d, DailyPL: daily[d], CumulativePL: cumulative})
	}
	return history
}

// TickerTotals groups realized P/L by ticker, sorted by ticker.
func TickerTotals(entries []RealizedEntry) []TickerPL {
	sums := make(map[string]decimal.Decimal)
	for _, e := range entries {
		sums[e.Ticker] = sums[e.Ticker].Add(e.RealizedPL)
	}
	out := make([]TickerPL, 0, len(sums))
	for t, pl := range sums {
		out = append(out, TickerPL{Ticker: t, PL: pl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
