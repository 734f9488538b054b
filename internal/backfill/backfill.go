// Package backfill fills in prices for trades recorded without one.
package backfill

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
	"github.com/eddiefleurent/alert_trader/internal/util"
)

// Store is the part of the trade store backfill needs.
type Store interface {
	TradesMissingPrice(ctx context.Context) ([]models.TradeRecord, error)
	UpdateTradePrice(ctx context.Context, id string, price decimal.Decimal) error
}

// Quoter fetches a live quote for a contract.
type Quoter interface {
	ResolveQuote(ctx context.Context, key models.ContractKey) (*resolver.ResolvedContract, error)
}

// Result counts what a run did.
type Result struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// QuotePrice picks a price from a quote: last, then mid, then ask, then bid.
func QuotePrice(c *resolver.ResolvedContract) (decimal.Decimal, bool) {
	if c == nil {
		return decimal.Zero, false
	}
	switch {
	case c.Last.IsPositive():
		return c.Last, true
	case c.Bid.IsPositive() && c.Ask.IsPositive():
		return util.Mid(c.Bid, c.Ask), true
	case c.Ask.IsPositive():
		return c.Ask, true
	case c.Bid.IsPositive():
		return c.Bid, true
	}
	return decimal.Zero, false
}

// Run prices every trade missing a price using the current quote. A trade
// that cannot be priced is counted as failed and left for the next run.
// With dryRun set nothing is written.
func Run(ctx context.Context, store Store, quotes Quoter, dryRun bool, logger logrus.FieldLogger) (Result, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	trades, err := store.TradesMissingPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load trades missing price: %w", err)
	}
	res := Result{Total: len(trades)}
	if res.Total == 0 {
		logger.Info("No trades with missing prices found")
		return res, nil
	}
	logger.WithField("count", res.Total).Info("Starting price backfill")

	for i, t := range trades {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := logger.WithFields(logrus.Fields{
			"trade_id": t.ID,
			"contract": t.Key.String(),
			"action":   string(t.Action),
			"progress": fmt.Sprintf("%d/%d", i+1, res.Total),
		})

		contract, err := quotes.ResolveQuote(ctx, t.Key)
		if err != nil {
			log.WithError(err).Warn("Could not fetch option data")
			res.Failed++
			continue
		}
		price, ok := QuotePrice(contract)
		if !ok {
			log.Warn("Quote has no usable price")
			res.Failed++
			continue
		}
		price = util.RoundToTick(price, util.CentTick)

		if !dryRun {
			if err := store.UpdateTradePrice(ctx, t.ID, price); err != nil {
				log.WithError(err).Error("Failed to update trade price")
				res.Failed++
				continue
			}
		}
		log.WithField("price", price.StringFixed(2)).Info("Updated trade price")
		res.Updated++
	}

	logger.WithFields(logrus.Fields{
		"total":   res.Total,
		"updated": res.Updated,
		"failed":  res.Failed,
		"dry_run": dryRun,
	}).Info("Backfill completed")
	return res, nil
}
