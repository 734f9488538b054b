// Package importer loads the legacy trades CSV into the trade store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/ledger"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

const notAvailable = "N/A"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Row is one line of the legacy CSV. Price and order_type are optional
// columns; older files do not have them.
type Row struct {
	Timestamp    string `csv:"timestamp"`
	MessageID    string `csv:"message_id"`
	Ticker       string `csv:"ticker"`
	Strike       string `csv:"strike"`
	OptionType   string `csv:"option_type"`
	Action       string `csv:"action"`
	Contracts    string `csv:"contracts"`
	Price        string `csv:"price"`
	OptionSymbol string `csv:"option_symbol"`
	OrderID      string `csv:"order_id"`
	Status       string `csv:"status"`
	AccountID    string `csv:"account_id"`
	OrderType    string `csv:"order_type"`
}

// TradeStore receives imported trades.
type TradeStore interface {
	Record(ctx context.Context, t models.TradeRecord) error
}

// Result counts what an import did.
type Result struct {
	Rows      int `json:"rows"`
	Imported  int `json:"imported"`
	Skipped   int `json:"skipped"`
	Positions int `json:"positions"`
}

// Importer converts legacy rows into trade records.
type Importer struct {
	// Location applies to timestamps written without a zone.
	Location *time.Location
	logger   logrus.FieldLogger
}

// New creates an importer. Naive timestamps are read in loc.
func New(loc *time.Location, logger logrus.FieldLogger) *Importer {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Importer{Location: loc, logger: logger.WithField("component", "importer")}
}

// ReadRows decodes the CSV.
func ReadRows(r io.Reader) ([]*Row, error) {
	var rows []*Row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return rows, nil
}

// Record converts a row into a trade record with a fresh id.
func (im *Importer) Record(row *Row) (models.TradeRecord, error) {
	ts, err := im.parseTimestamp(row.Timestamp)
	if err != nil {
		return models.TradeRecord{}, err
	}
	strike, err := decimal.NewFromString(strings.TrimSpace(row.Strike))
	if err != nil || !strike.IsPositive() {
		return models.TradeRecord{}, fmt.Errorf("invalid strike %q", row.Strike)
	}
	ot, err := models.ParseOptionType(row.OptionType)
	if err != nil {
		return models.TradeRecord{}, err
	}
	action, err := models.ParseAction(row.Action)
	if err != nil {
		return models.TradeRecord{}, err
	}
	contracts, err := strconv.Atoi(strings.TrimSpace(row.Contracts))
	if err != nil || contracts <= 0 {
		return models.TradeRecord{}, fmt.Errorf("invalid contracts %q", row.Contracts)
	}

	rec := models.TradeRecord{
		ID:           models.NewTradeID(ts),
		Timestamp:    ts.UTC(),
		MessageID:    strings.TrimSpace(row.MessageID),
		Key:          models.NewContractKey(row.Ticker, strike, ot),
		Action:       action,
		Contracts:    contracts,
		OptionSymbol: strings.TrimSpace(row.OptionSymbol),
		OrderID:      orDefault(row.OrderID, notAvailable),
		Status:       orDefault(row.Status, notAvailable),
		AccountID:    strings.TrimSpace(row.AccountID),
		OrderType:    models.OrderType(orDefault(strings.ToLower(row.OrderType), string(models.OrderTypeMarket))),
	}
	if rec.Key.Ticker == "" {
		return models.TradeRecord{}, errors.New("missing ticker")
	}
	// an unreadable price is treated as missing; backfill can fill it later
	if p, err := decimal.NewFromString(strings.TrimSpace(row.Price)); err == nil && p.IsPositive() {
		rec.Price = &p
	}
	return rec, nil
}

// Import reads the CSV and records every valid row. Invalid rows are logged
// and skipped. The imported records are returned oldest first.
func (im *Importer) Import(ctx context.Context, r io.Reader, store TradeStore) ([]models.TradeRecord, Result, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return nil, Result{}, err
	}
	res := Result{Rows: len(rows)}

	var imported []models.TradeRecord
	for i, row := range rows {
		line := i + 2 // header is line 1
		rec, err := im.Record(row)
		if err != nil {
			im.logger.WithError(err).WithField("line", line).Warn("Skipping invalid row")
			res.Skipped++
			continue
		}
		if err := store.Record(ctx, rec); err != nil {
			return imported, res, fmt.Errorf("record line %d: %w", line, err)
		}
		imported = append(imported, rec)
		res.Imported++
	}

	sort.SliceStable(imported, func(i, j int) bool {
		return imported[i].Timestamp.Before(imported[j].Timestamp)
	})
	im.logger.WithFields(logrus.Fields{
		"rows":     res.Rows,
		"imported": res.Imported,
		"skipped":  res.Skipped,
	}).Info("CSV import finished")
	return imported, res, nil
}

// RebuildPositions clears every stored position and replays trades, oldest
// first, through a fresh ledger over store. Buys without a price cannot carry
// a cost basis and are skipped. It returns the number of open positions.
func (im *Importer) RebuildPositions(ctx context.Context, trades []models.TradeRecord, store ledger.Store) (int, error) {
	existing, err := store.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load positions: %w", err)
	}
	for _, p := range existing {
		if err := store.DeletePosition(ctx, p.Key); err != nil {
			return 0, fmt.Errorf("clear position %s: %w", p.Key, err)
		}
	}

	ordered := append([]models.TradeRecord(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var at time.Time
	l := ledger.New(store, im.logger).WithClock(func() time.Time { return at })
	if err := l.Load(ctx); err != nil {
		return 0, err
	}
	for _, t := range ordered {
		if t.Action == models.ActionBought && t.Price == nil {
			im.logger.WithField("trade_id", t.ID).Warn("Buy has no price, leaving it out of the rebuilt positions")
			continue
		}
		at = t.Timestamp
		if err := l.Update(ctx, t.Key, t.Action, t.Contracts, t.Price); err != nil {
			return 0, fmt.Errorf("replay trade %s: %w", t.ID, err)
		}
	}
	open := len(l.Positions())
	im.logger.WithField("positions", open).Info("Rebuilt positions from trades")
	return open, nil
}

func (im *Importer) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, im.Location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
