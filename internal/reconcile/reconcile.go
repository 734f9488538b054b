// Package reconcile compares the ledger with what the broker reports. It never
// writes to either side.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

const positionsFetchTimeout = 8 * time.Second

// PositionSource is the broker side.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// PositionLoader is the ledger side.
type PositionLoader interface {
	LoadPositions(ctx context.Context) ([]models.PositionRecord, error)
}

// Drift is a contract whose quantities disagree.
type Drift struct {
	Key     models.ContractKey `json:"key"`
	Ledger  int                `json:"ledger"`
	Broker  int                `json:"broker"`
	Symbols []string           `json:"symbols,omitempty"`
}

// Delta is broker minus ledger.
func (d Drift) Delta() int {
	return d.Broker - d.Ledger
}

// Report is the outcome of a comparison.
type Report struct {
	Checked   int      `json:"checked"`
	Matched   int      `json:"matched"`
	Drift     []Drift  `json:"drift"`
	NonOption []string `json:"non_option,omitempty"`
}

// InSync reports whether no drift was found.
func (r Report) InSync() bool {
	return len(r.Drift) == 0
}

type side struct {
	key     models.ContractKey
	ledger  int
	broker  float64
	symbols []string
}

// Compare matches broker positions to ledger records by contract key. Broker
// positions in several expirations of the same key are summed, since the
// ledger does not track expiration.
func Compare(ledger []models.PositionRecord, positions []broker.PositionItem) Report {
	sides := make(map[models.KeyID]*side)
	get := func(k models.ContractKey) *side {
		id := k.ID()
		s, ok := sides[id]
		if !ok {
			s = &side{key: k.Normalize()}
			sides[id] = s
		}
		return s
	}

	for _, p := range ledger {
		get(p.Key).ledger += p.Quantity
	}

	var report Report
	for _, item := range positions {
		osi, err := broker.ParseOSI(item.Symbol)
		if err != nil {
			report.NonOption = append(report.NonOption, item.Symbol)
			continue
		}
		s := get(osi.Key())
		s.broker += item.Quantity
		s.symbols = append(s.symbols, item.Symbol)
	}

	for _, s := range sides {
		report.Checked++
		brokerQty := int(math.Round(s.broker))
		if brokerQty == s.ledger {
			report.Matched++
			continue
		}
		sort.Strings(s.symbols)
		report.Drift = append(report.Drift, Drift{Key: s.key, Ledger: s.ledger, Broker: brokerQty, Symbols: s.symbols})
	}
	sort.Slice(report.Drift, func(i, j int) bool {
		a, b := report.Drift[i].Key, report.Drift[j].Key
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return a.OptionType < b.OptionType
	})
	sort.Strings(report.NonOption)
	return report
}

// Run fetches both sides and logs every mismatch.
func Run(ctx context.Context, src PositionSource, store PositionLoader, logger logrus.FieldLogger) (Report, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	records, err := store.LoadPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load ledger positions: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	positions, err := src.GetPositions(fetchCtx)
	if err != nil {
		return Report{}, fmt.Errorf("get broker positions: %w", err)
	}

	logger.Infof("Reconciling %d ledger positions with %d broker positions", len(records), len(positions))
	report := Compare(records, positions)
	for _, d := range report.Drift {
		logger.WithFields(logrus.Fields{
			"contract": d.Key.String(),
			"ledger":   d.Ledger,
			"broker":   d.Broker,
			"delta":    d.Delta(),
		}).Warn("Position drift")
	}
	if report.InSync() {
		logger.WithField("checked", report.Checked).Info("Ledger matches broker")
	}
	return report, nil
}
