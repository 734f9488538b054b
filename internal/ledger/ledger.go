// Package ledger keeps the authoritative open-position state and cost basis.
//
// The ledger is loaded once at startup and mutated only through Update, which
// writes the backing store before touching memory. Only one process may own a
// given store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Store persists position rows.
type Store interface {
	LoadPositions(ctx context.Context) ([]models.PositionRecord, error)
	UpsertPosition(ctx context.Context, p models.PositionRecord) error
	DeletePosition(ctx context.Context, key models.ContractKey) error
}

// ErrInvalidUpdate is returned for updates that cannot be applied.
var ErrInvalidUpdate = errors.New("invalid ledger update")

// Ledger tracks quantity and weighted average entry price per contract key.
type Ledger struct {
	mu        sync.RWMutex
	store     Store
	positions map[models.KeyID]models.PositionRecord
	now       func() time.Time
	logger    logrus.FieldLogger
}

// New creates an empty ledger over store. Call Load before use.
func New(store Store, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Ledger{
		store:     store,
		positions: make(map[models.KeyID]models.PositionRecord),
		now:       time.Now,
		logger:    logger.WithField("component", "ledger"),
	}
}

// WithClock overrides the clock used for LastUpdated.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Load replaces the in-memory state with the store's positions.
// Rows with a non-positive quantity are ignored.
func (l *Ledger) Load(ctx context.Context) error {
	rows, err := l.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	positions := make(map[models.KeyID]models.PositionRecord, len(rows))
	for _, p := range rows {
		if p.Quantity <= 0 {
			l.logger.WithField("key", p.Key.String()).Warn("Ignoring stored position with non-positive quantity")
			continue
		}
		p.Key = p.Key.Normalize()
		positions[p.Key.ID()] = p
	}

	l.mu.Lock()
	l.positions = positions
	l.mu.Unlock()

	l.logger.WithField("positions", len(positions)).Info("Loaded positions")
	return nil
}

// GetPosition returns the open quantity for key, 0 when flat.
func (l *Ledger) GetPosition(key models.ContractKey) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[key.ID()].Quantity
}

// GetAvgEntryPrice returns the average entry price, or nil when flat.
func (l *Ledger) GetAvgEntryPrice(key models.ContractKey) *decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key.ID()]
	if !ok || p.AvgEntryPrice == nil {
		return nil
	}
	avg := *p.AvgEntryPrice
	return &avg
}

// GetAvailableQuantity clamps requested to the open quantity.
func (l *Ledger) GetAvailableQuantity(key models.ContractKey, requested int) int {
	available := l.GetPosition(key)
	if available <= 0 {
		return 0
	}
	if requested < available {
		return requested
	}
	return available
}

// Get returns a copy of the position for key.
func (l *Ledger) Get(key models.ContractKey) (models.PositionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key.ID()]
	return p, ok
}

// Positions returns a snapshot of all open positions sorted by key.
func (l *Ledger) Positions() []models.PositionRecord {
	l.mu.RLock()
	out := make([]models.PositionRecord, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return a.OptionType < b.OptionType
	})
	return out
}

// Update applies an executed trade. Buys recompute the weighted average entry
// price; sells reduce quantity and keep the average. A position that reaches
// zero is deleted. The store is written first; on a store error nothing changes.
func (l *Ledger) Update(ctx context.Context, key models.ContractKey, action models.Action, quantity int, price *decimal.Decimal) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidUpdate, quantity)
	}
	key = key.Normalize()
	log := l.logger.WithFields(logrus.Fields{
		"ticker":      key.Ticker,
		"strike":      key.Strike.String(),
		"option_type": string(key.OptionType),
		"action":      string(action),
		"quantity":    quantity,
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	current, held := l.positions[key.ID()]

	switch action {
	case models.ActionBought:
		if price == nil {
			return fmt.Errorf("%w: buy of %s without a price", ErrInvalidUpdate, key)
		}
		next := models.PositionRecord{
			Key:           key,
			Quantity:      current.Quantity + quantity,
			AvgEntryPrice: weightedAverage(current, *price, quantity),
			LastUpdated:   l.now().UTC(),
		}
		if err := l.store.UpsertPosition(ctx, next); err != nil {
			return fmt.Errorf("persist position %s: %w", key, err)
		}
		l.positions[key.ID()] = next
		log.WithFields(logrus.Fields{
			"position":  next.Quantity,
			"avg_entry": next.AvgEntryPrice.StringFixed(4),
		}).Info("Position increased")
		return nil

	case models.ActionSold:
		if !held {
			log.Warn("Sell recorded with no open position")
			return nil
		}
		remaining := current.Quantity - quantity
		if remaining <= 0 {
			if err := l.store.DeletePosition(ctx, key); err != nil {
				return fmt.Errorf("delete position %s: %w", key, err)
			}
			delete(l.positions, key.ID())
			log.Info("Position closed")
			return nil
		}
		next := current
		next.Quantity = remaining
		next.LastUpdated = l.now().UTC()
		if err := l.store.UpsertPosition(ctx, next); err != nil {
			return fmt.Errorf("persist position %s: %w", key, err)
		}
		l.positions[key.ID()] = next
		log.WithField("position", remaining).Info("Position reduced")
		return nil

	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidUpdate, action)
	}
}

func weightedAverage(current models.PositionRecord, price decimal.Decimal, added int) *decimal.Decimal {
	if current.Quantity <= 0 || current.AvgEntryPrice == nil {
		p := price
		return &p
	}
	curQty := decimal.NewFromInt(int64(current.Quantity))
	addQty := decimal.NewFromInt(int64(added))
	avg := current.AvgEntryPrice.Mul(curQty).Add(price.Mul(addQty)).Div(curQty.Add(addQty))
	return &avg
}
