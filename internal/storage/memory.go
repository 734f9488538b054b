package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// MemoryStore implements Interface in memory for tests and the debug command.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[models.KeyID]models.PositionRecord
	trades    []models.TradeRecord
	processed map[string]time.Time

	writeError error
	loadError  error
	calls      map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[models.KeyID]models.PositionRecord),
		processed: make(map[string]time.Time),
		calls:     make(map[string]int),
	}
}

// SetWriteError makes every subsequent write fail with err. Nil clears it.
func (m *MemoryStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetLoadError makes LoadPositions fail with err. Nil clears it.
func (m *MemoryStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// CallCount returns how many times method was invoked.
func (m *MemoryStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MemoryStore) track(method string) {
	m.calls[method]++
}

// LoadPositions returns every stored position.
func (m *MemoryStore) LoadPositions(_ context.Context) ([]models.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("LoadPositions")
	if m.loadError != nil {
		return nil, m.loadError
	}
	out := make([]models.PositionRecord, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, copyPosition(p))
	}
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
	return out, nil
}

// GetPosition returns the stored position for key or ErrNotFound.
func (m *MemoryStore) GetPosition(_ context.Context, key models.ContractKey) (*models.PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("GetPosition")
	p, ok := m.positions[key.ID()]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key.Normalize(), ErrNotFound)
	}
	p = copyPosition(p)
	return &p, nil
}

// UpsertPosition inserts or replaces the position for p.Key.
func (m *MemoryStore) UpsertPosition(_ context.Context, p models.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("UpsertPosition")
	if m.writeError != nil {
		return m.writeError
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("upsert position %s: quantity %d must be positive", p.Key, p.Quantity)
	}
	p.Key = p.Key.Normalize()
	p.LastUpdated = p.LastUpdated.UTC()
	m.positions[p.Key.ID()] = copyPosition(p)
	return nil
}

// DeletePosition removes the position for key.
func (m *MemoryStore) DeletePosition(_ context.Context, key models.ContractKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("DeletePosition")
	if m.writeError != nil {
		return m.writeError
	}
	delete(m.positions, key.ID())
	return nil
}

// Record appends a trade. A missing ID gets a fresh ULID.
func (m *MemoryStore) Record(_ context.Context, t models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("Record")
	if m.writeError != nil {
		return m.writeError
	}
	if t.ID == "" {
		t.ID = models.NewTradeID(t.Timestamp)
	}
	for _, existing := range m.trades {
		if existing.ID == t.ID {
			return fmt.Errorf("insert trade: duplicate id %s", t.ID)
		}
	}
	t.Key = t.Key.Normalize()
	t.Timestamp = t.Timestamp.UTC()
	m.trades = append(m.trades, copyTrade(t))
	return nil
}

// GetTrade returns one trade by id or ErrNotFound.
func (m *MemoryStore) GetTrade(_ context.Context, id string) (*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("GetTrade")
	for _, t := range m.trades {
		if t.ID == id {
			t = copyTrade(t)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
}

// ListTrades returns the trades matching f and the total before pagination.
func (m *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]models.TradeRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("ListTrades")

	ticker := strings.ToUpper(strings.TrimSpace(f.Ticker))
	var matched []models.TradeRecord
	for _, t := range m.trades {
		if ticker != "" && t.Key.Ticker != ticker {
			continue
		}
		if f.Action != "" && t.Action != f.Action {
			continue
		}
		if f.Start != nil && t.Timestamp.Before(*f.Start) {
			continue
		}
		if f.End != nil && t.Timestamp.After(*f.End) {
			continue
		}
		matched = append(matched, copyTrade(t))
	}
	sortTrades(matched, f.Ascending)

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []models.TradeRecord{}
	}
	return matched, total, nil
}

// TradeCounts summarizes the recorded trades.
func (m *MemoryStore) TradeCounts(_ context.Context) (TradeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("TradeCounts")
	var c TradeCounts
	for _, t := range m.trades {
		c.Total++
		switch t.Action {
		case models.ActionBought:
			c.Bought++
		case models.ActionSold:
			c.Sold++
		}
		if c.LastTrade == nil || t.Timestamp.After(*c.LastTrade) {
			ts := t.Timestamp
			c.LastTrade = &ts
		}
	}
	return c, nil
}

// TradesMissingPrice returns trades without a price, oldest first.
func (m *MemoryStore) TradesMissingPrice(_ context.Context) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("TradesMissingPrice")
	var out []models.TradeRecord
	for _, t := range m.trades {
		if t.Price == nil {
			out = append(out, copyTrade(t))
		}
	}
	sortTrades(out, true)
	return out, nil
}

// UpdateTradePrice sets the price of an existing trade.
func (m *MemoryStore) UpdateTradePrice(_ context.Context, id string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("UpdateTradePrice")
	if m.writeError != nil {
		return m.writeError
	}
	for i := range m.trades {
		if m.trades[i].ID == id {
			p := price
			m.trades[i].Price = &p
			return nil
		}
	}
	return fmt.Errorf("trade %s: %w", id, ErrNotFound)
}

// IsProcessed reports whether the message id was marked processed.
func (m *MemoryStore) IsProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("IsProcessed")
	_, ok := m.processed[id]
	return ok, nil
}

// MarkProcessed records the message id. Marking twice keeps the first time.
func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("MarkProcessed")
	if m.writeError != nil {
		return m.writeError
	}
	if _, ok := m.processed[id]; !ok {
		m.processed[id] = at.UTC()
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func sortTrades(trades []models.TradeRecord, ascending bool) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if ascending {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
}

func copyPosition(p models.PositionRecord) models.PositionRecord {
	if p.AvgEntryPrice != nil {
		avg := *p.AvgEntryPrice
		p.AvgEntryPrice = &avg
	}
	return p
}

func copyTrade(t models.TradeRecord) models.TradeRecord {
	if t.Price != nil {
		price := *t.Price
		t.Price = &price
	}
	return t
}
