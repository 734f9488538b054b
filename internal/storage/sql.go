package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

type positionRow struct {
	Ticker        string              `db:"ticker"`
	Strike        decimal.Decimal     `db:"strike"`
	OptionType    string              `db:"option_type"`
	Quantity      int                 `db:"quantity"`
	AvgEntryPrice decimal.NullDecimal `db:"avg_entry_price"`
	LastUpdated   string              `db:"last_updated"`
}

func (r positionRow) record() (models.PositionRecord, error) {
	updated, err := parseTimestamp(r.LastUpdated)
	if err != nil {
		return models.PositionRecord{}, err
	}
	p := models.PositionRecord{
		Key:         models.NewContractKey(r.Ticker, r.Strike, models.OptionType(r.OptionType)),
		Quantity:    r.Quantity,
		LastUpdated: updated,
	}
	if r.AvgEntryPrice.Valid {
		avg := r.AvgEntryPrice.Decimal
		p.AvgEntryPrice = &avg
	}
	return p, nil
}

type tradeRow struct {
	ID           string              `db:"id"`
	Timestamp    string              `db:"timestamp"`
	MessageID    string              `db:"message_id"`
	Ticker       string              `db:"ticker"`
	Strike       decimal.Decimal     `db:"strike"`
	OptionType   string              `db:"option_type"`
	Action       string              `db:"action"`
	Contracts    int                 `db:"contracts"`
	Price        decimal.NullDecimal `db:"price"`
	OptionSymbol string              `db:"option_symbol"`
	OrderID      string              `db:"order_id"`
	Status       string              `db:"status"`
	AccountID    string              `db:"account_id"`
	OrderType    string              `db:"order_type"`
}

func (r tradeRow) record() (models.TradeRecord, error) {
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("trade %s: %w", r.ID, err)
	}
	t := models.TradeRecord{
		ID:           r.ID,
		Timestamp:    ts,
		MessageID:    r.MessageID,
		Key:          models.NewContractKey(r.Ticker, r.Strike, models.OptionType(r.OptionType)),
		Action:       models.Action(r.Action),
		Contracts:    r.Contracts,
		OptionSymbol: r.OptionSymbol,
		OrderID:      r.OrderID,
		Status:       r.Status,
		AccountID:    r.AccountID,
		OrderType:    models.OrderType(r.OrderType),
	}
	if r.Price.Valid {
		p := r.Price.Decimal
		t.Price = &p
	}
	return t, nil
}

const tradeColumns = `id, timestamp, message_id, ticker, strike, option_type, action,
	contracts, price, option_symbol, order_id, status, account_id, order_type`

// strikeArg binds a strike rounded to cents so every driver compares it numerically.
func strikeArg(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func nullPrice(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

// LoadPositions returns every stored position.
func (s *SQLStore) LoadPositions(ctx context.Context) ([]models.PositionRecord, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT ticker, strike, option_type, quantity, avg_entry_price, last_updated
		FROM positions ORDER BY ticker, strike, option_type`)
	if err != nil {
		return nil, fmt.Errorf("select positions: %w", err)
	}
	out := make([]models.PositionRecord, 0, len(rows))
	for _, r := range rows {
		p, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPosition returns the stored position for key or ErrNotFound.
func (s *SQLStore) GetPosition(ctx context.Context, key models.ContractKey) (*models.PositionRecord, error) {
	key = key.Normalize()
	var row positionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT ticker, strike, option_type, quantity, avg_entry_price, last_updated
		FROM positions WHERE ticker = ? AND strike = ? AND option_type = ?`),
		key.Ticker, strikeArg(key.Strike), string(key.OptionType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select position %s: %w", key, err)
	}
	p, err := row.record()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPosition inserts or replaces the row for p.Key.
func (s *SQLStore) UpsertPosition(ctx context.Context, p models.PositionRecord) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("upsert position %s: quantity %d must be positive", p.Key, p.Quantity)
	}
	key := p.Key.Normalize()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO positions
		(ticker, strike, option_type, quantity, avg_entry_price, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, strike, option_type) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			last_updated = excluded.last_updated`),
		key.Ticker, strikeArg(key.Strike), string(key.OptionType),
		p.Quantity, nullPrice(p.AvgEntryPrice), formatTimestamp(p.LastUpdated))
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", key, err)
	}
	return nil
}

// DeletePosition removes the row for key. Deleting a missing row is not an error.
func (s *SQLStore) DeletePosition(ctx context.Context, key models.ContractKey) error {
	key = key.Normalize()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM positions
		WHERE ticker = ? AND strike = ? AND option_type = ?`),
		key.Ticker, strikeArg(key.Strike), string(key.OptionType))
	if err != nil {
		return fmt.Errorf("delete position %s: %w", key, err)
	}
	return nil
}

// Record appends a trade. A missing ID gets a fresh ULID.
func (s *SQLStore) Record(ctx context.Context, t models.TradeRecord) error {
	if t.ID == "" {
		t.ID = models.NewTradeID(t.Timestamp)
	}
	key := t.Key.Normalize()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, formatTimestamp(t.Timestamp), t.MessageID, key.Ticker, strikeArg(key.Strike),
		string(key.OptionType), string(t.Action), t.Contracts, nullPrice(t.Price),
		t.OptionSymbol, t.OrderID, t.Status, t.AccountID, string(t.OrderType))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTrade returns one trade by id or ErrNotFound.
func (s *SQLStore) GetTrade(ctx context.Context, id string) (*models.TradeRecord, error) {
	var row tradeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+tradeColumns+` FROM trades WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select trade %s: %w", id, err)
	}
	t, err := row.record()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrades returns the trades matching f and the total number of matches
// before pagination. Newest first unless f.Ascending.
func (s *SQLStore) ListTrades(ctx context.Context, f TradeFilter) ([]models.TradeRecord, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(f.Ticker)))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTimestamp(*f.Start))
	}
	if f.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTimestamp(*f.End))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM trades`+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	order := " ORDER BY timestamp DESC, id DESC"
	if f.Ascending {
		order = " ORDER BY timestamp ASC, id ASC"
	}
	query := `SELECT ` + tradeColumns + ` FROM trades` + clause + order
	switch {
	case f.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	case f.Offset > 0 && s.driver == DriverSQLite:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	case f.Offset > 0:
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("select trades: %w", err)
	}
	out := make([]models.TradeRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.record()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, nil
}

// TradeCounts summarizes the trade table.
func (s *SQLStore) TradeCounts(ctx context.Context) (TradeCounts, error) {
	var row struct {
		Total  int            `db:"total"`
		Bought int            `db:"bought"`
		Sold   int            `db:"sold"`
		Last   sql.NullString `db:"last_trade"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN action = 'BOUGHT' THEN 1 ELSE 0 END), 0) AS bought,
		COALESCE(SUM(CASE WHEN action = 'SOLD' THEN 1 ELSE 0 END), 0) AS sold,
		MAX(timestamp) AS last_trade
		FROM trades`)
	if err != nil {
		return TradeCounts{}, fmt.Errorf("count trades: %w", err)
	}
	counts := TradeCounts{Total: row.Total, Bought: row.Bought, Sold: row.Sold}
	if row.Last.Valid {
		ts, err := parseTimestamp(row.Last.String)
		if err != nil {
			return TradeCounts{}, err
		}
		counts.LastTrade = &ts
	}
	return counts, nil
}

// TradesMissingPrice returns trades recorded without a price, oldest first.
func (s *SQLStore) TradesMissingPrice(ctx context.Context) ([]models.TradeRecord, error) {
	var rows []tradeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+tradeColumns+` FROM trades
		WHERE price IS NULL ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select trades missing price: %w", err)
	}
	out := make([]models.TradeRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateTradePrice sets the price of an existing trade.
func (s *SQLStore) UpdateTradePrice(ctx context.Context, id string, price decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE trades SET price = ? WHERE id = ?`), price, id)
	if err != nil {
		return fmt.Errorf("update trade %s price: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trade %s price: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsProcessed reports whether the message id was marked processed.
func (s *SQLStore) IsProcessed(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM processed_messages WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkProcessed records the message id. Marking twice keeps the first time.
func (s *SQLStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO processed_messages (id, processed_at)
		VALUES (?, ?) ON CONFLICT (id) DO NOTHING`), id, formatTimestamp(at))
	if err != nil {
		return fmt.Errorf("mark message %s: %w", id, err)
	}
	return nil
}
