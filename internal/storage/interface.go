package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// PositionStore persists open positions. Rows always have quantity > 0.
type PositionStore interface {
	LoadPositions(ctx context.Context) ([]models.PositionRecord, error)
	GetPosition(ctx context.Context, key models.ContractKey) (*models.PositionRecord, error)
	UpsertPosition(ctx context.Context, p models.PositionRecord) error
	DeletePosition(ctx context.Context, key models.ContractKey) error
}

// TradeStore is the append-only trade history.
type TradeStore interface {
	Record(ctx context.Context, t models.TradeRecord) error
	GetTrade(ctx context.Context, id string) (*models.TradeRecord, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]models.TradeRecord, int, error)
	TradeCounts(ctx context.Context) (TradeCounts, error)
	TradesMissingPrice(ctx context.Context) ([]models.TradeRecord, error)
	UpdateTradePrice(ctx context.Context, id string, price decimal.Decimal) error
}

// MessageLog remembers which source messages were already handled.
type MessageLog interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

// Interface is the full storage surface shared by the bot and the dashboard.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	PositionStore
	TradeStore
	MessageLog
	Close() error
}

// TradeFilter narrows ListTrades. A zero Limit means no limit.
type TradeFilter struct {
	Ticker    string
	Action    models.Action
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// TradeCounts summarizes the trade table.
type TradeCounts struct {
	Total     int        `json:"total_trades"`
	Bought    int        `json:"bought_trades"`
	Sold      int        `json:"sold_trades"`
	LastTrade *time.Time `json:"last_trade_timestamp,omitempty"`
}

var (
	_ Interface = (*SQLStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
