package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// OrderType is the Tradier order type we submit.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit executes at the limit price or better.
	OrderTypeLimit OrderType = "limit"
)

// Side is the Tradier option order side.
type Side string

const (
	// SideBuyToOpen opens a long option position.
	SideBuyToOpen Side = "buy_to_open"
	// SideSellToClose closes a long option position.
	SideSellToClose Side = "sell_to_close"
)

// SideFor maps an alert action to the order side.
func SideFor(a Action) Side {
	if a == ActionSold {
		return SideSellToClose
	}
	return SideBuyToOpen
}

// Message is one raw alert as delivered by a message source.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

// TradeRecord is the immutable row emitted after a successful execution.
type TradeRecord struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	MessageID    string           `json:"message_id"`
	Key          ContractKey      `json:"key"`
	Action       Action           `json:"action"`
	Contracts    int              `json:"contracts"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	OptionSymbol string           `json:"option_symbol"`
	OrderID      string           `json:"order_id"`
	Status       string           `json:"status"`
	AccountID    string           `json:"account_id,omitempty"`
	OrderType    OrderType        `json:"order_type"`
}

// NewTradeID returns a time-sortable identifier for a trade record.
func NewTradeID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
