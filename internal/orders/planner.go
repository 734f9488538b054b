// Package orders turns validated trade intents into single-leg option orders:
// quantity policy against the open position, price policy against the live
// chain, order construction and submission.
package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
	"github.com/eddiefleurent/alert_trader/internal/util"
)

var (
	// ErrInsufficientPosition rejects a sell when nothing is held.
	ErrInsufficientPosition = errors.New("insufficient position")
	// ErrPriceValidation rejects a trade whose price is off the chain or whose quote is unusable.
	ErrPriceValidation = errors.New("price validation failed")
	// ErrInvalidQuantity rejects a quantity that resolves to zero or less.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrUnresolvedContract rejects planning without a broker symbol.
	ErrUnresolvedContract = errors.New("contract not resolved")
)

// Rejection explains why no order was built. It unwraps to its Reason.
type Rejection struct {
	Reason error  `json:"-"`
	Detail string `json:"detail"`
}

func reject(reason error, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.Error()
	}
	return r.Reason.Error() + ": " + r.Detail
}

func (r *Rejection) Unwrap() error {
	return r.Reason
}

// Config holds execution policy.
type Config struct {
	// PriceTolerance is the largest accepted gap between an alert price and the chain price.
	PriceTolerance decimal.Decimal
	// Duration is the Tradier time-in-force.
	Duration string
	// DryRun submits orders as previews.
	DryRun bool
}

// DefaultConfig is the default execution policy.
var DefaultConfig = Config{
	PriceTolerance: decimal.New(15, -2),
	Duration:       "day",
}

// QuantityPlan is the resolved contract count for an intent.
type QuantityPlan struct {
	Requested  int  `json:"requested"`
	Executable int  `json:"executable"`
	Partial    bool `json:"partial"`
}

// Order is a planned single-leg order.
type Order struct {
	Key               models.ContractKey `json:"key"`
	Action            models.Action      `json:"action"`
	Side              models.Side        `json:"side"`
	Symbol            string             `json:"symbol"`
	Quantity          int                `json:"quantity"`
	RequestedQuantity int                `json:"requested_quantity"`
	Partial           bool               `json:"partial"`
	Type              models.OrderType   `json:"type"`
	LimitPrice        *decimal.Decimal   `json:"limit_price,omitempty"`
	// Price is what the trade is booked at: the alert price, or the chain
	// price for a buy that carried none. Nil for an unpriced sell.
	Price *decimal.Decimal `json:"price,omitempty"`
	Tag   string           `json:"tag"`
}

// OrderResult is the outcome of submitting an Order.
type OrderResult struct {
	Success           bool             `json:"success"`
	OrderID           string           `json:"order_id,omitempty"`
	Status            string           `json:"status,omitempty"`
	ActualQuantity    int              `json:"actual_quantity,omitempty"`
	OrderType         models.OrderType `json:"order_type,omitempty"`
	PartialFill       bool             `json:"partial_fill,omitempty"`
	RequestedQuantity int              `json:"requested_quantity,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// Planner plans and executes orders.
type Planner struct {
	gateway broker.Gateway
	config  Config
	logger  logrus.FieldLogger
	newTag  func() string
}

// NewPlanner creates a planner. A zero tolerance or empty duration takes the default.
func NewPlanner(gateway broker.Gateway, config Config, logger logrus.FieldLogger) *Planner {
	if gateway == nil {
		panic("orders.NewPlanner: gateway must not be nil")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if !config.PriceTolerance.IsPositive() {
		config.PriceTolerance = DefaultConfig.PriceTolerance
	}
	if config.Duration == "" {
		config.Duration = DefaultConfig.Duration
	}
	return &Planner{
		gateway: gateway,
		config:  config,
		logger:  logger.WithField("component", "planner"),
		newTag:  func() string { return "alert-" + uuid.NewString() },
	}
}

// ResolveQuantity turns the intent's quantity spec into a contract count,
// clamping sells to what is held.
func ResolveQuantity(intent models.TradeIntent, available int) (QuantityPlan, *Rejection) {
	q := intent.Quantity

	if intent.Action == models.ActionBought {
		if q.Kind != models.QuantityExplicit || q.Contracts <= 0 {
			return QuantityPlan{}, reject(ErrInvalidQuantity, "buy needs a positive contract count, got %s", q)
		}
		return QuantityPlan{Requested: q.Contracts, Executable: q.Contracts}, nil
	}

	if available < 0 {
		available = 0
	}

	var requested int
	switch q.Kind {
	case models.QuantityAllOut:
		if available == 0 {
			return QuantityPlan{}, reject(ErrInsufficientPosition, "all out with no open position")
		}
		requested = available
	case models.QuantityFraction:
		if available == 0 {
			return QuantityPlan{}, reject(ErrInsufficientPosition, "sell %s with no open position", q)
		}
		if q.Denominator <= 0 || q.Numerator <= 0 {
			return QuantityPlan{}, reject(ErrInvalidQuantity, "fraction %s", q)
		}
		requested = available * q.Numerator / q.Denominator
		if requested <= 0 {
			return QuantityPlan{}, reject(ErrInvalidQuantity, "%s of %d contracts rounds down to zero", q, available)
		}
	case models.QuantityExplicit:
		if q.Contracts <= 0 {
			return QuantityPlan{}, reject(ErrInvalidQuantity, "sell needs a positive contract count, got %d", q.Contracts)
		}
		requested = q.Contracts
	default:
		return QuantityPlan{}, reject(ErrInvalidQuantity, "unknown quantity kind %q", q.Kind)
	}

	if available == 0 {
		return QuantityPlan{}, reject(ErrInsufficientPosition, "sell %d with no open position", requested)
	}
	if requested > available {
		return QuantityPlan{Requested: requested, Executable: available, Partial: true}, nil
	}
	return QuantityPlan{Requested: requested, Executable: requested}, nil
}

// ChainPrice derives the reference price from a quote: last, else the
// bid/ask midpoint, else ask.
func ChainPrice(c *resolver.ResolvedContract) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Zero, fmt.Errorf("%w: no quote", ErrPriceValidation)
	}
	switch {
	case c.Last.IsPositive():
		return c.Last, nil
	case c.Bid.IsPositive() && c.Ask.IsPositive():
		return util.Mid(c.Bid, c.Ask), nil
	case c.Ask.IsPositive():
		return c.Ask, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: quote for %s is unusable", ErrPriceValidation, c.BrokerSymbol)
	}
}

// Plan builds the order for intent. Buys are always market orders and need a
// quote in contract; sells use a limit at the alert price when one was given.
func (p *Planner) Plan(intent models.TradeIntent, qty QuantityPlan, contract *resolver.ResolvedContract) (*Order, *Rejection) {
	if contract == nil || contract.BrokerSymbol == "" {
		return nil, reject(ErrUnresolvedContract, "%s", intent.Key())
	}
	if qty.Executable <= 0 {
		return nil, reject(ErrInsufficientPosition, "nothing to execute for %s", intent.Key())
	}

	order := &Order{
		Key:               intent.Key(),
		Action:            intent.Action,
		Side:              models.SideFor(intent.Action),
		Symbol:            contract.BrokerSymbol,
		Quantity:          qty.Executable,
		RequestedQuantity: qty.Requested,
		Partial:           qty.Partial,
		Type:              models.OrderTypeMarket,
		Tag:               p.newTag(),
	}

	switch intent.Action {
	case models.ActionBought:
		chain, err := ChainPrice(contract)
		if err != nil {
			return nil, reject(ErrPriceValidation, "%v", err)
		}
		if intent.Price == nil {
			order.Price = &chain
			break
		}
		diff := intent.Price.Sub(chain).Abs()
		if diff.GreaterThan(p.config.PriceTolerance) {
			return nil, reject(ErrPriceValidation, "alert price %s is %s from chain price %s (tolerance %s)",
				intent.Price.StringFixed(2), diff.StringFixed(2), chain.StringFixed(2), p.config.PriceTolerance.StringFixed(2))
		}
		price := *intent.Price
		order.Price = &price

	case models.ActionSold:
		if intent.Price == nil {
			break
		}
		price := *intent.Price
		order.Price = &price
		limit := util.RoundToTick(price, util.CentTick)
		if limit.IsPositive() {
			order.Type = models.OrderTypeLimit
			order.LimitPrice = &limit
		}

	default:
		return nil, reject(ErrInvalidQuantity, "unknown action %q", intent.Action)
	}
	return order, nil
}

// Execute submits order. Failures are reported in the result, never retried.
func (p *Planner) Execute(ctx context.Context, order *Order) OrderResult {
	log := p.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"quantity": order.Quantity,
		"type":     string(order.Type),
		"tag":      order.Tag,
	})

	req := broker.OrderRequest{
		OptionSymbol: order.Symbol,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Type:         order.Type,
		Price:        order.LimitPrice,
		Duration:     p.config.Duration,
		Tag:          order.Tag,
		Preview:      p.config.DryRun,
	}

	resp, err := p.gateway.PlaceOrder(ctx, req)
	if err != nil {
		log.WithError(err).Error("Order placement failed")
		return OrderResult{Success: false, Error: err.Error()}
	}
	if resp == nil || resp.Order == nil {
		log.Error("Order placement returned no order")
		return OrderResult{Success: false, Error: broker.ErrMalformedResponse.Error()}
	}

	status := strings.ToLower(resp.Order.Status)
	if status == "rejected" || status == "error" {
		log.WithField("status", status).Error("Order rejected by broker")
		return OrderResult{Success: false, Status: status, Error: fmt.Sprintf("order %s", status)}
	}

	result := OrderResult{
		Success:        true,
		OrderID:        strconv.Itoa(resp.Order.ID),
		Status:         resp.Order.Status,
		ActualQuantity: order.Quantity,
		OrderType:      order.Type,
	}
	if p.config.DryRun {
		result.OrderID = "preview"
	}
	if order.Partial {
		result.PartialFill = true
		result.RequestedQuantity = order.RequestedQuantity
	}
	log.WithFields(logrus.Fields{
		"order_id": result.OrderID,
		"status":   result.Status,
		"partial":  result.PartialFill,
	}).Info("Order placed")
	return result
}
