// Package pipeline runs one alert at a time through parse, resolve, plan,
// execute and book.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/orders"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
)

// Abort reasons. Every non-executed Outcome carries an error that matches one of these.
var (
	ErrParseMismatch        = errors.New("no grammar rule matched")
	ErrResolutionFailure    = errors.New("contract resolution failed")
	ErrPriceValidation      = orders.ErrPriceValidation
	ErrInsufficientPosition = orders.ErrInsufficientPosition
	ErrInvalidQuantity      = orders.ErrInvalidQuantity
	ErrBrokerError          = errors.New("broker error")
)

// Status is the terminal state of one processed message.
type Status string

// Outcome statuses.
const (
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
	StatusExecuted Status = "executed"
)

// Outcome reports what happened to a message.
type Outcome struct {
	MessageID string              `json:"message_id"`
	Status    Status              `json:"status"`
	Err       error               `json:"-"`
	Intent    models.TradeIntent  `json:"intent"`
	Order     *orders.Order       `json:"order,omitempty"`
	Result    *orders.OrderResult `json:"result,omitempty"`
	Trade     *models.TradeRecord `json:"trade,omitempty"`
}

// Parser turns text into an intent.
type Parser interface {
	Parse(text string) models.TradeIntent
}

// Resolver maps contract keys to broker symbols and quotes.
type Resolver interface {
	ResolveSymbol(ctx context.Context, key models.ContractKey) (string, error)
	ResolveQuote(ctx context.Context, key models.ContractKey) (*resolver.ResolvedContract, error)
}

// Ledger is the position state the pipeline reads and updates.
type Ledger interface {
	GetPosition(key models.ContractKey) int
	Update(ctx context.Context, key models.ContractKey, action models.Action, quantity int, price *decimal.Decimal) error
}

// Sink receives one record per executed trade.
type Sink interface {
	Record(ctx context.Context, t models.TradeRecord) error
}

// Processor wires the pipeline stages together.
type Processor struct {
	parser    Parser
	resolver  Resolver
	planner   *orders.Planner
	ledger    Ledger
	sink      Sink
	accountID string
	now       func() time.Time
	logger    logrus.FieldLogger
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Parser    Parser
	Resolver  Resolver
	Planner   *orders.Planner
	Ledger    Ledger
	Sink      Sink
	AccountID string
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

// NewProcessor validates deps and builds a Processor.
func NewProcessor(d Deps) (*Processor, error) {
	if d.Parser == nil || d.Resolver == nil || d.Planner == nil || d.Ledger == nil || d.Sink == nil {
		return nil, errors.New("pipeline: parser, resolver, planner, ledger and sink are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.Logger = l
	}
	return &Processor{
		parser:    d.Parser,
		resolver:  d.Resolver,
		planner:   d.Planner,
		ledger:    d.Ledger,
		sink:      d.Sink,
		accountID: d.AccountID,
		now:       d.Now,
		logger:    d.Logger.WithField("component", "pipeline"),
	}, nil
}

// Process handles a single message to completion. It never panics on bad
// input; every abort is reported in the Outcome.
func (p *Processor) Process(ctx context.Context, msg models.Message) Outcome {
	out := Outcome{MessageID: msg.ID}
	log := p.logger.WithField("message_id", msg.ID)

	intent := p.parser.Parse(msg.Text)
	out.Intent = intent
	if !intent.Valid {
		out.Status = StatusSkipped
		out.Err = ErrParseMismatch
		log.WithField("text", preview(msg.Text)).Warn("Message did not match any trade format")
		return out
	}

	key := intent.Key()
	log = log.WithFields(logrus.Fields{
		"ticker":      key.Ticker,
		"strike":      key.Strike.String(),
		"option_type": string(key.OptionType),
		"action":      string(intent.Action),
	})
	log.WithField("intent", intent.String()).Info("Parsed trade alert")

	available := 0
	if intent.Action == models.ActionSold {
		available = p.ledger.GetPosition(key)
	}
	qty, rej := orders.ResolveQuantity(intent, available)
	if rej != nil {
		return p.rejected(out, log, rej)
	}
	if qty.Partial {
		log.WithFields(logrus.Fields{
			"requested": qty.Requested,
			"available": qty.Executable,
		}).Warn("Clamping sell to open position")
	}

	contract, err := p.resolve(ctx, intent.Action, key)
	if err != nil {
		out.Status = StatusRejected
		out.Err = fmt.Errorf("%w: %w", ErrResolutionFailure, err)
		log.WithError(err).Warn("Could not resolve contract")
		return out
	}

	order, rej := p.planner.Plan(intent, qty, contract)
	if rej != nil {
		return p.rejected(out, log, rej)
	}
	out.Order = order

	result := p.planner.Execute(ctx, order)
	out.Result = &result
	if !result.Success {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("%w: %s", ErrBrokerError, result.Error)
		log.WithField("error", result.Error).Error("Order failed")
		return out
	}
	out.Status = StatusExecuted

	now := p.now().UTC()
	record := models.TradeRecord{
		ID:           models.NewTradeID(now),
		Timestamp:    now,
		MessageID:    msg.ID,
		Key:          key,
		Action:       intent.Action,
		Contracts:    result.ActualQuantity,
		Price:        order.Price,
		OptionSymbol: order.Symbol,
		OrderID:      result.OrderID,
		Status:       result.Status,
		AccountID:    p.accountID,
		OrderType:    result.OrderType,
	}
	out.Trade = &record

	// the order is live at the broker; booking failures are reported, not rolled back
	var bookErr error
	if err := p.ledger.Update(ctx, key, intent.Action, result.ActualQuantity, order.Price); err != nil {
		log.WithError(err).Error("Failed to update position ledger")
		bookErr = multierr.Append(bookErr, err)
	}
	if err := p.sink.Record(ctx, record); err != nil {
		log.WithError(err).Error("Failed to record trade")
		bookErr = multierr.Append(bookErr, err)
	}
	out.Err = bookErr

	log.WithFields(logrus.Fields{
		"order_id":  result.OrderID,
		"contracts": result.ActualQuantity,
		"symbol":    order.Symbol,
	}).Info("Trade executed")
	return out
}

func (p *Processor) resolve(ctx context.Context, action models.Action, key models.ContractKey) (*resolver.ResolvedContract, error) {
	// buys always need a live quote: to validate the alert price, or to stand in for a missing one
	if action == models.ActionBought {
		return p.resolver.ResolveQuote(ctx, key)
	}
	symbol, err := p.resolver.ResolveSymbol(ctx, key)
	if err != nil {
		return nil, err
	}
	return &resolver.ResolvedContract{Key: key, BrokerSymbol: symbol}, nil
}

func (p *Processor) rejected(out Outcome, log logrus.FieldLogger, rej *orders.Rejection) Outcome {
	out.Status = StatusRejected
	out.Err = rej
	log.WithField("reason", rej.Error()).Warn("Trade rejected")
	return out
}

func preview(s string) string {
	const limit = 100
	if len(s) <= limit {
		return s
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
