// Package mock provides an in-memory broker gateway that simulates Tradier
// market data and order handling. It backs the debug command and tests.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

const (
	defaultSpot      = 100.0
	defaultWeeks     = 4
	strikeInterval   = 1.0
	strikesEachSide  = 30
	halfSpread       = 0.05
	minOptionPrice   = 0.05
	expirationLayout = "2006-01-02"
)

// Gateway is a broker.Gateway backed by generated chains and an in-memory book.
type Gateway struct {
	mu          sync.Mutex
	now         func() time.Time
	spot        map[string]float64
	expirations map[string][]string
	chains      map[string][]broker.Option
	positions   map[string]float64
	orders      []broker.OrderRequest
	calls       map[string]int
	nextID      int

	// PlaceErr, when set, is returned by PlaceOrder without touching the book.
	PlaceErr error
}

var _ broker.Gateway = (*Gateway)(nil)

// NewGateway returns a gateway using the wall clock.
func NewGateway() *Gateway {
	return NewGatewayWithClock(time.Now)
}

// NewGatewayWithClock returns a gateway whose generated expirations follow now.
func NewGatewayWithClock(now func() time.Time) *Gateway {
	return &Gateway{
		now:         now,
		spot:        make(map[string]float64),
		expirations: make(map[string][]string),
		chains:      make(map[string][]broker.Option),
		positions:   make(map[string]float64),
		calls:       make(map[string]int),
		nextID:      1000,
	}
}

// SetSpot sets the underlying price chains are generated around.
func (g *Gateway) SetSpot(ticker string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spot[ticker] = price
}

// SetExpirations overrides the generated expiration list for ticker.
func (g *Gateway) SetExpirations(ticker string, dates ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expirations[ticker] = dates
}

// SetChain overrides the generated chain for ticker and expiration.
func (g *Gateway) SetChain(ticker, expiration string, chain []broker.Option) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chains[ticker+"|"+expiration] = chain
}

// Calls returns how many times method was invoked.
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

// Orders returns the orders accepted so far.
func (g *Gateway) Orders() []broker.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.OrderRequest(nil), g.orders...)
}

// GetExpirations lists the configured expirations or the next few Fridays.
func (g *Gateway) GetExpirations(_ context.Context, ticker string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["GetExpirations"]++

	if dates, ok := g.expirations[ticker]; ok {
		return append([]string(nil), dates...), nil
	}
	day := g.now()
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	dates := make([]string, 0, defaultWeeks)
	for i := 0; i < defaultWeeks; i++ {
		dates = append(dates, day.AddDate(0, 0, 7*i).Format(expirationLayout))
	}
	return dates, nil
}

// GetOptionChain returns the configured chain or one generated around spot.
func (g *Gateway) GetOptionChain(_ context.Context, ticker, expiration string) ([]broker.Option, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["GetOptionChain"]++

	if chain, ok := g.chains[ticker+"|"+expiration]; ok {
		return append([]broker.Option(nil), chain...), nil
	}
	expDate, err := time.Parse(expirationLayout, expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	dte := math.Max(0, expDate.Sub(g.now()).Hours()/24)

	spot, ok := g.spot[ticker]
	if !ok {
		spot = defaultSpot
	}
	center := math.Round(spot/strikeInterval) * strikeInterval

	options := make([]broker.Option, 0, 2*(2*strikesEachSide+1))
	for i := -strikesEachSide; i <= strikesEachSide; i++ {
		strike := center + float64(i)*strikeInterval
		if strike <= 0 {
			continue
		}
		options = append(options,
			generateOption(ticker, expDate, strike, spot, dte, models.OptionTypePut),
			generateOption(ticker, expDate, strike, spot, dte, models.OptionTypeCall))
	}
	return options, nil
}

func generateOption(ticker string, exp time.Time, strike, spot, dte float64, ot models.OptionType) broker.Option {
	intrinsic := math.Max(0, spot-strike)
	if ot == models.OptionTypePut {
		intrinsic = math.Max(0, strike-spot)
	}
	// time value decays with distance from spot and grows with days to expiry
	distance := math.Abs(strike - spot)
	timeValue := 0.01 * spot * math.Sqrt((dte+1)/365) * math.Exp(-distance*0.05)
	price := math.Max(minOptionPrice, intrinsic+timeValue)

	key := models.NewContractKey(ticker, decimal.NewFromFloat(strike), ot)
	last := decimal.NewFromFloat(price).Round(2)
	return broker.Option{
		Symbol:         broker.FormatOSI(key, exp),
		Description:    fmt.Sprintf("%s %s $%.2f %s", ticker, exp.Format("Jan 02 2006"), strike, ot.ChainType()),
		OptionType:     ot.ChainType(),
		ExpirationDate: exp.Format(expirationLayout),
		Underlying:     ticker,
		Strike:         key.Strike,
		Bid:            decimal.Max(decimal.Zero, last.Sub(decimal.NewFromFloat(halfSpread))),
		Ask:            last.Add(decimal.NewFromFloat(halfSpread)),
		Last:           last,
	}
}

// PlaceOrder records the order and applies it to the simulated book.
func (g *Gateway) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["PlaceOrder"]++

	if g.PlaceErr != nil {
		return nil, g.PlaceErr
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	if _, err := broker.ParseOSI(req.OptionSymbol); err != nil {
		return nil, err
	}
	if req.Preview {
		return &broker.OrderResponse{Order: &broker.OrderDetail{Status: "ok"}}, nil
	}

	switch req.Side {
	case models.SideBuyToOpen:
		g.positions[req.OptionSymbol] += float64(req.Quantity)
	case models.SideSellToClose:
		if g.positions[req.OptionSymbol] < float64(req.Quantity) {
			return nil, &broker.APIError{Status: 400, Body: "sell_to_close exceeds position"}
		}
		g.positions[req.OptionSymbol] -= float64(req.Quantity)
		if g.positions[req.OptionSymbol] == 0 {
			delete(g.positions, req.OptionSymbol)
		}
	default:
		return nil, fmt.Errorf("unsupported order side %q", req.Side)
	}

	g.nextID++
	g.orders = append(g.orders, req)
	return &broker.OrderResponse{Order: &broker.OrderDetail{
		ID:           g.nextID,
		Status:       "ok",
		OptionSymbol: req.OptionSymbol,
		Side:         string(req.Side),
		Type:         string(req.Type),
		Quantity:     float64(req.Quantity),
	}}, nil
}

// GetPositions lists the simulated book, sorted by symbol.
func (g *Gateway) GetPositions(_ context.Context) ([]broker.PositionItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["GetPositions"]++

	items := make([]broker.PositionItem, 0, len(g.positions))
	for sym, qty := range g.positions {
		items = append(items, broker.PositionItem{Symbol: sym, Quantity: qty})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	return items, nil
}

// SetPosition seeds the simulated book.
func (g *Gateway) SetPosition(symbol string, qty float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if qty == 0 {
		delete(g.positions, symbol)
		return
	}
	g.positions[symbol] = qty
}
