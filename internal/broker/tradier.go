// Package broker provides the Tradier REST client used for market data and
// single-leg option orders.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

const (
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"
	productionBaseURL = "https://api.tradier.com/v1"
	defaultTimeout    = 10 * time.Second
	maxErrorBody      = 64 << 10
)

// ErrMalformedResponse is returned when a 2xx response lacks the fields we need.
var ErrMalformedResponse = errors.New("malformed broker response")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI talks to the Tradier v1 REST API.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a client for the sandbox or production endpoint.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "", nil)
}

// NewTradierAPIWithBaseURL creates a client with an optional base URL override and HTTP client.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string, client *http.Client) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = sandboxBaseURL
		} else {
			baseURL = productionBaseURL
		}
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &TradierAPI{
		client:    client,
		logger:    discardLogger(),
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout > 0 && t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l.WithField("component", "tradier")
	}
	return t
}

// AccountID returns the account orders are placed against.
func (t *TradierAPI) AccountID() string {
	return t.accountID
}

// ============ Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options *struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option is one series in an option chain.
type Option struct {
	Symbol         string          `json:"symbol"`
	Description    string          `json:"description"`
	OptionType     string          `json:"option_type"`
	ExpirationDate string          `json:"expiration_date"`
	Underlying     string          `json:"underlying"`
	Strike         decimal.Decimal `json:"strike"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	Last           decimal.Decimal `json:"last"`
	Volume         int64           `json:"volume"`
	OpenInterest   int64           `json:"open_interest"`
}

// Validate checks the fields the resolver relies on.
func (o Option) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: option without symbol", ErrMalformedResponse)
	}
	if o.OptionType != "call" && o.OptionType != "put" {
		return fmt.Errorf("%w: option %s has type %q", ErrMalformedResponse, o.Symbol, o.OptionType)
	}
	if !o.Strike.IsPositive() {
		return fmt.Errorf("%w: option %s has strike %s", ErrMalformedResponse, o.Symbol, o.Strike)
	}
	return nil
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations *struct {
		Date singleOrArray[string] `json:"date"`
	} `json:"expirations"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}
	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// OrderRequest is a single-leg option order.
type OrderRequest struct {
	OptionSymbol string
	Side         models.Side
	Quantity     int
	Type         models.OrderType
	Price        *decimal.Decimal // limit orders only
	Duration     string
	Tag          string
	Preview      bool
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order *OrderDetail `json:"order"`
}

// OrderDetail is the order object inside an OrderResponse.
type OrderDetail struct {
	ID                int     `json:"id"`
	Status            string  `json:"status"`
	PartnerID         string  `json:"partner_id"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Duration          string  `json:"duration"`
	CreateDate        string  `json:"create_date"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	Price             float64 `json:"price"`
	Quantity          float64 `json:"quantity"`
	Commission        float64 `json:"commission"`
}

// ============ API Methods ============

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Expirations == nil {
		return nil, nil
	}
	return []string(response.Expirations.Date), nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
// Entries that fail validation are dropped.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Options == nil {
		return nil, nil
	}

	chain := make([]Option, 0, len(response.Options.Option))
	for _, opt := range response.Options.Option {
		if err := opt.Validate(); err != nil {
			t.logger.WithError(err).Debug("Dropping option chain entry")
			continue
		}
		chain = append(chain, opt)
	}
	return chain, nil
}

// GetPositions retrieves the account's open positions.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []PositionItem(response.Positions.Position), nil
}

// PlaceOrder submits a single-leg option order.
func (t *TradierAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	if req.Side != models.SideBuyToOpen && req.Side != models.SideSellToClose {
		return nil, fmt.Errorf("unsupported order side %q", req.Side)
	}
	nd, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	symbol := extractUnderlyingFromOSI(req.OptionSymbol)
	if symbol == "" {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %s", req.OptionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", symbol)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("duration", nd)

	switch req.Type {
	case models.OrderTypeMarket:
		params.Add("type", "market")
	case models.OrderTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, fmt.Errorf("invalid price for limit order: price must be positive")
		}
		params.Add("type", "limit")
		params.Add("price", req.Price.StringFixed(2))
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}
	if req.Preview {
		params.Add("preview", "true")
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order == nil {
		return nil, fmt.Errorf("%w: no order in response", ErrMalformedResponse)
	}
	if response.Order.ID == 0 && !req.Preview {
		return nil, fmt.Errorf("%w: order has no id", ErrMalformedResponse)
	}
	return &response, nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "", fmt.Errorf("duration cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "pre", "pre-market", "premarket", "extended-hours-pre", "prehours":
		return "pre", nil
	case "post", "post-market", "postmarket", "extended-hours-post", "posthours":
		return "post", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// NormalizeDuration exposes duration normalization for config validation.
func NormalizeDuration(duration string) (string, error) {
	return normalizeDuration(duration)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "alert-trader/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
