package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// MarketData is the read-only half of the gateway used to resolve contracts.
type MarketData interface {
	GetExpirations(ctx context.Context, ticker string) ([]string, error)
	GetOptionChain(ctx context.Context, ticker, expiration string) ([]Option, error)
}

// Gateway defines the brokerage operations the pipeline needs.
type Gateway interface {
	MarketData
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
}

// Ensure TradierAPI implements Gateway at compile time.
var _ Gateway = (*TradierAPI)(nil)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips on 60% failures over at least 5 requests.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with default settings.
func NewCircuitBreakerGateway(gateway Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerGateway {
	if logger == nil {
		logger = discardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State reports the breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// GetExpirations wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetExpirations(ctx context.Context, ticker string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]string, error) {
		return g.GetExpirations(ctx, ticker)
	})
}

// GetOptionChain wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOptionChain(ctx context.Context, ticker, expiration string) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Option, error) {
		return g.GetOptionChain(ctx, ticker, expiration)
	})
}

// PlaceOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResponse, error) {
		return g.PlaceOrder(ctx, req)
	})
}

// GetPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]PositionItem, error) {
		return g.GetPositions(ctx)
	})
}
