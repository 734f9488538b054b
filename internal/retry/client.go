// Package retry retries read-only broker calls that fail transiently.
// Order placement is never retried: a timed-out order may still have been
// accepted, and a second submission would double the position.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig keeps the worst case well under one poll cycle of a slow feed.
var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Gateway wraps a broker.Gateway and retries market data and position reads.
type Gateway struct {
	gateway broker.Gateway
	logger  logrus.FieldLogger
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ broker.Gateway = (*Gateway)(nil)

// NewGateway wraps gateway. An optional Config overrides DefaultConfig.
func NewGateway(gateway broker.Gateway, logger logrus.FieldLogger, config ...Config) *Gateway {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Gateway{
		gateway: gateway,
		logger:  logger.WithField("component", "retry"),
		config:  cfg,
		sleep:   sleepCtx,
	}
}

// GetExpirations retries transient failures.
func (g *Gateway) GetExpirations(ctx context.Context, ticker string) ([]string, error) {
	var out []string
	err := g.do(ctx, "GetExpirations", func() error {
		var err error
		out, err = g.gateway.GetExpirations(ctx, ticker)
		return err
	})
	return out, err
}

// GetOptionChain retries transient failures.
func (g *Gateway) GetOptionChain(ctx context.Context, ticker, expiration string) ([]broker.Option, error) {
	var out []broker.Option
	err := g.do(ctx, "GetOptionChain", func() error {
		var err error
		out, err = g.gateway.GetOptionChain(ctx, ticker, expiration)
		return err
	})
	return out, err
}

// GetPositions retries transient failures.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	var out []broker.PositionItem
	err := g.do(ctx, "GetPositions", func() error {
		var err error
		out, err = g.gateway.GetPositions(ctx)
		return err
	})
	return out, err
}

// PlaceOrder is passed through exactly once.
func (g *Gateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	return g.gateway.PlaceOrder(ctx, req)
}

func (g *Gateway) do(ctx context.Context, op string, call func() error) error {
	backoff := g.config.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, lastErr)
			}
			return err
		}

		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == g.config.MaxRetries {
			break
		}

		g.logger.WithError(lastErr).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("Transient broker error, retrying")
		if err := g.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s canceled during backoff: %w", op, lastErr)
		}
		backoff = g.nextBackoff(backoff)
	}
	return lastErr
}

func (g *Gateway) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > g.config.MaxBackoff {
		backoff = g.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(j.Int64())
		}
	}
	return backoff
}

// IsTransient reports whether err is worth another attempt: rate limits,
// 5xx responses, timeouts and connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
