// Package resolver maps an abstract contract (ticker, strike, type) to a
// tradable option symbol and live quote on the nearest expiration.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
	_ "time/tzdata" // America/New_York must resolve on minimal images

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/cache"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

const (
	// DefaultExpirationTTL is how long an underlying's expiration list is reused.
	DefaultExpirationTTL = time.Hour
	// DefaultChainTTL is how long a chain is reused for symbol-only lookups.
	DefaultChainTTL = 5 * time.Minute

	expirationLayout = "2006-01-02"
	marketTimezone   = "America/New_York"
)

var (
	// ErrUnresolved wraps every reason a contract could not be resolved.
	ErrUnresolved = errors.New("contract not resolved")
	// ErrNoExpirations means the underlying has no listed expirations.
	ErrNoExpirations = fmt.Errorf("%w: no expirations", ErrUnresolved)
	// ErrEmptyChain means the selected expiration has no options.
	ErrEmptyChain = fmt.Errorf("%w: empty option chain", ErrUnresolved)
	// ErrNoMatch means no option in the chain matched strike and type.
	ErrNoMatch = fmt.Errorf("%w: no matching strike", ErrUnresolved)
)

// ResolvedContract is a tradable option with its quote at resolution time.
type ResolvedContract struct {
	Key          models.ContractKey `json:"key"`
	BrokerSymbol string             `json:"broker_symbol"`
	Expiration   time.Time          `json:"expiration"`
	Bid          decimal.Decimal    `json:"bid"`
	Ask          decimal.Decimal    `json:"ask"`
	Last         decimal.Decimal    `json:"last"`
}

// Options tunes cache lifetimes and the clock.
type Options struct {
	ExpirationTTL time.Duration
	ChainTTL      time.Duration
	Now           func() time.Time
}

type chainKey struct {
	Ticker     string
	Expiration string
}

// Resolver resolves contracts against a market data gateway.
// It owns its expiration and chain caches.
type Resolver struct {
	market        broker.MarketData
	expirations   *cache.TTL[string, []string]
	chains        *cache.TTL[chainKey, []broker.Option]
	expirationTTL time.Duration
	chainTTL      time.Duration
	now           func() time.Time
	loc           *time.Location
	logger        logrus.FieldLogger
}

// New creates a resolver. Zero TTLs take the defaults.
func New(market broker.MarketData, opts Options, logger logrus.FieldLogger) (*Resolver, error) {
	if market == nil {
		return nil, errors.New("resolver: market data gateway is required")
	}
	loc, err := time.LoadLocation(marketTimezone)
	if err != nil {
		return nil, fmt.Errorf("resolver: load %s: %w", marketTimezone, err)
	}
	if opts.ExpirationTTL == 0 {
		opts.ExpirationTTL = DefaultExpirationTTL
	}
	if opts.ChainTTL == 0 {
		opts.ChainTTL = DefaultChainTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Resolver{
		market:        market,
		expirations:   cache.NewWithClock[string, []string](opts.Now),
		chains:        cache.NewWithClock[chainKey, []broker.Option](opts.Now),
		expirationTTL: opts.ExpirationTTL,
		chainTTL:      opts.ChainTTL,
		now:           opts.Now,
		loc:           loc,
		logger:        logger.WithField("component", "resolver"),
	}, nil
}

// ResolveSymbol returns the broker symbol for key on the nearest expiration.
// Chains are served from cache when fresh.
func (r *Resolver) ResolveSymbol(ctx context.Context, key models.ContractKey) (string, error) {
	opt, _, err := r.resolve(ctx, key, true)
	if err != nil {
		return "", err
	}
	return opt.Symbol, nil
}

// ResolveQuote returns the contract with a live quote. The chain cache is bypassed.
func (r *Resolver) ResolveQuote(ctx context.Context, key models.ContractKey) (*ResolvedContract, error) {
	opt, exp, err := r.resolve(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return &ResolvedContract{
		Key:          key.Normalize(),
		BrokerSymbol: opt.Symbol,
		Expiration:   exp,
		Bid:          opt.Bid,
		Ask:          opt.Ask,
		Last:         opt.Last,
	}, nil
}

func (r *Resolver) resolve(ctx context.Context, key models.ContractKey, cachedChain bool) (broker.Option, time.Time, error) {
	key = key.Normalize()
	log := r.logger.WithFields(logrus.Fields{
		"ticker":      key.Ticker,
		"strike":      key.Strike.String(),
		"option_type": string(key.OptionType),
	})

	exp, err := r.selectExpiration(ctx, key.Ticker, log)
	if err != nil {
		return broker.Option{}, time.Time{}, err
	}
	expStr := exp.Format(expirationLayout)

	var chain []broker.Option
	if cachedChain {
		chain, err = r.chains.GetOrFetch(ctx, chainKey{key.Ticker, expStr}, r.chainTTL, r.fetchChain(key.Ticker, expStr))
	} else {
		chain, err = r.fetchChain(key.Ticker, expStr)(ctx)
	}
	if errors.Is(err, ErrEmptyChain) {
		return broker.Option{}, time.Time{}, fmt.Errorf("%w for %s %s", ErrEmptyChain, key.Ticker, expStr)
	}
	if err != nil {
		return broker.Option{}, time.Time{}, fmt.Errorf("%w: option chain %s %s: %v", ErrUnresolved, key.Ticker, expStr, err)
	}

	if opt, ok := MatchOption(chain, key); ok {
		log.WithFields(logrus.Fields{"symbol": opt.Symbol, "expiration": expStr}).Debug("Resolved contract")
		return opt, exp, nil
	}
	return broker.Option{}, time.Time{}, fmt.Errorf("%w: %s on %s", ErrNoMatch, key, expStr)
}

func (r *Resolver) fetchChain(ticker, expiration string) func(context.Context) ([]broker.Option, error) {
	return func(ctx context.Context) ([]broker.Option, error) {
		chain, err := r.market.GetOptionChain(ctx, ticker, expiration)
		if err != nil {
			return nil, err
		}
		// an empty chain is an error so the cache never holds one
		if len(chain) == 0 {
			return nil, ErrEmptyChain
		}
		return chain, nil
	}
}

// selectExpiration picks the nearest expiration on or after today (market time).
// When every listed expiration is past, the latest one is used and a degraded
// warning is logged.
func (r *Resolver) selectExpiration(ctx context.Context, ticker string, log logrus.FieldLogger) (time.Time, error) {
	raw, err := r.expirations.GetOrFetch(ctx, ticker, r.expirationTTL, func(ctx context.Context) ([]string, error) {
		return r.market.GetExpirations(ctx, ticker)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expirations for %s: %v", ErrUnresolved, ticker, err)
	}

	dates := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := time.Parse(expirationLayout, s)
		if err != nil {
			log.WithField("expiration", s).Warn("Skipping unparseable expiration")
			continue
		}
		dates = append(dates, d)
	}
	if len(dates) == 0 {
		return time.Time{}, fmt.Errorf("%w for %s", ErrNoExpirations, ticker)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	today := civilDate(r.now().In(r.loc))
	for _, d := range dates {
		if !d.Before(today) {
			return d, nil
		}
	}

	latest := dates[len(dates)-1]
	log.WithFields(logrus.Fields{
		"expiration": latest.Format(expirationLayout),
		"degraded":   true,
	}).Warn("No future expiration listed, using latest known expiration")
	return latest, nil
}

// MatchOption returns the first option matching key's type and strike.
func MatchOption(chain []broker.Option, key models.ContractKey) (broker.Option, bool) {
	want := key.OptionType.ChainType()
	for _, opt := range chain {
		if opt.OptionType == want && models.SameStrike(opt.Strike, key.Strike) {
			return opt, true
		}
	}
	return broker.Option{}, false
}

// civilDate returns t's calendar date as midnight UTC, so dates compare by day.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
