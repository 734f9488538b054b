package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func spyChain(exp string) []broker.Option {
	return []broker.Option{
		{Symbol: "SPY" + exp + "P00450000", OptionType: "put", Strike: dec("450"), Bid: dec("2.00"), Ask: dec("2.10"), Last: dec("2.05")},
		{Symbol: "SPY" + exp + "C00449000", OptionType: "call", Strike: dec("449"), Bid: dec("3.50"), Ask: dec("3.60"), Last: dec("3.55")},
		{Symbol: "SPY" + exp + "C00450000", OptionType: "call", Strike: dec("449.999"), Bid: dec("3.10"), Ask: dec("3.30"), Last: dec("3.20")},
	}
}

func newTestResolver(t *testing.T, now time.Time) (*Resolver, *mock.Gateway, *clock, *test.Hook) {
	t.Helper()
	c := &clock{t: now}
	gw := mock.NewGatewayWithClock(c.Now)
	logger, hook := test.NewNullLogger()
	r, err := New(gw, Options{Now: c.Now}, logger)
	require.NoError(t, err)
	return r, gw, c, hook
}

func ny(t *testing.T, y int, m time.Month, d, h int) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(y, m, d, h, 0, 0, 0, loc)
}

func TestResolveQuote_NearestExpiration(t *testing.T) {
	r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
	gw.SetExpirations("SPY", "2024-03-08", "2024-02-23", "2024-03-01", "2024-03-15")
	gw.SetChain("SPY", "2024-03-01", spyChain("240301"))

	got, err := r.ResolveQuote(context.Background(), models.NewContractKey("spy", dec("450"), models.OptionTypeCall))
	require.NoError(t, err)
	assert.Equal(t, "SPY240301C00450000", got.BrokerSymbol)
	assert.Equal(t, "2024-03-01", got.Expiration.Format("2006-01-02"))
	assert.True(t, got.Bid.Equal(dec("3.10")))
	assert.True(t, got.Ask.Equal(dec("3.30")))
	assert.True(t, got.Last.Equal(dec("3.20")))
	assert.Equal(t, "SPY", got.Key.Ticker)
}

func TestResolve_UsesMarketDateNotUTC(t *testing.T) {
	// 9pm in New York on Mar 1 is already Mar 2 in UTC; the Mar 1 expiry is still today.
	r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 21))
	gw.SetExpirations("SPY", "2024-03-01", "2024-03-08")
	gw.SetChain("SPY", "2024-03-01", spyChain("240301"))

	sym, err := r.ResolveSymbol(context.Background(), models.NewContractKey("SPY", dec("450"), models.OptionTypePut))
	require.NoError(t, err)
	assert.Equal(t, "SPY240301P00450000", sym)
}

func TestResolve_ExpiredFallbackIsDegraded(t *testing.T) {
	r, gw, _, hook := newTestResolver(t, ny(t, 2024, 3, 20, 10))
	gw.SetExpirations("SPY", "2024-03-01", "2024-03-15", "2024-03-08")
	gw.SetChain("SPY", "2024-03-15", spyChain("240315"))

	sym, err := r.ResolveSymbol(context.Background(), models.NewContractKey("SPY", dec("450"), models.OptionTypeCall))
	require.NoError(t, err)
	assert.Equal(t, "SPY240315C00450000", sym)

	var degraded bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["degraded"] == true {
			degraded = true
		}
	}
	assert.True(t, degraded, "expected a degraded warning")
}

func TestResolve_Failures(t *testing.T) {
	key := models.NewContractKey("SPY", dec("450"), models.OptionTypeCall)

	t.Run("no expirations", func(t *testing.T) {
		r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
		gw.SetExpirations("SPY")
		_, err := r.ResolveSymbol(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoExpirations)
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("unparseable expirations only", func(t *testing.T) {
		r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
		gw.SetExpirations("SPY", "soon", "03/01/2024")
		_, err := r.ResolveSymbol(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoExpirations)
	})

	t.Run("empty chain", func(t *testing.T) {
		r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
		gw.SetExpirations("SPY", "2024-03-01")
		gw.SetChain("SPY", "2024-03-01", nil)
		_, err := r.ResolveQuote(context.Background(), key)
		assert.ErrorIs(t, err, ErrEmptyChain)
	})

	t.Run("no matching strike", func(t *testing.T) {
		r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
		gw.SetExpirations("SPY", "2024-03-01")
		gw.SetChain("SPY", "2024-03-01", spyChain("240301"))
		_, err := r.ResolveQuote(context.Background(), models.NewContractKey("SPY", dec("450.01"), models.OptionTypeCall))
		assert.ErrorIs(t, err, ErrNoMatch)
	})

	t.Run("gateway error", func(t *testing.T) {
		c := &clock{t: ny(t, 2024, 3, 1, 10)}
		r, err := New(failingMarket{}, Options{Now: c.Now}, nil)
		require.NoError(t, err)
		_, err = r.ResolveSymbol(context.Background(), key)
		assert.ErrorIs(t, err, ErrUnresolved)
	})
}

func TestResolve_Caching(t *testing.T) {
	r, gw, c, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
	gw.SetExpirations("SPY", "2024-03-01")
	gw.SetChain("SPY", "2024-03-01", spyChain("240301"))
	key := models.NewContractKey("SPY", dec("450"), models.OptionTypeCall)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.ResolveSymbol(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gw.Calls("GetExpirations"))
	assert.Equal(t, 1, gw.Calls("GetOptionChain"))

	// quotes always hit the gateway for the chain
	for i := 0; i < 2; i++ {
		_, err := r.ResolveQuote(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gw.Calls("GetExpirations"))
	assert.Equal(t, 3, gw.Calls("GetOptionChain"))

	c.Advance(5 * time.Minute)
	_, err := r.ResolveSymbol(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 4, gw.Calls("GetOptionChain"), "chain cache expires after 5m")
	assert.Equal(t, 1, gw.Calls("GetExpirations"))

	c.Advance(time.Hour)
	_, err = r.ResolveSymbol(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.Calls("GetExpirations"), "expiration cache expires after 1h")
}

func TestResolveSymbol_EmptyChainNotCached(t *testing.T) {
	r, gw, _, _ := newTestResolver(t, ny(t, 2024, 3, 1, 10))
	gw.SetExpirations("SPY", "2024-03-01")
	gw.SetChain("SPY", "2024-03-01", nil)
	key := models.NewContractKey("SPY", dec("450"), models.OptionTypeCall)
	ctx := context.Background()

	_, err := r.ResolveSymbol(ctx, key)
	assert.ErrorIs(t, err, ErrEmptyChain)

	// the chain lists shortly after; the next lookup must see it
	gw.SetChain("SPY", "2024-03-01", spyChain("240301"))
	sym, err := r.ResolveSymbol(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "SPY240301C00450000", sym)
	assert.Equal(t, 2, gw.Calls("GetOptionChain"))
}

func TestMatchOption_FirstMatchWins(t *testing.T) {
	chain := spyChain("240301")
	chain = append(chain, broker.Option{Symbol: "DUP", OptionType: "call", Strike: dec("450")})

	opt, ok := MatchOption(chain, models.NewContractKey("SPY", dec("450"), models.OptionTypeCall))
	require.True(t, ok)
	assert.Equal(t, "SPY240301C00450000", opt.Symbol)

	_, ok = MatchOption(chain, models.NewContractKey("SPY", dec("451"), models.OptionTypePut))
	assert.False(t, ok)
}

type failingMarket struct{}

func (failingMarket) GetExpirations(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func (failingMarket) GetOptionChain(context.Context, string, string) ([]broker.Option, error) {
	return nil, errors.New("connection refused")
}
