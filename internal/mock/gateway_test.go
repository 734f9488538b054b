package mock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

func TestGateway_GeneratedExpirationsAreFridays(t *testing.T) {
	wed := time.Date(2024, 2, 28, 15, 0, 0, 0, time.UTC)
	g := NewGatewayWithClock(func() time.Time { return wed })

	dates, err := g.GetExpirations(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-01", "2024-03-08", "2024-03-15", "2024-03-22"}, dates)
	assert.Equal(t, 1, g.Calls("GetExpirations"))
}

func TestGateway_GeneratedChainIsValid(t *testing.T) {
	g := NewGatewayWithClock(func() time.Time { return time.Date(2024, 2, 28, 15, 0, 0, 0, time.UTC) })
	g.SetSpot("SPY", 450.4)

	chain, err := g.GetOptionChain(context.Background(), "SPY", "2024-03-01")
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	var atmCall *broker.Option
	for i := range chain {
		require.NoError(t, chain[i].Validate())
		assert.True(t, chain[i].Ask.GreaterThan(chain[i].Bid))
		if chain[i].OptionType == "call" && chain[i].Strike.Equal(decimal.NewFromInt(450)) {
			atmCall = &chain[i]
		}
	}
	require.NotNil(t, atmCall)
	assert.Equal(t, "SPY240301C00450000", atmCall.Symbol)

	_, err = g.GetOptionChain(context.Background(), "SPY", "03/01/2024")
	assert.Error(t, err)
}

func TestGateway_OrdersUpdateBook(t *testing.T) {
	g := NewGateway()
	ctx := context.Background()
	sym := "SPY240301C00450000"

	resp, err := g.PlaceOrder(ctx, broker.OrderRequest{OptionSymbol: sym, Side: models.SideBuyToOpen, Quantity: 3, Type: models.OrderTypeMarket})
	require.NoError(t, err)
	assert.NotZero(t, resp.Order.ID)

	_, err = g.PlaceOrder(ctx, broker.OrderRequest{OptionSymbol: sym, Side: models.SideSellToClose, Quantity: 5, Type: models.OrderTypeMarket})
	assert.Error(t, err)

	_, err = g.PlaceOrder(ctx, broker.OrderRequest{OptionSymbol: sym, Side: models.SideSellToClose, Quantity: 1, Type: models.OrderTypeMarket})
	require.NoError(t, err)

	positions, err := g.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Quantity)
	assert.Len(t, g.Orders(), 2)

	preview, err := g.PlaceOrder(ctx, broker.OrderRequest{OptionSymbol: sym, Side: models.SideSellToClose, Quantity: 2, Preview: true})
	require.NoError(t, err)
	assert.Zero(t, preview.Order.ID)
	assert.Len(t, g.Orders(), 2)
}
