package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

func position(ticker string, strike int64, ot models.OptionType, qty int) models.PositionRecord {
	avg := decimal.NewFromInt(1)
	return models.PositionRecord{
		Key:           models.NewContractKey(ticker, decimal.NewFromInt(strike), ot),
		Quantity:      qty,
		AvgEntryPrice: &avg,
		LastUpdated:   time.Now(),
	}
}

func TestCompare(t *testing.T) {
	ledger := []models.PositionRecord{
		position("SPY", 450, models.OptionTypeCall, 5),
		position("QQQ", 400, models.OptionTypePut, 2),
		position("IWM", 200, models.OptionTypeCall, 1),
	}
	positions := []broker.PositionItem{
		// same key across two expirations
		{Symbol: "SPY240301C00450000", Quantity: 3},
		{Symbol: "SPY240308C00450000", Quantity: 2},
		{Symbol: "QQQ240301P00400000", Quantity: 1},
		{Symbol: "AAPL240301C00180000", Quantity: 4},
		{Symbol: "SPY", Quantity: 100},
	}

	r := Compare(ledger, positions)
	assert.Equal(t, 4, r.Checked)
	assert.Equal(t, 1, r.Matched)
	assert.False(t, r.InSync())
	assert.Equal(t, []string{"SPY"}, r.NonOption)

	require.Len(t, r.Drift, 3)
	assert.Equal(t, "AAPL", r.Drift[0].Key.Ticker)
	assert.Equal(t, 0, r.Drift[0].Ledger)
	assert.Equal(t, 4, r.Drift[0].Delta())

	assert.Equal(t, "IWM", r.Drift[1].Key.Ticker)
	assert.Equal(t, -1, r.Drift[1].Delta())

	assert.Equal(t, "QQQ", r.Drift[2].Key.Ticker)
	assert.Equal(t, []string{"QQQ240301P00400000"}, r.Drift[2].Symbols)
}

func TestCompare_InSync(t *testing.T) {
	r := Compare(
		[]models.PositionRecord{position("SPY", 450, models.OptionTypeCall, 2)},
		[]broker.PositionItem{{Symbol: "SPY240301C00450000", Quantity: 2}},
	)
	assert.True(t, r.InSync())
	assert.Equal(t, 1, r.Matched)
}

type failingSource struct{}

func (failingSource) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, errors.New("timeout")
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertPosition(ctx, position("SPY", 450, models.OptionTypeCall, 2)))

	gw := mock.NewGateway()
	gw.SetPosition("SPY240301C00450000", 3)

	r, err := Run(ctx, gw, store, nil)
	require.NoError(t, err)
	require.Len(t, r.Drift, 1)
	assert.Equal(t, 1, r.Drift[0].Delta())

	stored, err := store.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored[0].Quantity, "reconcile is read-only")

	_, err = Run(ctx, failingSource{}, store, nil)
	assert.Error(t, err)
}
