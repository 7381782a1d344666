package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ballast/internal/venue"
)

func TestOverlayReadsDelegate(t *testing.T) {
	real := New(250000)
	real.SeedPosition("ES", 5, 4480)
	real.SeedQuote("ES", 4600, 4599.75, 4600.25)

	overlay := NewOverlay(real)

	positions, err := overlay.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "ES", positions[0].Symbol)
	require.Equal(t, 5.0, positions[0].Quantity)

	account, err := overlay.GetAccount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 250000.0, account.Cash)

	quote, err := overlay.GetQuote(context.Background(), "ES")
	require.NoError(t, err)
	require.Equal(t, 4600.0, quote.Last)
}

// 叠加模式的成交只记在内存，真实场所的持仓不能动。
func TestOverlaySwallowsFills(t *testing.T) {
	real := New(250000)
	real.SeedPosition("ES", 5, 4480)
	real.SeedQuote("ES", 4600, 4599.75, 4600.25)

	overlay := NewOverlay(real)

	status, err := overlay.SubmitOrder(context.Background(), venue.Order{
		ClientOrderID: "dry-1",
		Symbol:        "ES",
		Side:          venue.SideSell,
		Quantity:      5,
		LimitPrice:    4599.75,
	})
	require.NoError(t, err)
	require.Equal(t, venue.StateFilled, status.State)
	require.Equal(t, 5.0, status.FilledQty)

	positions, err := real.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 5.0, positions[0].Quantity)

	account, err := real.GetAccount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 250000.0, account.Cash)
}

func TestStandaloneFillUpdatesBook(t *testing.T) {
	p := New(100000)
	p.SeedQuote("GLD", 180, 179.9, 180.1)

	_, err := p.SubmitOrder(context.Background(), venue.Order{
		ClientOrderID: "b-1",
		Symbol:        "GLD",
		Side:          venue.SideBuy,
		Quantity:      100,
		LimitPrice:    180.1,
	})
	require.NoError(t, err)

	positions, err := p.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 100.0, positions[0].Quantity)
	require.Equal(t, 180.1, positions[0].AvgCost)

	account, err := p.GetAccount(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 100000-100*180.1, account.Cash, 1e-9)
}
