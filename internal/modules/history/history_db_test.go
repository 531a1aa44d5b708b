package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mpt/internal/modules/optimization"
	testingpkg "github.com/aristath/mpt/internal/testing"
)

func newTestHistoryDB(t *testing.T) *HistoryDB {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanup)
	return NewHistoryDB(db.Conn(), zerolog.Nop())
}

func ptr(v float64) *float64 {
	return &v
}

func TestHistoryDB_UpsertAndGetDailyPrices(t *testing.T) {
	h := newTestHistoryDB(t)

	err := h.UpsertDailyPrices("aapl", []DailyPrice{
		{Date: "2024-01-03", Close: 102},
		{Date: "2024-01-02", Close: 101, AdjustedClose: ptr(100.5)},
		{Date: "2024-01-04", Close: 103},
	})
	require.NoError(t, err)

	prices, err := h.GetDailyPrices("AAPL", "", "")
	require.NoError(t, err)
	require.Len(t, prices, 3)

	// Oldest first regardless of insert order
	assert.Equal(t, "2024-01-02", prices[0].Date)
	assert.Equal(t, 101.0, prices[0].Close)
	require.NotNil(t, prices[0].AdjustedClose)
	assert.Equal(t, 100.5, *prices[0].AdjustedClose)
	assert.Nil(t, prices[1].AdjustedClose)

	bounded, err := h.GetDailyPrices("aapl", "2024-01-03", "2024-01-03")
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, 102.0, bounded[0].Close)
}

func TestHistoryDB_UpsertReplaces(t *testing.T) {
	h := newTestHistoryDB(t)

	require.NoError(t, h.UpsertDailyPrices("MSFT", []DailyPrice{{Date: "2024-01-02", Close: 370}}))
	require.NoError(t, h.UpsertDailyPrices("MSFT", []DailyPrice{{Date: "2024-01-02", Close: 371}}))

	prices, err := h.GetDailyPrices("MSFT", "", "")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, 371.0, prices[0].Close)
}

func TestHistoryDB_UpsertRollsBackOnBadDate(t *testing.T) {
	h := newTestHistoryDB(t)

	err := h.UpsertDailyPrices("MSFT", []DailyPrice{
		{Date: "2024-01-02", Close: 370},
		{Date: "02/01/2024", Close: 371},
	})
	require.Error(t, err)

	prices, err := h.GetDailyPrices("MSFT", "", "")
	require.NoError(t, err)
	assert.Empty(t, prices, "the transaction should have been rolled back")
}

func TestHistoryDB_UpsertRequiresTicker(t *testing.T) {
	h := newTestHistoryDB(t)

	assert.Error(t, h.UpsertDailyPrices("  ", []DailyPrice{{Date: "2024-01-02", Close: 1}}))
}

func TestHistoryDB_ListTickers(t *testing.T) {
	h := newTestHistoryDB(t)

	require.NoError(t, h.UpsertDailyPrices("TLT", []DailyPrice{{Date: "2024-01-02", Close: 95}}))
	require.NoError(t, h.UpsertDailyPrices("AAPL", []DailyPrice{{Date: "2024-01-02", Close: 185}}))

	tickers, err := h.ListTickers()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TLT"}, tickers)
}

func TestHistoryDB_LoadPriceSeries(t *testing.T) {
	h := newTestHistoryDB(t)

	require.NoError(t, h.UpsertDailyPrices("AAPL", []DailyPrice{
		{Date: "2024-01-02", Close: 100},
		{Date: "2024-01-03", Close: 101, AdjustedClose: ptr(99)},
		{Date: "2024-01-04", Close: 102},
		{Date: "2024-02-01", Close: 110},
	}))

	rng := optimization.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	series, err := h.LoadPriceSeries(context.Background(), []optimization.Ticker{"AAPL", "NONE"}, rng)
	require.NoError(t, err)

	assert.Equal(t, []optimization.Ticker{"AAPL", "NONE"}, series.Tickers)
	obs := series.Prices["AAPL"]
	require.Len(t, obs, 3)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), obs[0].Time)
	// Adjusted close wins over close
	assert.Equal(t, 99.0, obs[1].Price)
	assert.Empty(t, series.Prices["NONE"])
}

func TestHistoryDB_ImportSeriesFeedsOptimizer(t *testing.T) {
	h := newTestHistoryDB(t)
	fixtures := testingpkg.NewPriceFixtures(90)

	require.NoError(t, h.ImportSeries(fixtures))

	tickers, err := h.ListTickers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT", "XOM", "TLT"}, tickers)

	service := optimization.NewOptimizerService(optimization.ServiceOptions{}, nil, zerolog.Nop())
	result, err := service.OptimizeFromRepository(context.Background(), h, optimization.PriceQuery{
		Tickers: []optimization.Ticker{"AAPL", "TLT"},
		Range: optimization.DateRange{
			Start: testingpkg.FixtureStart,
			End:   testingpkg.FixtureStart.AddDate(0, 0, 90),
		},
	}, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Weights[0]+result.Weights[1], 1e-6)
}
