package testing

import (
	"math/rand"
	"time"

	"github.com/aristath/mpt/internal/modules/optimization"
)

// FixtureStart is the first date of every generated fixture.
var FixtureStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// PricesFromReturns compounds per-period returns from a price of 100 into a
// daily price series starting at FixtureStart. returns[i] belongs to
// tickers[i]; each series gets len(returns[i])+1 observations.
func PricesFromReturns(tickers []string, returns [][]float64) optimization.PriceSeries {
	ts := make([]optimization.Ticker, len(tickers))
	for i, t := range tickers {
		ts[i] = optimization.Ticker(t)
	}
	series := optimization.NewPriceSeries(ts...)

	for i, ticker := range ts {
		price := 100.0
		obs := []optimization.PriceObservation{{Time: FixtureStart, Price: price}}
		for k, r := range returns[i] {
			price *= 1 + r
			obs = append(obs, optimization.PriceObservation{
				Time:  FixtureStart.AddDate(0, 0, k+1),
				Price: price,
			})
		}
		series.Prices[ticker] = obs
	}
	return series
}

// NewPriceFixtures generates a reproducible universe of correlated daily
// prices: a shared market factor plus per-ticker drift and noise.
func NewPriceFixtures(days int) optimization.PriceSeries {
	rng := rand.New(rand.NewSource(42))

	tickers := []string{"AAPL", "MSFT", "XOM", "TLT"}
	drift := []float64{0.0008, 0.0006, 0.0004, 0.0001}
	beta := []float64{1.2, 1.0, 0.7, -0.2}
	noise := []float64{0.012, 0.010, 0.014, 0.006}

	returns := make([][]float64, len(tickers))
	for i := range returns {
		returns[i] = make([]float64, days)
	}
	for k := 0; k < days; k++ {
		market := rng.NormFloat64() * 0.008
		for i := range tickers {
			returns[i][k] = drift[i] + beta[i]*market + noise[i]*rng.NormFloat64()
		}
	}

	return PricesFromReturns(tickers, returns)
}
