package optimization

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(k int) time.Time {
	return day0.AddDate(0, 0, k)
}

// pricesOn builds a series for one ticker with prices on the given day offsets.
func pricesOn(days []int, prices []float64) []PriceObservation {
	obs := make([]PriceObservation, len(days))
	for i, d := range days {
		obs[i] = PriceObservation{Time: day(d), Price: prices[i]}
	}
	return obs
}

// compound turns per-period returns into a price path starting at 100.
func compound(returns []float64) []PriceObservation {
	price := 100.0
	obs := []PriceObservation{{Time: day0, Price: price}}
	for k, r := range returns {
		price *= 1 + r
		obs = append(obs, PriceObservation{Time: day(k + 1), Price: price})
	}
	return obs
}

// randomWalk generates a reproducible correlated universe.
func randomWalk(seed int64, tickers []Ticker, days int) PriceSeries {
	rng := rand.New(rand.NewSource(seed))
	series := NewPriceSeries(tickers...)

	drift := make([]float64, len(tickers))
	beta := make([]float64, len(tickers))
	for i := range tickers {
		drift[i] = 0.0002 + 0.0004*rng.Float64()
		beta[i] = 1.5*rng.Float64() - 0.25
	}

	returns := make([][]float64, len(tickers))
	for k := 0; k < days; k++ {
		market := rng.NormFloat64() * 0.008
		for i := range tickers {
			returns[i] = append(returns[i], drift[i]+beta[i]*market+0.01*rng.NormFloat64())
		}
	}
	for i, t := range tickers {
		series.Prices[t] = compound(returns[i])
	}
	return series
}

// estimateFrom builds a moment estimate directly from annualized moments.
func estimateFrom(mean []float64, cov [][]float64) *MomentEstimate {
	n := len(mean)
	tickers := make([]Ticker, n)
	for i := range tickers {
		tickers[i] = Ticker(string(rune('A' + i)))
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, cov[i][j])
		}
	}
	return &MomentEstimate{
		Tickers:        tickers,
		Mean:           mean,
		Cov:            sym,
		PeriodsPerYear: DefaultPeriodsPerYear,
	}
}

func estimateFromPrices(prices PriceSeries) (*MomentEstimate, error) {
	returns, err := BuildReturnSeries(prices, ReturnOptions{})
	if err != nil {
		return nil, err
	}
	return EstimateMoments(returns, DefaultMomentOptions())
}

// twoAsset is the textbook pair used across the allocator tests:
// GMV is (0.4, 0.6) with expected return 0.096.
func twoAsset() *MomentEstimate {
	return estimateFrom(
		[]float64{0.12, 0.08},
		[][]float64{
			{0.04, 0.01},
			{0.01, 0.03},
		},
	)
}
