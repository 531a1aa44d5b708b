package optimization

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sampleReturns() *ReturnSeries {
	return &ReturnSeries{
		Tickers: []Ticker{"A", "B"},
		Times:   []time.Time{day(1), day(2), day(3)},
		Returns: [][]float64{
			{0.01, 0.03, 0.02},
			{0.02, 0.01, 0.00},
		},
	}
}

func TestEstimateMoments_Arithmetic(t *testing.T) {
	est, err := EstimateMoments(sampleReturns(), DefaultMomentOptions())
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0.02 * 252, 0.01 * 252}, est.Mean, 1e-12)

	// Sample variance uses M-1: devs A (-.01, .01, 0), B (.01, 0, -.01)
	assert.InDelta(t, 1e-4*252, est.Cov.At(0, 0), 1e-12)
	assert.InDelta(t, 1e-4*252, est.Cov.At(1, 1), 1e-12)
	assert.InDelta(t, -0.5e-4*252, est.Cov.At(0, 1), 1e-12)
	assert.Equal(t, est.Cov.At(0, 1), est.Cov.At(1, 0))

	assert.Zero(t, est.Ridge)
	assert.Equal(t, 3, est.Observations)
	assert.InDelta(t, 0.5e-4*252, est.MinEigenvalue, 1e-12)
}

func TestEstimateMoments_Geometric(t *testing.T) {
	opts := DefaultMomentOptions()
	opts.Annualization = AnnualizeGeometric

	est, err := EstimateMoments(sampleReturns(), opts)
	require.NoError(t, err)

	assert.InDelta(t, math.Pow(1.02, 252)-1, est.Mean[0], 1e-9)
	assert.InDelta(t, math.Pow(1.01, 252)-1, est.Mean[1], 1e-9)
}

func TestEstimateMoments_UnknownAnnualization(t *testing.T) {
	opts := DefaultMomentOptions()
	opts.Annualization = "harmonic"

	_, err := EstimateMoments(sampleReturns(), opts)

	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "annualization", invalid.Field)
}

func TestEstimateMoments_IdenticalSeriesRegularized(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.015, 0.005, -0.01}
	rs := &ReturnSeries{
		Tickers: []Ticker{"A", "B"},
		Times:   []time.Time{day(1), day(2), day(3), day(4), day(5)},
		Returns: [][]float64{returns, returns},
	}

	est, err := EstimateMoments(rs, DefaultMomentOptions())
	require.NoError(t, err)

	assert.Greater(t, est.Ridge, 0.0)
	assert.InDelta(t, 0, est.MinEigenvalue, 1e-12)

	var chol mat.Cholesky
	assert.True(t, chol.Factorize(est.Cov), "regularized covariance must be positive-definite")
}

func TestEstimateMoments_ZeroVarianceTicker(t *testing.T) {
	rs := &ReturnSeries{
		Tickers: []Ticker{"CASH", "B"},
		Times:   []time.Time{day(1), day(2), day(3), day(4)},
		Returns: [][]float64{
			{0, 0, 0, 0},
			{0.01, -0.02, 0.03, 0.00},
		},
	}

	est, err := EstimateMoments(rs, DefaultMomentOptions())
	require.NoError(t, err)

	assert.Greater(t, est.Ridge, 0.0)
	assert.InDelta(t, est.Ridge, est.Cov.At(0, 0), 1e-18)
}

func TestEstimateMoments_AllZeroVariance(t *testing.T) {
	rs := &ReturnSeries{
		Tickers: []Ticker{"A", "B"},
		Times:   []time.Time{day(1), day(2), day(3)},
		Returns: [][]float64{{0, 0, 0}, {0, 0, 0}},
	}

	_, err := EstimateMoments(rs, DefaultMomentOptions())

	var degenerate *DegenerateCovarianceError
	require.ErrorAs(t, err, &degenerate)
	assert.Equal(t, []Ticker{"A", "B"}, degenerate.Tickers)
}

func TestEstimateMoments_TooFewPeriods(t *testing.T) {
	rs := &ReturnSeries{
		Tickers: []Ticker{"A", "B"},
		Times:   []time.Time{day(1)},
		Returns: [][]float64{{0.01}, {0.02}},
	}

	_, err := EstimateMoments(rs, DefaultMomentOptions())

	var insufficient *InsufficientDataError
	assert.ErrorAs(t, err, &insufficient)
}

func TestCorrelationPairs(t *testing.T) {
	est := estimateFrom(
		[]float64{0.1, 0.1, 0.1},
		[][]float64{
			{0.04, 0.038, 0.0},
			{0.038, 0.04, 0.0},
			{0.0, 0.0, 0.01},
		},
	)

	pairs := CorrelationPairs(est, HighCorrelationThreshold)

	require.Len(t, pairs, 1)
	assert.Equal(t, Ticker("A"), pairs[0].Ticker1)
	assert.Equal(t, Ticker("B"), pairs[0].Ticker2)
	assert.InDelta(t, 0.95, pairs[0].Correlation, 1e-12)
}

func TestPortfolioRisk(t *testing.T) {
	est := twoAsset()

	assert.InDelta(t, math.Sqrt(0.022), portfolioRisk(est.Cov, []float64{0.4, 0.6}), 1e-12)
	assert.InDelta(t, 0.096, portfolioReturn(est.Mean, []float64{0.4, 0.6}), 1e-12)
}
