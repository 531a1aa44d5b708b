package optimization_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mpt/internal/modules/optimization"
	testingpkg "github.com/aristath/mpt/internal/testing"
)

type recordingObserver struct {
	mu              sync.Mutex
	operations      []string
	gaps            int
	regularizations int
}

func (o *recordingObserver) ObserveOperation(operation, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations = append(o.operations, operation+":"+outcome)
}

func (o *recordingObserver) ObserveFrontierGaps(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gaps += count
}

func (o *recordingObserver) ObserveRegularization() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regularizations++
}

func newTestService(observer optimization.Observer) *optimization.OptimizerService {
	return optimization.NewOptimizerService(optimization.ServiceOptions{
		Solver: optimization.DefaultSolverOptions(),
	}, observer, zerolog.Nop())
}

func TestOptimizerService_Optimize(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.NewPriceFixtures(250)

	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)

	assert.Equal(t, []optimization.Ticker{"AAPL", "MSFT", "XOM", "TLT"}, result.Tickers)
	require.Len(t, result.Weights, 4)
	sum := 0.0
	for _, w := range result.Weights {
		sum += w
		assert.GreaterOrEqual(t, w, optimization.LongOnlyFloor)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, result.Risk, 0.0)
	assert.Len(t, result.Holdings, 4)
	assert.Nil(t, result.Frontier)

	assert.Equal(t, []string{"optimize:success"}, observer.operations)
}

func TestOptimizerService_Optimize_WithFrontier(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.NewPriceFixtures(250)

	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{
		LongOnly:        true,
		IncludeFrontier: true,
		FrontierPoints:  10,
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Frontier)
	assert.LessOrEqual(t, len(result.Frontier), 10)
	// The unconstrained allocation is the frontier's leftmost point
	assert.InDelta(t, result.Risk, result.Frontier[0].Risk, 1e-9)
	assert.InDelta(t, result.ExpectedReturn, result.Frontier[0].ExpectedReturn, 1e-9)
}

func TestOptimizerService_Optimize_TargetRoundTrip(t *testing.T) {
	service := newTestService(nil)
	prices := testingpkg.NewPriceFixtures(250)

	frontier, err := service.ComputeFrontier(context.Background(), prices, optimization.FrontierRequest{PointCount: 6, LongOnly: true})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frontier.Points), 3)

	// Re-solving at a frontier point's return reproduces its weights
	point := frontier.Points[2]
	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{
		Return:   optimization.TargetReturn{Value: point.ExpectedReturn},
		LongOnly: true,
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, point.Weights, result.Weights, 1e-6)
	assert.InDelta(t, point.Risk, result.Risk, 1e-9)
}

func TestOptimizerService_Optimize_InfeasibleTarget(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.NewPriceFixtures(250)

	_, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{
		Return:   optimization.TargetReturn{Value: 10.0},
		LongOnly: true,
	})

	var infeasible *optimization.InfeasibleTargetError
	require.ErrorAs(t, err, &infeasible)
	assert.Equal(t, 10.0, infeasible.Target)
	assert.Less(t, infeasible.Range.Max, 10.0)
	assert.Equal(t, []string{"optimize:infeasible_target"}, observer.operations)
}

func TestOptimizerService_Optimize_AntiCorrelated(t *testing.T) {
	service := newTestService(nil)
	returns := [][]float64{
		{0.01, -0.01, 0.02, -0.02, 0.01, -0.01},
		{-0.01, 0.01, -0.02, 0.02, -0.01, 0.01},
	}
	prices := testingpkg.PricesFromReturns([]string{"UP", "DOWN"}, returns)

	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)

	// Perfect hedges split evenly and nearly cancel out
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, result.Weights, 1e-3)
	assert.Less(t, result.Risk, 0.01)
}

func TestOptimizerService_Optimize_EqualVarianceNegativeCorrelation(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	returns := [][]float64{
		{0.01, -0.01, 0.02, 0.00},
		{0.00, 0.01, -0.01, 0.02},
	}
	prices := testingpkg.PricesFromReturns([]string{"A", "B"}, returns)

	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)

	require.Len(t, result.Weights, 2)
	assert.InDelta(t, 1.0, result.Weights[0]+result.Weights[1], 1e-9)
	for _, w := range result.Weights {
		assert.GreaterOrEqual(t, w, 0.0)
	}

	// Both series have sample variance 0.0005/3 and covariance -0.0004/3.
	// With equal variances the minimum-variance mix is symmetric, so the
	// negative correlation cannot tilt it away from an even split.
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, result.Weights, 1e-9)
	assert.Zero(t, observer.regularizations, "the covariance is well conditioned")

	// Diversification still pays: the mix is far less risky than either leg
	legRisk := math.Sqrt(0.0005 / 3 * 252)
	assert.InDelta(t, math.Sqrt(0.25*(0.0005+0.0005-0.0008)/3*252), result.Risk, 1e-9)
	assert.Less(t, result.Risk, legRisk/2)
}

func TestOptimizerService_Optimize_ZeroVarianceTicker(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	returns := [][]float64{
		{0, 0, 0, 0, 0},
		{0.01, -0.02, 0.015, -0.005, 0.01},
		{0.02, -0.01, 0.005, 0.01, -0.015},
	}
	prices := testingpkg.PricesFromReturns([]string{"CASH", "A", "B"}, returns)

	result, err := service.Optimize(context.Background(), prices, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)

	assert.Greater(t, result.Weights[0], 0.99, "the riskless ticker should dominate")
	assert.Equal(t, 1, observer.regularizations)
}

func TestOptimizerService_Optimize_Deterministic(t *testing.T) {
	service := newTestService(nil)
	prices := testingpkg.NewPriceFixtures(250)
	req := optimization.OptimizeRequest{LongOnly: true, IncludeFrontier: true, FrontierPoints: 8}

	first, err := service.Optimize(context.Background(), prices, req)
	require.NoError(t, err)
	second, err := service.Optimize(context.Background(), prices, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestOptimizerService_Optimize_Errors(t *testing.T) {
	service := newTestService(nil)

	short := testingpkg.PricesFromReturns([]string{"A", "B"}, [][]float64{{0.01}, {0.02}})
	_, err := service.Optimize(context.Background(), short, optimization.OptimizeRequest{})
	var insufficient *optimization.InsufficientDataError
	assert.ErrorAs(t, err, &insufficient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = service.Optimize(ctx, testingpkg.NewPriceFixtures(30), optimization.OptimizeRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizerService_ComputeFrontier(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.NewPriceFixtures(250)

	var progress int
	result, err := service.ComputeFrontier(context.Background(), prices, optimization.FrontierRequest{
		PointCount: 7,
		LongOnly:   true,
		Progress: func(done, total int) {
			progress = max(progress, done)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, progress)
	assert.Len(t, result.Points, 7-len(result.Gaps))
	assert.NotZero(t, result.MinVariance.Risk)
	for i := 1; i < len(result.Points); i++ {
		assert.Greater(t, result.Points[i].ExpectedReturn, result.Points[i-1].ExpectedReturn)
		assert.GreaterOrEqual(t, result.Points[i].Risk, result.Points[i-1].Risk-1e-12)
	}
	assert.Equal(t, []string{"frontier:success"}, observer.operations)
}

func TestOptimizerService_StreamFrontier(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.NewPriceFixtures(250)

	stream, err := service.StreamFrontier(prices, optimization.FrontierRequest{PointCount: 5, LongOnly: true})
	require.NoError(t, err)

	count := 0
	for stream.Next(context.Background()) {
		count++
		assert.Empty(t, observer.operations, "the outcome is recorded when the stream ends")
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, 5, count+len(stream.Gaps()))

	// Recorded exactly once, including the gap count
	stream.Close()
	assert.Equal(t, []string{"frontier_stream:success"}, observer.operations)
	assert.Equal(t, len(stream.Gaps()), observer.gaps)
}

func TestOptimizerService_StreamFrontier_Abandoned(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)

	stream, err := service.StreamFrontier(testingpkg.NewPriceFixtures(250), optimization.FrontierRequest{PointCount: 5, LongOnly: true})
	require.NoError(t, err)

	require.True(t, stream.Next(context.Background()))
	stream.Close()

	assert.Equal(t, []string{"frontier_stream:cancelled"}, observer.operations)
}

func TestOptimizerService_StreamFrontier_EstimateError(t *testing.T) {
	observer := &recordingObserver{}
	service := newTestService(observer)
	prices := testingpkg.PricesFromReturns([]string{"A"}, [][]float64{{0.01, 0.02}})

	_, err := service.StreamFrontier(prices, optimization.FrontierRequest{})
	assert.Equal(t, optimization.CodeInsufficientData, optimization.ErrorCode(err))
	assert.Equal(t, []string{"frontier_stream:insufficient_data"}, observer.operations)
}

func TestOptimizerService_OptimizeFromRepository(t *testing.T) {
	service := newTestService(nil)
	repo := testingpkg.NewMockPriceRepository(testingpkg.NewPriceFixtures(120))

	start := testingpkg.FixtureStart
	result, err := service.OptimizeFromRepository(context.Background(), repo, optimization.PriceQuery{
		Tickers: []optimization.Ticker{"aapl", " tlt "},
		Range:   optimization.DateRange{Start: start, End: start.AddDate(0, 0, 60)},
	}, optimization.OptimizeRequest{LongOnly: true})
	require.NoError(t, err)

	assert.Equal(t, []optimization.Ticker{"AAPL", "TLT"}, result.Tickers)
	calls := repo.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, start.AddDate(0, 0, 60), calls[0].End)
}

func TestOptimizerService_FrontierFromRepository(t *testing.T) {
	service := newTestService(nil)
	repo := testingpkg.NewMockPriceRepository(testingpkg.NewPriceFixtures(120))

	result, err := service.FrontierFromRepository(context.Background(), repo, optimization.PriceQuery{
		Tickers: []optimization.Ticker{"AAPL", "MSFT", "TLT"},
		Range:   optimization.DateRange{Start: testingpkg.FixtureStart, End: testingpkg.FixtureStart.AddDate(1, 0, 0)},
	}, optimization.FrontierRequest{PointCount: 4, LongOnly: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Points)
}

func TestOptimizerService_LoadPrices(t *testing.T) {
	service := newTestService(nil)
	repo := testingpkg.NewMockPriceRepository(testingpkg.NewPriceFixtures(30))

	t.Run("default window ends today", func(t *testing.T) {
		_, err := service.LoadPrices(context.Background(), repo, optimization.PriceQuery{
			Tickers: []optimization.Ticker{"AAPL", "MSFT"},
		})
		require.NoError(t, err)

		calls := repo.Calls()
		last := calls[len(calls)-1]
		assert.Equal(t, optimization.DefaultLookbackDays, int(last.End.Sub(last.Start).Hours()/24))
		assert.WithinDuration(t, time.Now().UTC(), last.End, 24*time.Hour)
	})

	t.Run("start after end", func(t *testing.T) {
		_, err := service.LoadPrices(context.Background(), repo, optimization.PriceQuery{
			Tickers: []optimization.Ticker{"AAPL", "MSFT"},
			Range:   optimization.DateRange{Start: testingpkg.FixtureStart.AddDate(0, 1, 0), End: testingpkg.FixtureStart},
		})
		var invalid *optimization.InvalidInputError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "start", invalid.Field)
	})

	t.Run("duplicate tickers", func(t *testing.T) {
		_, err := service.LoadPrices(context.Background(), repo, optimization.PriceQuery{
			Tickers: []optimization.Ticker{"AAPL", "aapl"},
		})
		assert.Equal(t, optimization.CodeInvalidInput, optimization.ErrorCode(err))
	})

	t.Run("repository failure", func(t *testing.T) {
		failing := testingpkg.NewMockPriceRepository(optimization.PriceSeries{})
		failing.SetError(errors.New("disk on fire"))

		_, err := service.LoadPrices(context.Background(), failing, optimization.PriceQuery{
			Tickers: []optimization.Ticker{"AAPL", "MSFT"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load price history")
		assert.Equal(t, optimization.CodeInternal, optimization.ErrorCode(err))
	})
}

func TestNormalizeTickers(t *testing.T) {
	tickers, err := optimization.NormalizeTickers([]optimization.Ticker{" aapl", "Msft "})
	require.NoError(t, err)
	assert.Equal(t, []optimization.Ticker{"AAPL", "MSFT"}, tickers)

	_, err = optimization.NormalizeTickers([]optimization.Ticker{"AAPL", "  "})
	assert.Error(t, err)
}
