package optimization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLookbackDays is the price window used when a query names no dates.
const DefaultLookbackDays = 365

// Operation names reported to the Observer.
const (
	OperationOptimize = "optimize"
	OperationFrontier = "frontier"
	OperationStream   = "frontier_stream"
)

// ServiceOptions bundles the knobs of every pipeline stage.
type ServiceOptions struct {
	Returns             ReturnOptions
	Moments             MomentOptions
	Solver              SolverOptions
	FrontierPoints      int
	Workers             int
	DefaultLookbackDays int
}

// DateRange is an inclusive calendar range. A zero Start or End means the
// service picks the default lookback window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// PriceQuery names the tickers and window to load from a PriceRepository.
type PriceQuery struct {
	Tickers []Ticker
	Range   DateRange
}

// OptimizeRequest is one optimize call.
type OptimizeRequest struct {
	Return          ReturnConstraint // nil means Unconstrained
	LongOnly        bool
	IncludeFrontier bool
	FrontierPoints  int
}

// FrontierRequest is one frontier call.
type FrontierRequest struct {
	PointCount int
	LongOnly   bool
	// Progress is forwarded to the sweeper.
	Progress func(done, total int)
}

// OptimizerService runs the full pipeline: returns, moments, allocation,
// frontier and result assembly. It holds configuration only and is safe for
// concurrent use.
type OptimizerService struct {
	opts      ServiceOptions
	optimizer *MVOptimizer
	observer  Observer
	now       func() time.Time
	log       zerolog.Logger
}

// NewOptimizerService creates a new optimizer service. observer may be nil.
func NewOptimizerService(opts ServiceOptions, observer Observer, log zerolog.Logger) *OptimizerService {
	if opts.FrontierPoints <= 0 {
		opts.FrontierPoints = DefaultFrontierPoints
	}
	if opts.DefaultLookbackDays <= 0 {
		opts.DefaultLookbackDays = DefaultLookbackDays
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &OptimizerService{
		opts:      opts,
		optimizer: NewMVOptimizer(opts.Solver),
		observer:  observer,
		now:       time.Now,
		log:       log.With().Str("service", "optimizer").Logger(),
	}
}

// Optimize computes the minimum-variance allocation for the given prices,
// optionally with the efficient frontier attached.
func (s *OptimizerService) Optimize(ctx context.Context, prices PriceSeries, req OptimizeRequest) (result *OptimizationResult, err error) {
	start := time.Now()
	defer func() { s.observe(OperationOptimize, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	est, err := s.estimate(prices)
	if err != nil {
		return nil, err
	}

	alloc, err := s.optimizer.Solve(est, Constraints{Return: req.Return, LongOnly: req.LongOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to solve allocation: %w", err)
	}

	var (
		frontier []FrontierPoint
		gaps     []FrontierGap
	)
	if req.IncludeFrontier {
		sweep, err := s.sweeper(est, req.FrontierPoints, req.LongOnly, nil).Sweep(ctx)
		var empty *EmptyFrontierError
		switch {
		case errors.As(err, &empty):
			s.log.Warn().Int("attempted", empty.Attempted).Msg("Frontier is empty, returning allocation only")
			gaps = empty.Gaps
		case err != nil:
			return nil, fmt.Errorf("failed to compute frontier: %w", err)
		default:
			frontier, gaps = sweep.Points, sweep.Gaps
		}
		s.observer.ObserveFrontierGaps(len(gaps))
	}

	s.log.Info().
		Int("tickers", len(alloc.Tickers)).
		Bool("long_only", req.LongOnly).
		Float64("expected_return", alloc.ExpectedReturn).
		Float64("risk", alloc.Risk).
		Int("iterations", alloc.Iterations).
		Dur("duration", time.Since(start)).
		Msg("Optimization complete")

	return AssembleResult(alloc, frontier, gaps), nil
}

// ComputeFrontier sweeps the efficient frontier for the given prices.
func (s *OptimizerService) ComputeFrontier(ctx context.Context, prices PriceSeries, req FrontierRequest) (result *FrontierResult, err error) {
	start := time.Now()
	defer func() { s.observe(OperationFrontier, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	est, err := s.estimate(prices)
	if err != nil {
		return nil, err
	}

	sweep, err := s.sweeper(est, req.PointCount, req.LongOnly, req.Progress).Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute frontier: %w", err)
	}
	s.observer.ObserveFrontierGaps(len(sweep.Gaps))

	s.log.Info().
		Int("points", len(sweep.Points)).
		Int("gaps", len(sweep.Gaps)).
		Float64("min_return", sweep.Range.Min).
		Float64("max_return", sweep.Range.Max).
		Dur("duration", time.Since(start)).
		Msg("Frontier computed")

	return AssembleFrontier(est.Tickers, sweep), nil
}

// StreamFrontier prepares a lazy frontier stream. Estimation errors are
// returned immediately; solve errors surface through the stream. The outcome
// is reported once the stream ends, so callers that stop early must Close it.
func (s *OptimizerService) StreamFrontier(prices PriceSeries, req FrontierRequest) (*FrontierStream, error) {
	start := time.Now()

	est, err := s.estimate(prices)
	if err != nil {
		s.observe(OperationStream, start, err)
		return nil, err
	}

	stream := s.sweeper(est, req.PointCount, req.LongOnly, req.Progress).Stream()
	stream.onDone = func(err error, gaps []FrontierGap) {
		s.observer.ObserveFrontierGaps(len(gaps))
		s.observe(OperationStream, start, err)
	}
	return stream, nil
}

// OptimizeFromRepository loads prices from repo and runs Optimize.
func (s *OptimizerService) OptimizeFromRepository(ctx context.Context, repo PriceRepository, query PriceQuery, req OptimizeRequest) (*OptimizationResult, error) {
	prices, err := s.LoadPrices(ctx, repo, query)
	if err != nil {
		return nil, err
	}
	return s.Optimize(ctx, prices, req)
}

// FrontierFromRepository loads prices from repo and runs ComputeFrontier.
func (s *OptimizerService) FrontierFromRepository(ctx context.Context, repo PriceRepository, query PriceQuery, req FrontierRequest) (*FrontierResult, error) {
	prices, err := s.LoadPrices(ctx, repo, query)
	if err != nil {
		return nil, err
	}
	return s.ComputeFrontier(ctx, prices, req)
}

// LoadPrices normalizes the query and reads the price series from repo.
func (s *OptimizerService) LoadPrices(ctx context.Context, repo PriceRepository, query PriceQuery) (PriceSeries, error) {
	tickers, err := NormalizeTickers(query.Tickers)
	if err != nil {
		return PriceSeries{}, err
	}
	rng, err := s.resolveRange(query.Range)
	if err != nil {
		return PriceSeries{}, err
	}

	prices, err := repo.LoadPriceSeries(ctx, tickers, rng)
	if err != nil {
		return PriceSeries{}, fmt.Errorf("failed to load price history: %w", err)
	}

	s.log.Debug().
		Int("tickers", len(tickers)).
		Time("start", rng.Start).
		Time("end", rng.End).
		Msg("Loaded price history")

	return prices, nil
}

func (s *OptimizerService) resolveRange(rng DateRange) (DateRange, error) {
	if rng.End.IsZero() {
		now := s.now().UTC()
		rng.End = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if rng.Start.IsZero() {
		rng.Start = rng.End.AddDate(0, 0, -s.opts.DefaultLookbackDays)
	}
	if rng.Start.After(rng.End) {
		return DateRange{}, &InvalidInputError{Field: "start", Reason: "start date is after end date"}
	}
	return rng, nil
}

// NormalizeTickers upper-cases the symbols and rejects blanks and duplicates.
func NormalizeTickers(raw []Ticker) ([]Ticker, error) {
	out := make([]Ticker, 0, len(raw))
	seen := make(map[Ticker]bool, len(raw))
	for _, r := range raw {
		t := NormalizeTicker(string(r))
		if t == "" {
			return nil, &InvalidInputError{Field: "tickers", Reason: "empty ticker"}
		}
		if seen[t] {
			return nil, &InvalidInputError{Field: "tickers", Reason: "duplicate ticker " + string(t)}
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// estimate runs the return and moment stages and logs their diagnostics.
func (s *OptimizerService) estimate(prices PriceSeries) (*MomentEstimate, error) {
	returns, err := BuildReturnSeries(prices, s.opts.Returns)
	if err != nil {
		return nil, fmt.Errorf("failed to build return series: %w", err)
	}

	est, err := EstimateMoments(returns, s.opts.Moments)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate moments: %w", err)
	}

	if est.Ridge > 0 {
		s.observer.ObserveRegularization()
		s.log.Debug().
			Float64("min_eigenvalue", est.MinEigenvalue).
			Float64("ridge", est.Ridge).
			Msg("Covariance regularized")
	}
	if s.log.GetLevel() <= zerolog.DebugLevel {
		for _, pair := range CorrelationPairs(est, HighCorrelationThreshold) {
			s.log.Debug().
				Str("ticker1", string(pair.Ticker1)).
				Str("ticker2", string(pair.Ticker2)).
				Float64("correlation", pair.Correlation).
				Msg("High correlation detected")
		}
	}

	return est, nil
}

func (s *OptimizerService) sweeper(est *MomentEstimate, points int, longOnly bool, progress func(done, total int)) *FrontierSweeper {
	if points <= 0 {
		points = s.opts.FrontierPoints
	}
	return NewFrontierSweeper(s.optimizer, est, FrontierOptions{
		PointCount: points,
		LongOnly:   longOnly,
		Workers:    s.opts.Workers,
		Progress:   progress,
	})
}

func (s *OptimizerService) observe(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = ErrorCode(err)
	}
	s.observer.ObserveOperation(operation, outcome, time.Since(start))
}
