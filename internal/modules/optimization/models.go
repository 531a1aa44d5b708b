package optimization

import (
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Ticker is an uppercase instrument symbol.
type Ticker string

// NormalizeTicker trims and upper-cases a raw symbol.
func NormalizeTicker(raw string) Ticker {
	return Ticker(strings.ToUpper(strings.TrimSpace(raw)))
}

// PriceObservation is a single (timestamp, price) pair.
type PriceObservation struct {
	Time  time.Time `json:"time" msgpack:"time"`
	Price float64   `json:"price" msgpack:"price"`
}

// PriceSeries holds ordered price observations per ticker.
// The order of Tickers defines the index used for every vector and matrix.
type PriceSeries struct {
	Tickers []Ticker
	Prices  map[Ticker][]PriceObservation
}

// NewPriceSeries creates an empty series for the given tickers.
func NewPriceSeries(tickers ...Ticker) PriceSeries {
	return PriceSeries{
		Tickers: tickers,
		Prices:  make(map[Ticker][]PriceObservation, len(tickers)),
	}
}

// ReturnSeries holds aligned periodic simple returns.
// Returns[i] belongs to Tickers[i]; Times[k] is the end of period k.
type ReturnSeries struct {
	Tickers []Ticker
	Times   []time.Time
	Returns [][]float64
}

// Periods returns the number of return observations per ticker.
func (rs *ReturnSeries) Periods() int {
	return len(rs.Times)
}

// MomentEstimate holds the annualized mean vector and covariance matrix.
type MomentEstimate struct {
	Tickers        []Ticker
	Mean           []float64
	Cov            *mat.SymDense
	Ridge          float64 // diagonal loading added during regularization, 0 if none
	MinEigenvalue  float64 // smallest eigenvalue before regularization
	Observations   int
	PeriodsPerYear float64
}

// ReturnConstraint selects whether the expected return is pinned.
// It is implemented by Unconstrained and TargetReturn only.
type ReturnConstraint interface {
	isReturnConstraint()
}

// Unconstrained leaves expected return free (global minimum variance).
type Unconstrained struct{}

// TargetReturn pins the expected return to Value.
type TargetReturn struct {
	Value float64
}

func (Unconstrained) isReturnConstraint() {}
func (TargetReturn) isReturnConstraint()  {}

// Constraints is the full constraint set for a single solve.
// The budget constraint (weights sum to 1) always applies.
type Constraints struct {
	Return   ReturnConstraint
	LongOnly bool
}

// Allocation is an optimized weight vector aligned to Tickers.
type Allocation struct {
	Tickers        []Ticker
	Weights        []float64
	ExpectedReturn float64
	Risk           float64
	Iterations     int
}

// ReturnRange is the achievable expected-return interval.
type ReturnRange struct {
	Min float64 `json:"min" msgpack:"min"`
	Max float64 `json:"max" msgpack:"max"`
}

// FrontierPoint is one portfolio on the efficient frontier.
type FrontierPoint struct {
	ExpectedReturn float64   `json:"expected_return" msgpack:"expected_return"`
	Risk           float64   `json:"risk" msgpack:"risk"`
	Weights        []float64 `json:"weights,omitempty" msgpack:"weights,omitempty"`
}

// FrontierGap records a frontier target that could not be solved.
type FrontierGap struct {
	Target float64 `json:"target" msgpack:"target"`
	Reason string  `json:"reason" msgpack:"reason"`
}

// Holding is a display row of an optimized portfolio.
type Holding struct {
	Ticker  Ticker  `json:"ticker" msgpack:"ticker"`
	Weight  float64 `json:"weight" msgpack:"weight"`
	Percent string  `json:"percent" msgpack:"percent"`
}

// OptimizationResult is the response contract of Optimize.
type OptimizationResult struct {
	Tickers        []Ticker        `json:"tickers" msgpack:"tickers"`
	Weights        []float64       `json:"weights" msgpack:"weights"`
	ExpectedReturn float64         `json:"expected_return" msgpack:"expected_return"`
	Risk           float64         `json:"risk" msgpack:"risk"`
	Holdings       []Holding       `json:"holdings" msgpack:"holdings"`
	Frontier       []FrontierPoint `json:"frontier,omitempty" msgpack:"frontier,omitempty"`
	Gaps           []FrontierGap   `json:"gaps,omitempty" msgpack:"gaps,omitempty"`
}

// FrontierResult is the response contract of ComputeFrontier.
type FrontierResult struct {
	Tickers     []Ticker        `json:"tickers" msgpack:"tickers"`
	Points      []FrontierPoint `json:"points" msgpack:"points"`
	Gaps        []FrontierGap   `json:"gaps,omitempty" msgpack:"gaps,omitempty"`
	MinVariance FrontierPoint   `json:"min_variance" msgpack:"min_variance"`
}
