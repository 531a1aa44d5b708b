package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Constants for risk model configuration
const (
	DefaultPeriodsPerYear    = 252  // trading days
	HighCorrelationThreshold = 0.80 // 80% correlation is considered "high"

	DefaultConditionFloor   = 1e-8 // relative to average variance
	DefaultRidgeFactor      = 1e-6 // relative to average variance
	DefaultMaxRidgeAttempts = 4
)

// Annualization selects how the periodic mean is scaled to a yearly figure.
type Annualization string

const (
	// AnnualizeArithmetic multiplies the periodic mean by periods per year.
	AnnualizeArithmetic Annualization = "arithmetic"
	// AnnualizeGeometric compounds the periodic mean: (1+m)^P - 1.
	AnnualizeGeometric Annualization = "geometric"
)

// MomentOptions configures mean/covariance estimation.
type MomentOptions struct {
	PeriodsPerYear   float64
	Annualization    Annualization
	ConditionFloor   float64
	RidgeFactor      float64
	MaxRidgeAttempts int
}

// DefaultMomentOptions returns the estimator defaults.
func DefaultMomentOptions() MomentOptions {
	return MomentOptions{
		PeriodsPerYear:   DefaultPeriodsPerYear,
		Annualization:    AnnualizeArithmetic,
		ConditionFloor:   DefaultConditionFloor,
		RidgeFactor:      DefaultRidgeFactor,
		MaxRidgeAttempts: DefaultMaxRidgeAttempts,
	}
}

func (o MomentOptions) withDefaults() MomentOptions {
	d := DefaultMomentOptions()
	if o.PeriodsPerYear <= 0 {
		o.PeriodsPerYear = d.PeriodsPerYear
	}
	if o.Annualization == "" {
		o.Annualization = d.Annualization
	}
	if o.ConditionFloor <= 0 {
		o.ConditionFloor = d.ConditionFloor
	}
	if o.RidgeFactor <= 0 {
		o.RidgeFactor = d.RidgeFactor
	}
	if o.MaxRidgeAttempts <= 0 {
		o.MaxRidgeAttempts = d.MaxRidgeAttempts
	}
	return o
}

// CorrelationPair is a pair of tickers whose return correlation exceeds a threshold.
type CorrelationPair struct {
	Ticker1     Ticker  `json:"ticker1"`
	Ticker2     Ticker  `json:"ticker2"`
	Correlation float64 `json:"correlation"`
}

// EstimateMoments computes the annualized sample mean vector and the unbiased
// sample covariance matrix (denominator M-1) of the return series.
//
// When the smallest eigenvalue of the covariance falls below
// ConditionFloor * trace/N, a ridge proportional to trace/N is added to the
// diagonal. Positive-definiteness is then confirmed by Cholesky factorization;
// a bounded number of escalations is tried before giving up.
func EstimateMoments(returns *ReturnSeries, opts MomentOptions) (*MomentEstimate, error) {
	opts = opts.withDefaults()
	if opts.Annualization != AnnualizeArithmetic && opts.Annualization != AnnualizeGeometric {
		return nil, &InvalidInputError{Field: "annualization", Reason: fmt.Sprintf("unknown mode %q", opts.Annualization)}
	}

	n := len(returns.Tickers)
	m := returns.Periods()
	if n < MinTickers {
		return nil, &InsufficientDataError{Tickers: n, Required: MinTickers}
	}
	if m < MinObservations-1 {
		return nil, &InsufficientDataError{
			Tickers:      n,
			Ticker:       returns.Tickers[0],
			Observations: m + 1,
			Required:     MinObservations,
		}
	}

	// Data matrix: one row per period, one column per ticker.
	data := mat.NewDense(m, n, nil)
	mean := make([]float64, n)
	for j := 0; j < n; j++ {
		col := returns.Returns[j]
		if len(col) != m {
			return nil, fmt.Errorf("inconsistent return lengths: expected %d, got %d for %s", m, len(col), returns.Tickers[j])
		}
		for k, r := range col {
			data.Set(k, j, r)
		}
		mean[j] = annualizeMean(stat.Mean(col, nil), opts)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	cov.ScaleSym(opts.PeriodsPerYear, &cov)

	est := &MomentEstimate{
		Tickers:        append([]Ticker(nil), returns.Tickers...),
		Mean:           mean,
		Cov:            &cov,
		Observations:   m,
		PeriodsPerYear: opts.PeriodsPerYear,
	}

	if err := regularize(est, opts); err != nil {
		return nil, err
	}
	return est, nil
}

func annualizeMean(periodic float64, opts MomentOptions) float64 {
	if opts.Annualization == AnnualizeGeometric {
		return math.Pow(1+periodic, opts.PeriodsPerYear) - 1
	}
	return periodic * opts.PeriodsPerYear
}

// regularize applies trace-scaled ridge loading when the covariance is
// near-singular and records what was done on the estimate.
func regularize(est *MomentEstimate, opts MomentOptions) error {
	cov := est.Cov
	n := cov.SymmetricDim()

	trace := 0.0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := cov.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &DegenerateCovarianceError{Tickers: est.Tickers, Reason: "non-finite covariance entry"}
			}
		}
		trace += cov.At(i, i)
	}
	scale := trace / float64(n)

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, false); !ok {
		return &DegenerateCovarianceError{Tickers: est.Tickers, Reason: "eigendecomposition failed"}
	}
	minEig := eig.Values(nil)[0] // ascending
	est.MinEigenvalue = minEig

	if scale <= 0 {
		return &DegenerateCovarianceError{
			Tickers:       est.Tickers,
			MinEigenvalue: minEig,
			Reason:        "all return series have zero variance",
		}
	}

	floor := opts.ConditionFloor * scale
	if minEig >= floor {
		var chol mat.Cholesky
		if chol.Factorize(cov) {
			return nil
		}
	}

	ridge := math.Max(floor-minEig, 0) + opts.RidgeFactor*scale
	base := mat.NewSymDense(n, nil)
	base.CopySym(cov)
	for attempt := 0; attempt < opts.MaxRidgeAttempts; attempt++ {
		loaded := mat.NewSymDense(n, nil)
		loaded.CopySym(base)
		for i := 0; i < n; i++ {
			loaded.SetSym(i, i, base.At(i, i)+ridge)
		}

		var chol mat.Cholesky
		if chol.Factorize(loaded) {
			est.Cov = loaded
			est.Ridge = ridge
			return nil
		}
		ridge *= 10
	}

	return &DegenerateCovarianceError{
		Tickers:       est.Tickers,
		MinEigenvalue: minEig,
		Ridge:         ridge,
		Reason:        "ridge regularization did not restore positive-definiteness",
	}
}

// CorrelationPairs extracts ticker pairs whose absolute correlation is at or
// above threshold.
func CorrelationPairs(est *MomentEstimate, threshold float64) []CorrelationPair {
	n := len(est.Tickers)
	pairs := make([]CorrelationPair, 0)

	for i := 0; i < n; i++ {
		vi := est.Cov.At(i, i)
		for j := i + 1; j < n; j++ {
			vj := est.Cov.At(j, j)
			if vi <= 0 || vj <= 0 {
				continue
			}
			corr := est.Cov.At(i, j) / math.Sqrt(vi*vj)
			if math.Abs(corr) >= threshold {
				pairs = append(pairs, CorrelationPair{
					Ticker1:     est.Tickers[i],
					Ticker2:     est.Tickers[j],
					Correlation: corr,
				})
			}
		}
	}

	return pairs
}

// portfolioVariance computes w'Σw.
func portfolioVariance(cov mat.Symmetric, w []float64) float64 {
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, cov, v)
}

// portfolioRisk computes sqrt(w'Σw), clamping tiny negative round-off to zero.
func portfolioRisk(cov mat.Symmetric, w []float64) float64 {
	return math.Sqrt(math.Max(portfolioVariance(cov, w), 0))
}

func portfolioReturn(mu, w []float64) float64 {
	return floats.Dot(mu, w)
}
