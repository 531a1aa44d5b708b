package optimization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultMaxIterations       = 500
	DefaultSolverTolerance     = 1e-9
	DefaultShortSpreadMultiple = 1.0

	// LongOnlyFloor is the most negative weight a long-only allocation may carry.
	LongOnlyFloor = -1e-9

	stepTolerance   = 1e-13
	targetTolerance = 1e-9
)

// SolverOptions configures the quadratic allocator.
type SolverOptions struct {
	MaxIterations int
	Tolerance     float64
	// ShortSpreadMultiple bounds the return range when short-selling is allowed:
	// the upper end is max(μ) + ShortSpreadMultiple * (max(μ) - min(μ)).
	ShortSpreadMultiple float64
}

// DefaultSolverOptions returns the allocator defaults.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxIterations:       DefaultMaxIterations,
		Tolerance:           DefaultSolverTolerance,
		ShortSpreadMultiple: DefaultShortSpreadMultiple,
	}
}

func (o SolverOptions) withDefaults() SolverOptions {
	d := DefaultSolverOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.ShortSpreadMultiple < 0 {
		o.ShortSpreadMultiple = d.ShortSpreadMultiple
	}
	return o
}

// MVOptimizer solves the minimum-variance quadratic program
//
//	minimize   w'Σw
//	subject to 1'w = 1
//	           μ'w = target   (TargetReturn only)
//	           w >= 0         (long-only only)
//
// Equality-only problems are solved in closed form through the KKT system.
// Long-only problems use a primal active-set method over the same KKT blocks.
// MVOptimizer holds no per-request state and is safe for concurrent use.
type MVOptimizer struct {
	opts SolverOptions
}

// NewMVOptimizer creates a new mean-variance optimizer.
func NewMVOptimizer(opts SolverOptions) *MVOptimizer {
	return &MVOptimizer{opts: opts.withDefaults()}
}

// Options returns the effective solver options.
func (mvo *MVOptimizer) Options() SolverOptions {
	return mvo.opts
}

// Solve returns the minimum-variance allocation under the given constraints.
func (mvo *MVOptimizer) Solve(est *MomentEstimate, c Constraints) (*Allocation, error) {
	if err := checkEstimate(est); err != nil {
		return nil, err
	}

	switch rc := c.Return.(type) {
	case nil, Unconstrained:
		return mvo.minVariance(est, c.LongOnly)
	case TargetReturn:
		return mvo.efficientReturn(est, rc.Value, c.LongOnly)
	default:
		return nil, &InvalidInputError{Field: "constraints", Reason: fmt.Sprintf("unsupported return constraint %T", rc)}
	}
}

// AchievableRange returns the feasible target-return interval together with
// the global minimum-variance allocation that defines its lower end.
func (mvo *MVOptimizer) AchievableRange(est *MomentEstimate, longOnly bool) (ReturnRange, *Allocation, error) {
	if err := checkEstimate(est); err != nil {
		return ReturnRange{}, nil, err
	}

	gmv, err := mvo.minVariance(est, longOnly)
	if err != nil {
		return ReturnRange{}, nil, err
	}

	maxMu := floats.Max(est.Mean)
	hi := maxMu
	if !longOnly {
		hi += mvo.opts.ShortSpreadMultiple * (maxMu - floats.Min(est.Mean))
	}
	lo := gmv.ExpectedReturn
	if hi < lo {
		hi = lo
	}

	return ReturnRange{Min: lo, Max: hi}, gmv, nil
}

func (mvo *MVOptimizer) minVariance(est *MomentEstimate, longOnly bool) (*Allocation, error) {
	n := len(est.Mean)
	prob := &qpProblem{
		sigma:    est.Cov,
		rows:     [][]float64{ones(n)},
		rhs:      []float64{1},
		longOnly: longOnly,
	}

	w := make([]float64, n)
	if longOnly {
		for i := range w {
			w[i] = 1 / float64(n)
		}
	}

	weights, iters, err := prob.solve(w, make([]bool, n), mvo.opts)
	if err != nil {
		return nil, err
	}
	return newAllocation(est, weights, iters), nil
}

func (mvo *MVOptimizer) efficientReturn(est *MomentEstimate, target float64, longOnly bool) (*Allocation, error) {
	rng, gmv, err := mvo.AchievableRange(est, longOnly)
	if err != nil {
		return nil, err
	}
	return mvo.solveInRange(est, target, rng, gmv, longOnly)
}

// solveInRange solves the target-return problem against a range and
// minimum-variance allocation already computed by AchievableRange.
func (mvo *MVOptimizer) solveInRange(est *MomentEstimate, target float64, rng ReturnRange, gmv *Allocation, longOnly bool) (*Allocation, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, &InvalidInputError{Field: "target", Reason: "target return must be finite"}
	}

	tol := targetTolerance * (1 + math.Max(math.Abs(rng.Min), math.Abs(rng.Max)))
	if target < rng.Min-tol || target > rng.Max+tol {
		return nil, &InfeasibleTargetError{Target: target, Range: rng}
	}
	if math.Abs(target-rng.Min) <= tol {
		return gmv, nil
	}
	target = math.Min(target, rng.Max)

	n := len(est.Mean)
	if longOnly && target >= floats.Max(est.Mean)-tol {
		return mvo.topReturnCorner(est, tol)
	}

	prob := &qpProblem{
		sigma:    est.Cov,
		rows:     [][]float64{ones(n), est.Mean},
		rhs:      []float64{1, target},
		longOnly: longOnly,
	}

	w := make([]float64, n)
	active := make([]bool, n)
	if longOnly {
		// Start from the two-asset vertex mixing the lowest and highest mean.
		lo, hi := floats.MinIdx(est.Mean), floats.MaxIdx(est.Mean)
		theta := (target - est.Mean[lo]) / (est.Mean[hi] - est.Mean[lo])
		theta = math.Max(0, math.Min(1, theta))
		w[lo], w[hi] = 1-theta, theta
		for i := range active {
			active[i] = w[i] == 0
		}
	}

	weights, iters, err := prob.solve(w, active, mvo.opts)
	if err != nil {
		return nil, err
	}
	return newAllocation(est, weights, iters), nil
}

// topReturnCorner solves the long-only problem at target = max(μ): only the
// assets sharing the top mean can carry weight, so the answer is the
// minimum-variance mix of that subset.
func (mvo *MVOptimizer) topReturnCorner(est *MomentEstimate, tol float64) (*Allocation, error) {
	maxMu := floats.Max(est.Mean)
	var top []int
	for i, mu := range est.Mean {
		if mu >= maxMu-tol {
			top = append(top, i)
		}
	}

	n := len(est.Mean)
	weights := make([]float64, n)
	if len(top) == 1 {
		weights[top[0]] = 1
		return newAllocation(est, weights, 0), nil
	}

	sub := mat.NewSymDense(len(top), nil)
	for a, i := range top {
		for b, j := range top {
			sub.SetSym(a, b, est.Cov.At(i, j))
		}
	}
	w0 := make([]float64, len(top))
	for a := range w0 {
		w0[a] = 1 / float64(len(top))
	}
	prob := &qpProblem{sigma: sub, rows: [][]float64{ones(len(top))}, rhs: []float64{1}, longOnly: true}
	subWeights, iters, err := prob.solve(w0, make([]bool, len(top)), mvo.opts)
	if err != nil {
		return nil, err
	}
	for a, i := range top {
		weights[i] = subWeights[a]
	}
	return newAllocation(est, weights, iters), nil
}

func newAllocation(est *MomentEstimate, weights []float64, iters int) *Allocation {
	return &Allocation{
		Tickers:        append([]Ticker(nil), est.Tickers...),
		Weights:        weights,
		ExpectedReturn: portfolioReturn(est.Mean, weights),
		Risk:           portfolioRisk(est.Cov, weights),
		Iterations:     iters,
	}
}

func checkEstimate(est *MomentEstimate) error {
	if est == nil || est.Cov == nil {
		return &InvalidInputError{Field: "moments", Reason: "missing moment estimate"}
	}
	n := len(est.Mean)
	if n < MinTickers {
		return &InsufficientDataError{Tickers: n, Required: MinTickers}
	}
	if est.Cov.SymmetricDim() != n {
		return &InvalidInputError{
			Field:  "moments",
			Reason: fmt.Sprintf("covariance size %d doesn't match %d means", est.Cov.SymmetricDim(), n),
		}
	}
	return nil
}

// qpProblem is one convex QP instance: minimize ½w'Σw s.t. rows·w = rhs
// and, when longOnly, w >= 0.
type qpProblem struct {
	sigma    mat.Symmetric
	rows     [][]float64
	rhs      []float64
	longOnly bool
}

// solve runs the active-set iteration from a feasible starting point w with
// the given working set of bounds held at zero. Without bounds the first
// step is the closed-form KKT solution and later steps only refine it.
func (p *qpProblem) solve(w []float64, active []bool, opts SolverOptions) ([]float64, int, error) {
	n := len(w)
	nu := make([]float64, len(p.rows))

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		free := freeIndices(active)
		step, stepNu, err := p.kktStep(w, free)
		if err != nil {
			return nil, iter, err
		}
		nu = stepNu

		if p.longOnly {
			alpha, block := 1.0, -1
			for _, i := range free {
				if step[i] < -stepTolerance {
					if ratio := w[i] / -step[i]; ratio < alpha {
						alpha, block = ratio, i
					}
				}
			}
			if block >= 0 {
				for _, i := range free {
					w[i] += alpha * step[i]
				}
				w[block] = 0
				active[block] = true
				continue
			}
		}

		for _, i := range free {
			w[i] += step[i]
		}

		g := p.gradient(w)
		if p.longOnly {
			release, worst := -1, 0.0
			scale := 1 + maxAbs(g)
			for i := 0; i < n; i++ {
				if !active[i] {
					continue
				}
				z := p.boundMultiplier(g, nu, i)
				if z < -opts.Tolerance*scale && z < worst {
					worst, release = z, i
				}
			}
			if release >= 0 {
				active[release] = false
				continue
			}
		}

		if p.residual(w, g, nu, active) <= opts.Tolerance {
			return cleanWeights(w, p.longOnly), iter, nil
		}
	}

	return nil, opts.MaxIterations, &SolverDivergedError{
		Iterations: opts.MaxIterations,
		Residual:   p.residual(w, p.gradient(w), nu, active),
		Tolerance:  opts.Tolerance,
	}
}

// kktStep solves
//
//	[Σ_FF  A_F'] [p_F]   [-(Σw)_F  ]
//	[A_F   0   ] [ν  ] = [ b - A w ]
//
// over the free set F. Constraint rows that are constant on F duplicate the
// budget row there and are dropped; their multipliers are reported as zero.
func (p *qpProblem) kktStep(w []float64, free []int) ([]float64, []float64, error) {
	n := len(w)
	rows := p.independentRows(free)
	f := len(free)
	dim := f + len(rows)

	g := p.gradient(w)
	k := mat.NewDense(dim, dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	for a, i := range free {
		for b, j := range free {
			k.Set(a, b, p.sigma.At(i, j))
		}
		for r, ri := range rows {
			v := p.rows[ri][i]
			k.Set(a, f+r, v)
			k.Set(f+r, a, v)
		}
		rhs.SetVec(a, -g[i])
	}
	for r, ri := range rows {
		rhs.SetVec(f+r, p.rhs[ri]-floats.Dot(p.rows[ri], w))
	}

	var x mat.VecDense
	if err := x.SolveVec(k, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, nil, &DegenerateCovarianceError{
				Reason: fmt.Sprintf("singular KKT system: %v", err),
			}
		}
	}

	step := make([]float64, n)
	for a, i := range free {
		step[i] = x.AtVec(a)
	}
	nu := make([]float64, len(p.rows))
	for r, ri := range rows {
		nu[ri] = x.AtVec(f + r)
	}
	return step, nu, nil
}

// independentRows returns the constraint rows to keep on the free set. Row 0
// is the budget row and is always kept.
func (p *qpProblem) independentRows(free []int) []int {
	rows := []int{0}
	for r := 1; r < len(p.rows); r++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range free {
			lo = math.Min(lo, p.rows[r][i])
			hi = math.Max(hi, p.rows[r][i])
		}
		if hi-lo > 1e-12*(1+maxAbs(p.rows[r])) {
			rows = append(rows, r)
		}
	}
	return rows
}

func (p *qpProblem) gradient(w []float64) []float64 {
	n := len(w)
	g := mat.NewVecDense(n, nil)
	g.MulVec(p.sigma, mat.NewVecDense(n, w))
	return g.RawVector().Data
}

// boundMultiplier is z_i = (Σw)_i + Σ_r A_ri ν_r, the multiplier of w_i >= 0.
func (p *qpProblem) boundMultiplier(g, nu []float64, i int) float64 {
	z := g[i]
	for r := range p.rows {
		z += p.rows[r][i] * nu[r]
	}
	return z
}

// residual is the KKT residual: primal infeasibility, bound violation,
// stationarity on the free set and dual-sign violation on the working set.
func (p *qpProblem) residual(w, g, nu []float64, active []bool) float64 {
	var res float64
	for r, row := range p.rows {
		res = math.Max(res, math.Abs(floats.Dot(row, w)-p.rhs[r]))
	}

	scale := 1 + maxAbs(g)
	for i := range w {
		z := p.boundMultiplier(g, nu, i)
		if active[i] {
			res = math.Max(res, math.Max(0, -z)/scale)
			continue
		}
		res = math.Max(res, math.Abs(z)/scale)
		if p.longOnly {
			res = math.Max(res, math.Max(0, -w[i]))
		}
	}
	return res
}

// cleanWeights zeroes round-off below the long-only floor's magnitude.
func cleanWeights(w []float64, longOnly bool) []float64 {
	out := make([]float64, len(w))
	for i, v := range w {
		if longOnly && v < 0 && v > LongOnlyFloor {
			v = 0
		}
		out[i] = v
	}
	return out
}

func freeIndices(active []bool) []int {
	free := make([]int, 0, len(active))
	for i, a := range active {
		if !a {
			free = append(free, i)
		}
	}
	return free
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
