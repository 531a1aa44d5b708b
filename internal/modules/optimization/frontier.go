package optimization

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultFrontierPoints is the number of frontier targets when none is given.
const DefaultFrontierPoints = 25

// FrontierOptions configures a frontier sweep.
type FrontierOptions struct {
	PointCount int
	LongOnly   bool
	// Workers bounds concurrent solves in Sweep. Defaults to GOMAXPROCS.
	Workers int
	// Progress, if set, is called after every solved or skipped target.
	// Sweep may call it from several goroutines.
	Progress func(done, total int)
}

func (o FrontierOptions) withDefaults() FrontierOptions {
	if o.PointCount <= 0 {
		o.PointCount = DefaultFrontierPoints
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// SweepResult is the outcome of a complete frontier sweep.
type SweepResult struct {
	Points      []FrontierPoint
	Gaps        []FrontierGap
	MinVariance *Allocation
	Range       ReturnRange
}

// FrontierSweeper traces the efficient frontier by solving the target-return
// problem at evenly spaced targets across the achievable range.
type FrontierSweeper struct {
	optimizer *MVOptimizer
	est       *MomentEstimate
	opts      FrontierOptions
}

// NewFrontierSweeper creates a sweeper over one moment estimate.
func NewFrontierSweeper(optimizer *MVOptimizer, est *MomentEstimate, opts FrontierOptions) *FrontierSweeper {
	return &FrontierSweeper{
		optimizer: optimizer,
		est:       est,
		opts:      opts.withDefaults(),
	}
}

// Targets returns the ascending target returns, the achievable range and the
// minimum-variance allocation at its lower end.
func (fs *FrontierSweeper) Targets() ([]float64, ReturnRange, *Allocation, error) {
	rng, gmv, err := fs.optimizer.AchievableRange(fs.est, fs.opts.LongOnly)
	if err != nil {
		return nil, ReturnRange{}, nil, err
	}
	return frontierTargets(rng, fs.opts.PointCount), rng, gmv, nil
}

// frontierTargets spaces count targets evenly over rng, both ends included.
// A zero-width range yields a single target.
func frontierTargets(rng ReturnRange, count int) []float64 {
	width := rng.Max - rng.Min
	if count == 1 || width <= targetTolerance*(1+math.Abs(rng.Max)) {
		return []float64{rng.Min}
	}

	targets := make([]float64, count)
	step := width / float64(count-1)
	for k := range targets {
		targets[k] = rng.Min + float64(k)*step
	}
	targets[count-1] = rng.Max
	return targets
}

// solveTarget solves one frontier target within the range planned by
// Targets. Infeasible and diverged targets come back as a gap; any other
// failure aborts the sweep.
func (fs *FrontierSweeper) solveTarget(target float64, rng ReturnRange, gmv *Allocation) (FrontierPoint, *FrontierGap, error) {
	alloc, err := fs.optimizer.solveInRange(fs.est, target, rng, gmv, fs.opts.LongOnly)
	if err != nil {
		var infeasible *InfeasibleTargetError
		var diverged *SolverDivergedError
		if errors.As(err, &infeasible) || errors.As(err, &diverged) {
			return FrontierPoint{}, &FrontierGap{Target: target, Reason: err.Error()}, nil
		}
		return FrontierPoint{}, nil, err
	}

	return FrontierPoint{
		ExpectedReturn: alloc.ExpectedReturn,
		Risk:           alloc.Risk,
		Weights:        append([]float64(nil), alloc.Weights...),
	}, nil, nil
}

// Sweep solves every target concurrently and returns the points ordered by
// expected return. Cancellation stops new solves from being dispatched;
// solves already running finish before Sweep returns.
func (fs *FrontierSweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	targets, rng, gmv, err := fs.Targets()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		point  FrontierPoint
		gap    *FrontierGap
		solved bool
	}
	outcomes := make([]outcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.opts.Workers)

	var done atomic.Int64
	for i, target := range targets {
		if gctx.Err() != nil {
			break
		}
		i, target := i, target
		g.Go(func() error {
			point, gap, err := fs.solveTarget(target, rng, gmv)
			if err != nil {
				return err
			}
			outcomes[i] = outcome{point: point, gap: gap, solved: true}
			if fs.opts.Progress != nil {
				fs.opts.Progress(int(done.Add(1)), len(targets))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &SweepResult{
		Points:      make([]FrontierPoint, 0, len(targets)),
		MinVariance: gmv,
		Range:       rng,
	}
	for _, o := range outcomes {
		switch {
		case !o.solved:
		case o.gap != nil:
			result.Gaps = append(result.Gaps, *o.gap)
		default:
			result.Points = append(result.Points, o.point)
		}
	}

	if len(result.Points) == 0 {
		return nil, &EmptyFrontierError{Attempted: len(targets), Gaps: result.Gaps}
	}

	sort.SliceStable(result.Points, func(i, j int) bool {
		return result.Points[i].ExpectedReturn < result.Points[j].ExpectedReturn
	})
	return result, nil
}

// Stream returns a lazy iterator that solves one target per Next call.
func (fs *FrontierSweeper) Stream() *FrontierStream {
	return &FrontierStream{sweeper: fs}
}

// FrontierStream yields frontier points in ascending target order. It is
// finite and cannot be restarted; it is not safe for concurrent use.
//
//	stream := sweeper.Stream()
//	for stream.Next(ctx) {
//		p := stream.Point()
//	}
//	if err := stream.Err(); err != nil { ... }
type FrontierStream struct {
	sweeper *FrontierSweeper
	// onDone runs once when the stream ends, with the final error and gaps.
	onDone func(err error, gaps []FrontierGap)

	planned bool
	targets []float64
	rng     ReturnRange
	gmv     *Allocation

	next   int
	point  FrontierPoint
	points int
	gaps   []FrontierGap
	err    error
	done   bool
}

// Next solves targets until one succeeds, returning false when the stream is
// exhausted, cancelled or failed.
func (s *FrontierStream) Next(ctx context.Context) bool {
	if s.done {
		return false
	}

	if !s.planned {
		s.planned = true
		targets, rng, gmv, err := s.sweeper.Targets()
		if err != nil {
			return s.fail(err)
		}
		s.targets, s.rng, s.gmv = targets, rng, gmv
	}

	for s.next < len(s.targets) {
		if err := ctx.Err(); err != nil {
			return s.fail(err)
		}

		target := s.targets[s.next]
		s.next++

		point, gap, err := s.sweeper.solveTarget(target, s.rng, s.gmv)
		if progress := s.sweeper.opts.Progress; progress != nil {
			progress(s.next, len(s.targets))
		}
		if err != nil {
			return s.fail(err)
		}
		if gap != nil {
			s.gaps = append(s.gaps, *gap)
			continue
		}

		s.point = point
		s.points++
		return true
	}

	if s.points == 0 {
		return s.fail(&EmptyFrontierError{Attempted: len(s.targets), Gaps: s.gaps})
	}
	return s.fail(nil)
}

// fail ends the stream with err, which is nil for a stream that ran to
// completion.
func (s *FrontierStream) fail(err error) bool {
	s.err = err
	s.done = true
	if s.onDone != nil {
		s.onDone(err, s.gaps)
	}
	return false
}

// Close ends a stream that the caller abandons before exhaustion. Its
// outcome is recorded as cancelled. Closing a finished stream does nothing.
func (s *FrontierStream) Close() {
	if !s.done {
		s.fail(context.Canceled)
	}
}

// Point returns the point produced by the last successful Next.
func (s *FrontierStream) Point() FrontierPoint {
	return s.point
}

// Gaps returns the targets skipped so far.
func (s *FrontierStream) Gaps() []FrontierGap {
	return s.gaps
}

// Range returns the achievable range, valid after the first Next.
func (s *FrontierStream) Range() ReturnRange {
	return s.rng
}

// MinVariance returns the global minimum-variance allocation, valid after the
// first Next.
func (s *FrontierStream) MinVariance() *Allocation {
	return s.gmv
}

// Total returns the number of targets the stream will attempt.
func (s *FrontierStream) Total() int {
	return len(s.targets)
}

// Err returns the error that ended the stream, if any.
func (s *FrontierStream) Err() error {
	return s.err
}
