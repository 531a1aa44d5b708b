package optimization

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes reported by ErrorCode.
const (
	CodeInsufficientData     = "insufficient_data"
	CodeMisalignedData       = "misaligned_data"
	CodeInvalidPrice         = "invalid_price"
	CodeInvalidInput         = "invalid_input"
	CodeDegenerateCovariance = "degenerate_covariance"
	CodeInfeasibleTarget     = "infeasible_target"
	CodeSolverDiverged       = "solver_diverged"
	CodeEmptyFrontier        = "empty_frontier"
	CodeCancelled            = "cancelled"
	CodeInternal             = "internal"
)

// InsufficientDataError is returned when there are too few tickers or too few
// observations for variance estimation to be meaningful.
type InsufficientDataError struct {
	Tickers      int    // number of tickers supplied
	Ticker       Ticker // offending ticker, empty when the ticker count is the problem
	Observations int    // observations available for Ticker
	Required     int
}

func (e *InsufficientDataError) Error() string {
	if e.Ticker == "" {
		return fmt.Sprintf("insufficient data: need at least %d tickers, got %d", e.Required, e.Tickers)
	}
	return fmt.Sprintf("insufficient data for %s: need at least %d observations, got %d",
		e.Ticker, e.Required, e.Observations)
}

// MisalignedDataError is returned when the tickers do not share enough common
// timestamps after intersection.
type MisalignedDataError struct {
	Tickers   []Ticker
	Common    int
	Required  int
	RawCounts map[Ticker]int
}

func (e *MisalignedDataError) Error() string {
	return fmt.Sprintf("misaligned data: %d common timestamps across %s (need %d)",
		e.Common, joinTickers(e.Tickers), e.Required)
}

// InvalidPriceError reports a malformed observation (non-positive or non-finite
// price, timestamps out of order or duplicated).
type InvalidPriceError struct {
	Ticker Ticker
	Index  int
	Reason string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price for %s at index %d: %s", e.Ticker, e.Index, e.Reason)
}

// InvalidInputError reports a request that is malformed independently of the
// price data (duplicate tickers, bad option values).
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DegenerateCovarianceError is returned when ridge regularization could not make
// the covariance matrix positive-definite.
type DegenerateCovarianceError struct {
	Tickers       []Ticker
	MinEigenvalue float64
	Ridge         float64
	Reason        string
}

func (e *DegenerateCovarianceError) Error() string {
	return fmt.Sprintf("degenerate covariance for %s: %s (min eigenvalue %.3g, ridge %.3g)",
		joinTickers(e.Tickers), e.Reason, e.MinEigenvalue, e.Ridge)
}

// InfeasibleTargetError is returned when a target return lies outside the
// achievable range.
type InfeasibleTargetError struct {
	Target float64
	Range  ReturnRange
}

func (e *InfeasibleTargetError) Error() string {
	return fmt.Sprintf("target return %.6f is infeasible: achievable range is [%.6f, %.6f]",
		e.Target, e.Range.Min, e.Range.Max)
}

// SolverDivergedError is returned when the iterative solver hits its iteration
// cap with the KKT residual still above tolerance.
type SolverDivergedError struct {
	Iterations int
	Residual   float64
	Tolerance  float64
}

func (e *SolverDivergedError) Error() string {
	return fmt.Sprintf("solver did not converge after %d iterations: residual %.3g > tolerance %.3g",
		e.Iterations, e.Residual, e.Tolerance)
}

// EmptyFrontierError is returned when every target of a frontier sweep failed.
type EmptyFrontierError struct {
	Attempted int
	Gaps      []FrontierGap
}

func (e *EmptyFrontierError) Error() string {
	return fmt.Sprintf("efficient frontier is empty: all %d targets failed", e.Attempted)
}

func joinTickers(tickers []Ticker) string {
	parts := make([]string, len(tickers))
	for i, t := range tickers {
		parts[i] = string(t)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	var (
		insufficient *InsufficientDataError
		misaligned   *MisalignedDataError
		invalidPrice *InvalidPriceError
		invalidInput *InvalidInputError
		degenerate   *DegenerateCovarianceError
		infeasible   *InfeasibleTargetError
		diverged     *SolverDivergedError
		empty        *EmptyFrontierError
	)
	switch {
	case errors.As(err, &insufficient):
		return CodeInsufficientData
	case errors.As(err, &misaligned):
		return CodeMisalignedData
	case errors.As(err, &invalidPrice):
		return CodeInvalidPrice
	case errors.As(err, &invalidInput):
		return CodeInvalidInput
	case errors.As(err, &degenerate):
		return CodeDegenerateCovariance
	case errors.As(err, &infeasible):
		return CodeInfeasibleTarget
	case errors.As(err, &diverged):
		return CodeSolverDiverged
	case errors.As(err, &empty):
		return CodeEmptyFrontier
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
