package optimization

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// AssembleResult packages an allocation, and optionally a frontier, into the
// response contract. Numeric values are copied, never rounded; only the
// holdings' Percent display string is formatted.
func AssembleResult(alloc *Allocation, frontier []FrontierPoint, gaps []FrontierGap) *OptimizationResult {
	return &OptimizationResult{
		Tickers:        append([]Ticker(nil), alloc.Tickers...),
		Weights:        append([]float64(nil), alloc.Weights...),
		ExpectedReturn: alloc.ExpectedReturn,
		Risk:           alloc.Risk,
		Holdings:       holdings(alloc.Tickers, alloc.Weights),
		Frontier:       frontier,
		Gaps:           gaps,
	}
}

// AssembleFrontier packages a sweep into the frontier response contract.
func AssembleFrontier(tickers []Ticker, sweep *SweepResult) *FrontierResult {
	result := &FrontierResult{
		Tickers: append([]Ticker(nil), tickers...),
		Points:  sweep.Points,
		Gaps:    sweep.Gaps,
	}
	if gmv := sweep.MinVariance; gmv != nil {
		result.MinVariance = FrontierPoint{
			ExpectedReturn: gmv.ExpectedReturn,
			Risk:           gmv.Risk,
			Weights:        append([]float64(nil), gmv.Weights...),
		}
	}
	return result
}

func holdings(tickers []Ticker, weights []float64) []Holding {
	out := make([]Holding, len(tickers))
	for i, ticker := range tickers {
		out[i] = Holding{
			Ticker:  ticker,
			Weight:  weights[i],
			Percent: FormatPercent(weights[i]),
		}
	}
	return out
}

// FormatPercent renders a fraction as a percentage with two decimals, e.g.
// 0.4567 -> "45.67%".
func FormatPercent(fraction float64) string {
	return decimal.NewFromFloat(fraction).Mul(hundred).StringFixed(2) + "%"
}
