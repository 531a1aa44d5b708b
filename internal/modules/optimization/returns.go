package optimization

import (
	"math"
	"time"
)

const (
	// MinTickers is the smallest universe that has a covariance structure.
	MinTickers = 2
	// MinObservations is the smallest aligned price count (two return points).
	MinObservations = 3
)

// ReturnOptions configures return-series derivation.
type ReturnOptions struct {
	MinObservations int
}

func (o ReturnOptions) minObservations() int {
	if o.MinObservations < MinObservations {
		return MinObservations
	}
	return o.MinObservations
}

// BuildReturnSeries validates and aligns the price series, then converts the
// aligned prices into simple periodic returns r_t = (p_t - p_{t-1}) / p_{t-1}.
//
// Alignment always intersects timestamps across tickers; the resulting grid
// follows the first ticker's timeline.
func BuildReturnSeries(prices PriceSeries, opts ReturnOptions) (*ReturnSeries, error) {
	minObs := opts.minObservations()
	tickers := prices.Tickers

	if len(tickers) < MinTickers {
		return nil, &InsufficientDataError{Tickers: len(tickers), Required: MinTickers}
	}

	seen := make(map[Ticker]bool, len(tickers))
	rawCounts := make(map[Ticker]int, len(tickers))
	for _, ticker := range tickers {
		if seen[ticker] {
			return nil, &InvalidInputError{Field: "tickers", Reason: "duplicate ticker " + string(ticker)}
		}
		seen[ticker] = true

		series := prices.Prices[ticker]
		if err := validateSeries(ticker, series); err != nil {
			return nil, err
		}
		if len(series) < minObs {
			return nil, &InsufficientDataError{
				Tickers:      len(tickers),
				Ticker:       ticker,
				Observations: len(series),
				Required:     minObs,
			}
		}
		rawCounts[ticker] = len(series)
	}

	grid := commonTimestamps(prices)
	if len(grid) < minObs {
		return nil, &MisalignedDataError{
			Tickers:   append([]Ticker(nil), tickers...),
			Common:    len(grid),
			Required:  minObs,
			RawCounts: rawCounts,
		}
	}

	aligned := alignToGrid(prices, grid)

	rs := &ReturnSeries{
		Tickers: append([]Ticker(nil), tickers...),
		Times:   make([]time.Time, len(grid)-1),
		Returns: make([][]float64, len(tickers)),
	}
	for k := 1; k < len(grid); k++ {
		rs.Times[k-1] = grid[k]
	}
	for i, ticker := range tickers {
		rs.Returns[i] = simpleReturns(aligned[ticker])
	}

	return rs, nil
}

// validateSeries checks the well-formedness the price provider is expected to
// guarantee: positive finite prices and strictly ascending timestamps.
func validateSeries(ticker Ticker, series []PriceObservation) error {
	for i, obs := range series {
		if math.IsNaN(obs.Price) || math.IsInf(obs.Price, 0) || obs.Price <= 0 {
			return &InvalidPriceError{Ticker: ticker, Index: i, Reason: "price must be positive and finite"}
		}
		if i == 0 {
			continue
		}
		prev := series[i-1].Time
		if obs.Time.Equal(prev) {
			return &InvalidPriceError{Ticker: ticker, Index: i, Reason: "duplicate timestamp " + obs.Time.Format(time.RFC3339)}
		}
		if obs.Time.Before(prev) {
			return &InvalidPriceError{Ticker: ticker, Index: i, Reason: "timestamps not ascending"}
		}
	}
	return nil
}

// commonTimestamps returns the timestamps present in every series, in the
// order of the first ticker's series.
func commonTimestamps(prices PriceSeries) []time.Time {
	counts := make(map[int64]int)
	for _, ticker := range prices.Tickers {
		for _, obs := range prices.Prices[ticker] {
			counts[obs.Time.UnixNano()]++
		}
	}

	want := len(prices.Tickers)
	first := prices.Prices[prices.Tickers[0]]
	grid := make([]time.Time, 0, len(first))
	for _, obs := range first {
		if counts[obs.Time.UnixNano()] == want {
			grid = append(grid, obs.Time)
		}
	}
	return grid
}

func alignToGrid(prices PriceSeries, grid []time.Time) map[Ticker][]float64 {
	aligned := make(map[Ticker][]float64, len(prices.Tickers))
	for _, ticker := range prices.Tickers {
		byTime := make(map[int64]float64, len(prices.Prices[ticker]))
		for _, obs := range prices.Prices[ticker] {
			byTime[obs.Time.UnixNano()] = obs.Price
		}
		out := make([]float64, len(grid))
		for k, ts := range grid {
			out[k] = byTime[ts.UnixNano()]
		}
		aligned[ticker] = out
	}
	return aligned
}

func simpleReturns(prices []float64) []float64 {
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}
	return returns
}
