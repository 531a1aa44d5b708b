package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/mpt/internal/modules/optimization"
)

// ParseWideCSV reads a price table with a date column followed by one column
// per ticker:
//
//	date,AAPL,MSFT
//	2024-01-02,185.64,370.87
//
// Blank cells are treated as missing observations. Rows must be in
// ascending date order.
func ParseWideCSV(r io.Reader) (optimization.PriceSeries, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return optimization.PriceSeries{}, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) < 2 || !strings.EqualFold(strings.TrimSpace(header[0]), "date") {
		return optimization.PriceSeries{}, fmt.Errorf("CSV header must start with a date column followed by tickers")
	}

	tickers := make([]optimization.Ticker, len(header)-1)
	for i, h := range header[1:] {
		tickers[i] = optimization.NormalizeTicker(h)
	}
	tickers, err = optimization.NormalizeTickers(tickers)
	if err != nil {
		return optimization.PriceSeries{}, err
	}
	series := optimization.NewPriceSeries(tickers...)

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return optimization.PriceSeries{}, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		date, err := time.Parse(DateLayout, strings.TrimSpace(record[0]))
		if err != nil {
			return optimization.PriceSeries{}, fmt.Errorf("line %d: failed to parse date %q: %w", line, record[0], err)
		}

		for i, cell := range record[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			price, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return optimization.PriceSeries{}, fmt.Errorf("line %d: bad price %q for %s: %w", line, cell, tickers[i], err)
			}
			series.Prices[tickers[i]] = append(series.Prices[tickers[i]], optimization.PriceObservation{Time: date, Price: price})
		}
	}

	return series, nil
}

// SeriesRepository serves an in-memory price table, typically one read with
// ParseWideCSV, through the optimization.PriceRepository interface.
type SeriesRepository struct {
	series optimization.PriceSeries
}

// NewSeriesRepository creates a repository over series.
func NewSeriesRepository(series optimization.PriceSeries) *SeriesRepository {
	return &SeriesRepository{series: series}
}

// Tickers returns the tickers present in the table, in column order.
func (r *SeriesRepository) Tickers() []optimization.Ticker {
	return append([]optimization.Ticker(nil), r.series.Tickers...)
}

// Span returns the first and last observation dates across all tickers.
func (r *SeriesRepository) Span() optimization.DateRange {
	var span optimization.DateRange
	for _, obs := range r.series.Prices {
		for _, o := range obs {
			if span.Start.IsZero() || o.Time.Before(span.Start) {
				span.Start = o.Time
			}
			if o.Time.After(span.End) {
				span.End = o.Time
			}
		}
	}
	return span
}

// LoadPriceSeries returns the observations of tickers within rng. Unknown
// tickers get an empty series, matching HistoryDB.
func (r *SeriesRepository) LoadPriceSeries(ctx context.Context, tickers []optimization.Ticker, rng optimization.DateRange) (optimization.PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return optimization.PriceSeries{}, err
	}

	out := optimization.NewPriceSeries(tickers...)
	for _, ticker := range tickers {
		var obs []optimization.PriceObservation
		for _, o := range r.series.Prices[ticker] {
			if o.Time.Before(rng.Start) || o.Time.After(rng.End) {
				continue
			}
			obs = append(obs, o)
		}
		out.Prices[ticker] = obs
	}
	return out, nil
}
