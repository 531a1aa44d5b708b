package testing

import (
	"context"
	"sync"

	"github.com/aristath/mpt/internal/modules/optimization"
)

// MockPriceRepository is an in-memory optimization.PriceRepository.
type MockPriceRepository struct {
	mu     sync.RWMutex
	series optimization.PriceSeries
	err    error
	calls  []optimization.DateRange
}

// NewMockPriceRepository creates a mock serving the given series.
func NewMockPriceRepository(series optimization.PriceSeries) *MockPriceRepository {
	return &MockPriceRepository{series: series}
}

// SetError sets the error to return
func (m *MockPriceRepository) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the date ranges requested so far.
func (m *MockPriceRepository) Calls() []optimization.DateRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]optimization.DateRange(nil), m.calls...)
}

// LoadPriceSeries returns the requested tickers' observations within rng.
func (m *MockPriceRepository) LoadPriceSeries(_ context.Context, tickers []optimization.Ticker, rng optimization.DateRange) (optimization.PriceSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rng)
	if m.err != nil {
		return optimization.PriceSeries{}, m.err
	}

	out := optimization.NewPriceSeries(tickers...)
	for _, t := range tickers {
		for _, obs := range m.series.Prices[t] {
			if obs.Time.Before(rng.Start) || obs.Time.After(rng.End) {
				continue
			}
			out.Prices[t] = append(out.Prices[t], obs)
		}
	}
	return out, nil
}
