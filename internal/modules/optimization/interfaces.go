package optimization

import (
	"context"
	"time"
)

// PriceRepository provides read-only access to stored price history.
// Used to avoid a dependency from the optimizer on the history module.
type PriceRepository interface {
	LoadPriceSeries(ctx context.Context, tickers []Ticker, rng DateRange) (PriceSeries, error)
}

// Observer receives operation outcomes for instrumentation.
type Observer interface {
	ObserveOperation(operation, outcome string, duration time.Duration)
	ObserveFrontierGaps(count int)
	ObserveRegularization()
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) ObserveFrontierGaps(int)                        {}
func (nopObserver) ObserveRegularization()                         {}
