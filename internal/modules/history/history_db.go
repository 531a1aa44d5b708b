// Package history stores daily closing prices and serves them to the optimizer.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/mpt/internal/database"
	"github.com/aristath/mpt/internal/modules/optimization"
	"github.com/rs/zerolog"
)

// DateLayout is the storage format of daily_prices.date.
const DateLayout = "2006-01-02"

// DailyPrice is one stored close.
type DailyPrice struct {
	Date          string   `json:"date"` // YYYY-MM-DD
	Close         float64  `json:"close"`
	AdjustedClose *float64 `json:"adjusted_close,omitempty"`
}

// HistoryDB provides access to historical price data
type HistoryDB struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryDB creates a new history database accessor
func NewHistoryDB(db *sql.DB, log zerolog.Logger) *HistoryDB {
	return &HistoryDB{
		db:  db,
		log: log.With().Str("component", "history_db").Logger(),
	}
}

// UpsertDailyPrices inserts or replaces the given closes for ticker in a
// single transaction.
func (h *HistoryDB) UpsertDailyPrices(ticker string, prices []DailyPrice) error {
	ticker = string(optimization.NormalizeTicker(ticker))
	if ticker == "" {
		return fmt.Errorf("ticker is required")
	}

	err := database.WithTransaction(h.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO daily_prices (ticker, date, close, adjusted_close)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, price := range prices {
			if _, err := time.Parse(DateLayout, price.Date); err != nil {
				return fmt.Errorf("failed to parse date %s: %w", price.Date, err)
			}

			adjusted := sql.NullFloat64{}
			if price.AdjustedClose != nil {
				adjusted = sql.NullFloat64{Float64: *price.AdjustedClose, Valid: true}
			}

			if _, err := stmt.Exec(ticker, price.Date, price.Close, adjusted); err != nil {
				return fmt.Errorf("failed to insert daily price for %s: %w", price.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.log.Info().
		Str("ticker", ticker).
		Int("count", len(prices)).
		Msg("Stored daily prices")

	return nil
}

// GetDailyPrices fetches the closes for ticker between start and end
// (inclusive, YYYY-MM-DD), oldest first. Empty bounds are open.
func (h *HistoryDB) GetDailyPrices(ticker, start, end string) ([]DailyPrice, error) {
	if start == "" {
		start = "0000-01-01"
	}
	if end == "" {
		end = "9999-12-31"
	}

	rows, err := h.db.Query(`
		SELECT date, close, adjusted_close
		FROM daily_prices
		WHERE ticker = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, string(optimization.NormalizeTicker(ticker)), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	var prices []DailyPrice
	for rows.Next() {
		var p DailyPrice
		var adjusted sql.NullFloat64
		if err := rows.Scan(&p.Date, &p.Close, &adjusted); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		if adjusted.Valid {
			p.AdjustedClose = &adjusted.Float64
		}
		prices = append(prices, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily prices: %w", err)
	}

	return prices, nil
}

// ListTickers returns every ticker with stored prices, alphabetically.
func (h *HistoryDB) ListTickers() ([]string, error) {
	rows, err := h.db.Query("SELECT DISTINCT ticker FROM daily_prices ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// LoadPriceSeries reads the price series of every ticker within rng,
// preferring the adjusted close where one was stored. A ticker without rows
// gets an empty series; the optimizer reports it as insufficient data.
func (h *HistoryDB) LoadPriceSeries(ctx context.Context, tickers []optimization.Ticker, rng optimization.DateRange) (optimization.PriceSeries, error) {
	series := optimization.NewPriceSeries(tickers...)
	start, end := rng.Start.Format(DateLayout), rng.End.Format(DateLayout)

	for _, ticker := range tickers {
		rows, err := h.db.QueryContext(ctx, `
			SELECT date, COALESCE(adjusted_close, close)
			FROM daily_prices
			WHERE ticker = ? AND date >= ? AND date <= ?
			ORDER BY date ASC
		`, string(ticker), start, end)
		if err != nil {
			return optimization.PriceSeries{}, fmt.Errorf("failed to query prices for %s: %w", ticker, err)
		}

		obs, err := scanObservations(rows)
		if err != nil {
			return optimization.PriceSeries{}, fmt.Errorf("failed to read prices for %s: %w", ticker, err)
		}
		series.Prices[ticker] = obs
	}

	h.log.Debug().
		Int("tickers", len(tickers)).
		Str("start", start).
		Str("end", end).
		Msg("Loaded price series")

	return series, nil
}

func scanObservations(rows *sql.Rows) ([]optimization.PriceObservation, error) {
	defer rows.Close()

	var obs []optimization.PriceObservation
	for rows.Next() {
		var date string
		var price float64
		if err := rows.Scan(&date, &price); err != nil {
			return nil, err
		}
		t, err := time.Parse(DateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q: %w", date, err)
		}
		obs = append(obs, optimization.PriceObservation{Time: t, Price: price})
	}
	return obs, rows.Err()
}

// ImportSeries stores every ticker of series, using the prices as closes.
func (h *HistoryDB) ImportSeries(series optimization.PriceSeries) error {
	for _, ticker := range series.Tickers {
		obs := series.Prices[ticker]
		prices := make([]DailyPrice, len(obs))
		for i, o := range obs {
			prices[i] = DailyPrice{Date: o.Time.UTC().Format(DateLayout), Close: o.Price}
		}
		if err := h.UpsertDailyPrices(string(ticker), prices); err != nil {
			return fmt.Errorf("failed to import %s: %w", ticker, err)
		}
	}
	return nil
}
