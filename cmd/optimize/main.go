// Command optimize runs the allocation pipeline from the terminal, either
// against a wide price CSV or against the history database.
//
//	optimize -csv prices.csv -tickers AAPL,MSFT,TLT -frontier
//	optimize -import prices.csv
//	optimize -tickers AAPL,MSFT -target 0.12 -long-only=false
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/aristath/mpt/internal/config"
	"github.com/aristath/mpt/internal/di"
	"github.com/aristath/mpt/internal/modules/history"
	"github.com/aristath/mpt/internal/modules/optimization"
	"github.com/aristath/mpt/pkg/logger"
)

const dateLayout = "2006-01-02"

type options struct {
	tickers   string
	start     string
	end       string
	target    float64
	hasTarget bool
	longOnly  bool
	frontier  bool
	points    int
	csvPath   string
	importTo  string
	jsonOut   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.tickers, "tickers", "", "comma-separated tickers (default: every CSV column)")
	flag.StringVar(&opts.start, "start", "", "first price date, YYYY-MM-DD")
	flag.StringVar(&opts.end, "end", "", "last price date, YYYY-MM-DD")
	flag.Float64Var(&opts.target, "target", 0, "annualized target return, e.g. 0.12 (default: minimum variance)")
	flag.BoolVar(&opts.longOnly, "long-only", true, "forbid negative weights")
	flag.BoolVar(&opts.frontier, "frontier", false, "print the efficient frontier")
	flag.IntVar(&opts.points, "points", 0, "frontier points (default from config)")
	flag.StringVar(&opts.csvPath, "csv", "", "read prices from a wide CSV instead of the history database")
	flag.StringVar(&opts.importTo, "import", "", "import a wide CSV into the history database and exit")
	flag.BoolVar(&opts.jsonOut, "json", false, "print the result as JSON")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "target" {
			opts.hasTarget = true
		}
	})

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log, os.Stdout); err != nil {
		log.Error().Err(err).Str("code", optimization.ErrorCode(err)).Msg("Optimization failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger, out io.Writer) error {
	if opts.importTo != "" {
		return importCSV(cfg, opts.importTo, log)
	}

	service := optimization.NewOptimizerService(di.ServiceOptions(cfg.Optimizer), nil, log)

	query, err := buildQuery(opts)
	if err != nil {
		return err
	}

	var repo optimization.PriceRepository
	if opts.csvPath != "" {
		series, err := readCSV(opts.csvPath)
		if err != nil {
			return err
		}
		csvRepo := history.NewSeriesRepository(series)
		if len(query.Tickers) == 0 {
			query.Tickers = csvRepo.Tickers()
		}
		// A CSV is usually a closed historical window, not a trailing one
		span := csvRepo.Span()
		if query.Range.Start.IsZero() {
			query.Range.Start = span.Start
		}
		if query.Range.End.IsZero() {
			query.Range.End = span.End
		}
		repo = csvRepo
	} else {
		container, err := di.Wire(cfg, log)
		if err != nil {
			return err
		}
		defer container.Close()
		repo = container.PriceRepository
	}

	if len(query.Tickers) == 0 {
		return &optimization.InvalidInputError{Field: "tickers", Reason: "no tickers given"}
	}

	prices, err := service.LoadPrices(ctx, repo, query)
	if err != nil {
		return err
	}

	var constraint optimization.ReturnConstraint = optimization.Unconstrained{}
	if opts.hasTarget {
		constraint = optimization.TargetReturn{Value: opts.target}
	}

	result, err := service.Optimize(ctx, prices, optimization.OptimizeRequest{
		Return:   constraint,
		LongOnly: opts.longOnly,
	})
	if err != nil {
		return err
	}

	var frontier *optimization.FrontierResult
	if opts.frontier {
		frontier, err = service.ComputeFrontier(ctx, prices, optimization.FrontierRequest{
			PointCount: opts.points,
			LongOnly:   opts.longOnly,
			Progress:   progressHook(),
		})
		if err != nil {
			return err
		}
	}

	if opts.jsonOut {
		return writeJSON(out, result, frontier)
	}
	return writeTable(out, result, frontier)
}

func buildQuery(opts options) (optimization.PriceQuery, error) {
	var query optimization.PriceQuery
	for _, t := range strings.Split(opts.tickers, ",") {
		if t = strings.TrimSpace(t); t != "" {
			query.Tickers = append(query.Tickers, optimization.Ticker(t))
		}
	}

	var err error
	if opts.start != "" {
		if query.Range.Start, err = time.Parse(dateLayout, opts.start); err != nil {
			return query, &optimization.InvalidInputError{Field: "start", Reason: err.Error()}
		}
	}
	if opts.end != "" {
		if query.Range.End, err = time.Parse(dateLayout, opts.end); err != nil {
			return query, &optimization.InvalidInputError{Field: "end", Reason: err.Error()}
		}
	}
	return query, nil
}

func readCSV(path string) (optimization.PriceSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return optimization.PriceSeries{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return history.ParseWideCSV(f)
}

func importCSV(cfg *config.Config, path string, log zerolog.Logger) error {
	series, err := readCSV(path)
	if err != nil {
		return err
	}

	container, err := di.Wire(cfg, log)
	if err != nil {
		return err
	}
	defer container.Close()

	if err := container.HistoryRepo.ImportSeries(series); err != nil {
		return err
	}

	log.Info().
		Int("tickers", len(series.Tickers)).
		Str("path", path).
		Str("database", container.HistoryDB.Path()).
		Msg("Imported price history")
	return nil
}

// progressHook draws a progress bar on stderr once the sweep reports its size.
func progressHook() func(done, total int) {
	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)
	return func(done, total int) {
		once.Do(func() {
			bar = progressbar.NewOptions(
				total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("frontier"),
				progressbar.OptionSetPredictTime(false),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(20),
			)
		})
		_ = bar.Add(1)
	}
}

func writeJSON(out io.Writer, result *optimization.OptimizationResult, frontier *optimization.FrontierResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Allocation *optimization.OptimizationResult `json:"allocation"`
		Frontier   *optimization.FrontierResult     `json:"frontier,omitempty"`
	}{result, frontier})
}

func writeTable(out io.Writer, result *optimization.OptimizationResult, frontier *optimization.FrontierResult) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "TICKER\tWEIGHT\t")
	for _, h := range result.Holdings {
		fmt.Fprintf(tw, "%s\t%s\t\n", h.Ticker, h.Percent)
	}
	fmt.Fprintf(tw, "\t\t\nexpected return\t%s\t\nrisk\t%s\t\n",
		optimization.FormatPercent(result.ExpectedReturn),
		optimization.FormatPercent(result.Risk))

	if frontier != nil {
		fmt.Fprintln(tw, "\t\t\nRETURN\tRISK\t")
		for _, p := range frontier.Points {
			fmt.Fprintf(tw, "%s\t%s\t\n", optimization.FormatPercent(p.ExpectedReturn), optimization.FormatPercent(p.Risk))
		}
		for _, g := range frontier.Gaps {
			fmt.Fprintf(tw, "%s\tskipped: %s\t\n", optimization.FormatPercent(g.Target), g.Reason)
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return nil
}
