package di

import (
	"github.com/aristath/mpt/internal/config"
	"github.com/aristath/mpt/internal/metrics"
	"github.com/aristath/mpt/internal/modules/history"
	"github.com/aristath/mpt/internal/modules/optimization"
	"github.com/rs/zerolog"
)

// InitializeServices builds repositories and services on top of the databases
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) {
	if container.HistoryDB != nil {
		container.HistoryRepo = history.NewHistoryDB(container.HistoryDB.Conn(), log)
		container.PriceRepository = container.HistoryRepo
	}

	container.Metrics = metrics.New()
	container.OptimizerService = optimization.NewOptimizerService(
		ServiceOptions(cfg.Optimizer),
		container.Metrics,
		log,
	)
}

// ServiceOptions maps the optimizer configuration onto the pipeline options.
func ServiceOptions(o config.OptimizerConfig) optimization.ServiceOptions {
	return optimization.ServiceOptions{
		Returns: optimization.ReturnOptions{MinObservations: o.MinObservations},
		Moments: optimization.MomentOptions{
			PeriodsPerYear: o.PeriodsPerYear,
			Annualization:  optimization.Annualization(o.Annualization),
		},
		Solver: optimization.SolverOptions{
			MaxIterations:       o.MaxIterations,
			Tolerance:           o.Tolerance,
			ShortSpreadMultiple: o.ShortSpreadMultiple,
		},
		FrontierPoints:      o.FrontierPoints,
		Workers:             o.Workers,
		DefaultLookbackDays: o.DefaultLookbackDays,
	}
}
