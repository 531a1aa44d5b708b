package di

import (
	"github.com/aristath/mpt/internal/database"
	"github.com/aristath/mpt/internal/metrics"
	"github.com/aristath/mpt/internal/modules/history"
	"github.com/aristath/mpt/internal/modules/optimization"
)

// Container holds all application dependencies. It is the single source of
// truth for service instances and is passed to the server.
type Container struct {
	// Databases
	HistoryDB *database.DB

	// Repositories
	HistoryRepo     *history.HistoryDB
	PriceRepository optimization.PriceRepository

	// Services
	Metrics          *metrics.Recorder
	OptimizerService *optimization.OptimizerService
}

// Close releases the container's databases.
func (c *Container) Close() error {
	if c.HistoryDB != nil {
		return c.HistoryDB.Close()
	}
	return nil
}
