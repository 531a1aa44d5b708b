// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir   string          `yaml:"data_dir"` // Directory of the history database (always absolute)
	LogLevel  string          `yaml:"log_level"`
	Port      int             `yaml:"port"`
	DevMode   bool            `yaml:"dev_mode"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
}

// OptimizerConfig holds the optimization pipeline defaults
type OptimizerConfig struct {
	PeriodsPerYear      float64 `yaml:"periods_per_year"`
	Annualization       string  `yaml:"annualization"` // arithmetic | geometric
	MinObservations     int     `yaml:"min_observations"`
	FrontierPoints      int     `yaml:"frontier_points"`
	MaxIterations       int     `yaml:"max_iterations"`
	Tolerance           float64 `yaml:"tolerance"`
	ShortSpreadMultiple float64 `yaml:"short_spread_multiple"`
	Workers             int     `yaml:"workers"` // 0 = GOMAXPROCS
	DefaultLookbackDays int     `yaml:"default_lookback_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Port:     8001,
		Optimizer: OptimizerConfig{
			PeriodsPerYear:      252,
			Annualization:       "arithmetic",
			MinObservations:     3,
			FrontierPoints:      25,
			MaxIterations:       500,
			Tolerance:           1e-9,
			ShortSpreadMultiple: 1.0,
			DefaultLookbackDays: 365,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// MPT_CONFIG_FILE, then environment variables (a .env file is loaded first if
// present). Later sources override earlier ones.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path := getEnv("MPT_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("MPT_DATA_DIR", c.DataDir)
	c.Port = getEnvAsInt("MPT_PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DevMode = getEnvAsBool("DEV_MODE", c.DevMode)

	o := &c.Optimizer
	o.PeriodsPerYear = getEnvAsFloat("MPT_PERIODS_PER_YEAR", o.PeriodsPerYear)
	o.Annualization = getEnv("MPT_ANNUALIZATION", o.Annualization)
	o.MinObservations = getEnvAsInt("MPT_MIN_OBSERVATIONS", o.MinObservations)
	o.FrontierPoints = getEnvAsInt("MPT_FRONTIER_POINTS", o.FrontierPoints)
	o.MaxIterations = getEnvAsInt("MPT_MAX_ITERATIONS", o.MaxIterations)
	o.Tolerance = getEnvAsFloat("MPT_TOLERANCE", o.Tolerance)
	o.ShortSpreadMultiple = getEnvAsFloat("MPT_SHORT_SPREAD_MULTIPLE", o.ShortSpreadMultiple)
	o.Workers = getEnvAsInt("MPT_WORKERS", o.Workers)
	o.DefaultLookbackDays = getEnvAsInt("MPT_LOOKBACK_DAYS", o.DefaultLookbackDays)
}

// HistoryDBPath returns the path of the price-history database.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// Validate checks the configuration for out-of-range values
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	o := c.Optimizer
	switch o.Annualization {
	case "arithmetic", "geometric":
	default:
		return fmt.Errorf("optimizer.annualization must be arithmetic or geometric, got %q", o.Annualization)
	}
	if o.PeriodsPerYear <= 0 {
		return fmt.Errorf("optimizer.periods_per_year must be positive")
	}
	if o.MinObservations < 3 {
		return fmt.Errorf("optimizer.min_observations must be at least 3")
	}
	if o.FrontierPoints <= 0 {
		return fmt.Errorf("optimizer.frontier_points must be positive")
	}
	if o.MaxIterations <= 0 {
		return fmt.Errorf("optimizer.max_iterations must be positive")
	}
	if o.Tolerance <= 0 {
		return fmt.Errorf("optimizer.tolerance must be positive")
	}
	if o.ShortSpreadMultiple < 0 {
		return fmt.Errorf("optimizer.short_spread_multiple must not be negative")
	}
	if o.Workers < 0 {
		return fmt.Errorf("optimizer.workers must not be negative")
	}
	if o.DefaultLookbackDays <= 0 {
		return fmt.Errorf("optimizer.default_lookback_days must be positive")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
