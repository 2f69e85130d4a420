package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/viewer"
)

const (
	envPrefix = "IMAGEVIEWER"
	appDir    = "image-viewer"
)

// Config holds the runtime settings of the viewer daemon. Every field can be
// set through an IMAGEVIEWER_* environment variable; main applies flags on top.
type Config struct {
	DataDir    string `envconfig:"DATA_DIR"`
	DBPath     string `envconfig:"DB_PATH"`
	SocketPath string `envconfig:"SOCKET_PATH"`
	ListenAddr string `envconfig:"LISTEN"`

	MemoryBudgetMB    int64   `envconfig:"MEMORY_BUDGET_MB" default:"512"`
	PressureThreshold float64 `envconfig:"PRESSURE_THRESHOLD" default:"0.8"`
	PrefetchRadius    int     `envconfig:"PREFETCH_RADIUS" default:"2"`
	ToleranceRadius   int     `envconfig:"TOLERANCE_RADIUS" default:"4"`
	LoadWorkers       int     `envconfig:"LOAD_WORKERS" default:"4"`

	MetadataMaxEntries  int           `envconfig:"METADATA_MAX_ENTRIES" default:"10000"`
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1h"`

	Verbose bool `envconfig:"VERBOSE" default:"false"`
}

// Load reads the environment and fills derived paths.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.FillPaths()
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	cfg := &Config{
		MemoryBudgetMB:      512,
		PressureThreshold:   0.8,
		PrefetchRadius:      2,
		ToleranceRadius:     4,
		LoadWorkers:         4,
		MetadataMaxEntries:  10000,
		MaintenanceInterval: time.Hour,
	}
	cfg.FillPaths()
	return cfg
}

// FillPaths derives the empty path settings from DataDir.
func (c *Config) FillPaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "metadata_cache.db")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "imageviewer.sock")
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), appDir)
}

// SessionsDir is where session documents are kept.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// MemoryBudget returns the budget in bytes.
func (c *Config) MemoryBudget() int64 {
	return c.MemoryBudgetMB * 1024 * 1024
}

// Validate checks ranges. A budget that cannot hold one entry is a capacity
// error; everything else is a plain configuration error.
func (c *Config) Validate() error {
	if c.MemoryBudgetMB <= 0 || c.MemoryBudget() < viewer.BaseEntryCost {
		return errs.Capacity("validate config", fmt.Errorf("memory budget %d MB cannot hold one entry", c.MemoryBudgetMB))
	}
	if c.PressureThreshold <= 0 || c.PressureThreshold > 1 {
		return fmt.Errorf("pressure threshold must be in (0, 1], got %v", c.PressureThreshold)
	}
	if c.PrefetchRadius < 0 {
		return fmt.Errorf("prefetch radius must be >= 0, got %d", c.PrefetchRadius)
	}
	if c.ToleranceRadius < c.PrefetchRadius {
		return fmt.Errorf("tolerance radius %d must be >= prefetch radius %d", c.ToleranceRadius, c.PrefetchRadius)
	}
	if c.LoadWorkers < 1 {
		return fmt.Errorf("load workers must be >= 1, got %d", c.LoadWorkers)
	}
	if c.MetadataMaxEntries < 1 {
		return fmt.Errorf("metadata max entries must be >= 1, got %d", c.MetadataMaxEntries)
	}
	if c.MaintenanceInterval < 0 {
		return fmt.Errorf("maintenance interval must be >= 0, got %v", c.MaintenanceInterval)
	}
	return nil
}
