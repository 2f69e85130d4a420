package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mordilloSan/imageviewer/internal/errs"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IMAGEVIEWER_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryBudgetMB != 512 {
		t.Errorf("MemoryBudgetMB = %d, want 512", cfg.MemoryBudgetMB)
	}
	if cfg.PressureThreshold != 0.8 {
		t.Errorf("PressureThreshold = %v, want 0.8", cfg.PressureThreshold)
	}
	if cfg.PrefetchRadius != 2 || cfg.ToleranceRadius != 4 {
		t.Errorf("radii = %d/%d, want 2/4", cfg.PrefetchRadius, cfg.ToleranceRadius)
	}
	if cfg.MaintenanceInterval != time.Hour {
		t.Errorf("MaintenanceInterval = %v", cfg.MaintenanceInterval)
	}
	if cfg.DBPath != filepath.Join(dir, "metadata_cache.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SessionsDir() != filepath.Join(dir, "sessions") {
		t.Errorf("SessionsDir = %q", cfg.SessionsDir())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IMAGEVIEWER_DATA_DIR", t.TempDir())
	t.Setenv("IMAGEVIEWER_MEMORY_BUDGET_MB", "64")
	t.Setenv("IMAGEVIEWER_PREFETCH_RADIUS", "3")
	t.Setenv("IMAGEVIEWER_TOLERANCE_RADIUS", "6")
	t.Setenv("IMAGEVIEWER_MAINTENANCE_INTERVAL", "30m")
	t.Setenv("IMAGEVIEWER_DB_PATH", "/tmp/custom.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryBudget() != 64*1024*1024 {
		t.Errorf("MemoryBudget = %d", cfg.MemoryBudget())
	}
	if cfg.PrefetchRadius != 3 || cfg.ToleranceRadius != 6 {
		t.Errorf("radii = %d/%d", cfg.PrefetchRadius, cfg.ToleranceRadius)
	}
	if cfg.MaintenanceInterval != 30*time.Minute {
		t.Errorf("MaintenanceInterval = %v", cfg.MaintenanceInterval)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		capacity bool
	}{
		{"defaults", func(*Config) {}, false, false},
		{"zero budget", func(c *Config) { c.MemoryBudgetMB = 0 }, true, true},
		{"negative budget", func(c *Config) { c.MemoryBudgetMB = -4 }, true, true},
		{"one megabyte budget", func(c *Config) { c.MemoryBudgetMB = 1 }, false, false},
		{"threshold too high", func(c *Config) { c.PressureThreshold = 1.5 }, true, false},
		{"threshold zero", func(c *Config) { c.PressureThreshold = 0 }, true, false},
		{"tolerance below prefetch", func(c *Config) { c.ToleranceRadius = 1 }, true, false},
		{"no workers", func(c *Config) { c.LoadWorkers = 0 }, true, false},
		{"no metadata rows", func(c *Config) { c.MetadataMaxEntries = 0 }, true, false},
		{"prefetch zero", func(c *Config) { c.PrefetchRadius = 0 }, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.capacity && !errors.Is(err, errs.ErrCapacity) {
				t.Errorf("expected capacity error, got %v", err)
			}
		})
	}
}
