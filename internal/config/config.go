package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds stratad runtime configuration.
type Config struct {
	// DataDir is the base directory for strata runtime data.
	DataDir string

	// LayersDir is the directory for immutable layer files.
	LayersDir string

	// WritablesDir is the directory for per-container writable layers.
	WritablesDir string

	// DBPath is the path to the SQLite database.
	DBPath string

	// PIDPath is the path to the daemon PID file.
	PIDPath string

	// MaxChainDepth bounds layer chain resolution.
	MaxChainDepth int

	// SweepInterval is how often the GC sweep runs.
	SweepInterval time.Duration

	// GCGracePeriod is how long a deletion candidate must stay
	// unreferenced before the sweep removes it.
	GCGracePeriod time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	strataDir := filepath.Join(homeDir, ".strata")

	return &Config{
		DataDir:       filepath.Join(strataDir, "data"),
		LayersDir:     filepath.Join(strataDir, "data", "layers"),
		WritablesDir:  filepath.Join(strataDir, "data", "writables"),
		DBPath:        filepath.Join(strataDir, "data", "strata.db"),
		PIDPath:       filepath.Join(strataDir, "stratad.pid"),
		MaxChainDepth: 127,
		SweepInterval: 30 * time.Second,
		GCGracePeriod: 10 * time.Second,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.LayersDir,
		c.WritablesDir,
		filepath.Dir(c.DBPath),
		filepath.Dir(c.PIDPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
