package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backend selectors.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// minSaveInterval guards against pathological snapshot cadences; a
// misconfigured sub-second interval would spend the whole tick budget
// on disk writes.
const minSaveInterval = 30 * time.Second

// Config carries every tunable of the title server, populated from the
// environment.
type Config struct {
	Addr        string `env:"CRESTFALL_ADDR" envDefault:":8080"`
	CatalogPath string `env:"CRESTFALL_CATALOG" envDefault:"config/titles.yml"`
	// WatchCatalog enables hot reload of the catalog file.
	WatchCatalog bool `env:"CRESTFALL_WATCH_CATALOG" envDefault:"true"`

	StorageBackend string `env:"CRESTFALL_STORAGE" envDefault:"sqlite"`
	DataPath       string `env:"CRESTFALL_DATA_PATH" envDefault:"data/titles.db"`

	TickRate int `env:"CRESTFALL_TICK_RATE" envDefault:"10"`
	// ConnectSettle delays activation after connect so the host has
	// finished materialising the player before buffs land.
	ConnectSettle time.Duration `env:"CRESTFALL_CONNECT_SETTLE" envDefault:"1s"`
	// StatDebounce coalesces bursts of statistic changes into one
	// unlock sweep per player.
	StatDebounce time.Duration `env:"CRESTFALL_STAT_DEBOUNCE" envDefault:"2s"`
	// SweepInterval is the catch-up sweep over every active player.
	SweepInterval time.Duration `env:"CRESTFALL_SWEEP_INTERVAL" envDefault:"60s"`
	SaveInterval  time.Duration `env:"CRESTFALL_SAVE_INTERVAL" envDefault:"5m"`

	CommandBufferSize int `env:"CRESTFALL_COMMAND_BUFFER" envDefault:"1024"`

	LogSinks      []string `env:"CRESTFALL_LOG_SINKS" envSeparator:"," envDefault:"console"`
	LogSeverity   string   `env:"CRESTFALL_LOG_SEVERITY" envDefault:"info"`
	LogJSONPath   string   `env:"CRESTFALL_LOG_JSON_PATH" envDefault:"logs/events.ndjson"`
	LogBufferSize int      `env:"CRESTFALL_LOG_BUFFER" envDefault:"512"`
}

// LoadConfig reads the environment and normalises the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration the server runs with when
// the environment sets nothing. Used by tests.
func DefaultConfig() Config {
	cfg := Config{
		Addr:              ":8080",
		CatalogPath:       "config/titles.yml",
		WatchCatalog:      true,
		StorageBackend:    StorageSQLite,
		DataPath:          "data/titles.db",
		TickRate:          10,
		ConnectSettle:     time.Second,
		StatDebounce:      2 * time.Second,
		SweepInterval:     time.Minute,
		SaveInterval:      5 * time.Minute,
		CommandBufferSize: 1024,
		LogSinks:          []string{"console"},
		LogSeverity:       "info",
		LogJSONPath:       "logs/events.ndjson",
		LogBufferSize:     512,
	}
	cfg.normalise()
	return cfg
}

func (c *Config) normalise() error {
	switch c.StorageBackend {
	case StorageSQLite, StorageFile, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.TickRate < 1 {
		c.TickRate = 1
	}
	if c.TickRate > 60 {
		c.TickRate = 60
	}
	if c.SaveInterval < minSaveInterval {
		c.SaveInterval = minSaveInterval
	}
	if c.SweepInterval < time.Second {
		c.SweepInterval = time.Second
	}
	if c.StatDebounce < 0 {
		c.StatDebounce = 0
	}
	if c.ConnectSettle < 0 {
		c.ConnectSettle = 0
	}
	if c.CommandBufferSize < 1 {
		c.CommandBufferSize = 1
	}
	if c.LogBufferSize < 1 {
		c.LogBufferSize = 1
	}
	return nil
}

// TickDuration returns the wall-clock length of one simulation tick.
func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
