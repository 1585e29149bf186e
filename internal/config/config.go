// Package config loads the daemon configuration from file, environment
// and defaults, in that order of increasing precedence for environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/flowmill-org/flowmill/internal/models"
)

// Store backend names accepted by Config.StoreBackend.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the resolved daemon configuration.
type Config struct {
	// DataDir holds the file and sqlite store data.
	DataDir string `mapstructure:"dataDir"`
	// StoreBackend selects the persistence backend: memory, file or
	// sqlite.
	StoreBackend string `mapstructure:"storeBackend"`

	// Logging.
	LogFormat string `mapstructure:"logFormat"`
	Debug     bool   `mapstructure:"debug"`
	Quiet     bool   `mapstructure:"quiet"`

	// Engine tuning. Zero values fall back to the engine defaults.
	TickIntervalMillis     int `mapstructure:"tickIntervalMillis"`
	SnapshotIntervalMillis int `mapstructure:"snapshotIntervalMillis"`
	CancelWatchdogSeconds  int `mapstructure:"cancelWatchdogSeconds"`

	// MetricsAddr exposes the Prometheus endpoint when non-empty.
	MetricsAddr string `mapstructure:"metricsAddr"`
}

// SQLitePath is the database location under the data directory.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "flowmill.db")
}

// FileStoreDir is the json-record location under the data directory.
func (c *Config) FileStoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// Loader reads and merges configuration from its sources. The mutex
// guards viper's package-level state.
type Loader struct {
	lock       sync.Mutex
	configFile string
}

// LoaderOption is a functional option for a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) {
		l.configFile = configFile
	}
}

// Load builds a validated Config.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := &Loader{}
	for _, opt := range opts {
		opt(loader)
	}
	cfg, err := loader.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	v := viper.New()
	v.SetEnvPrefix("flowmill")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("dataDir", filepath.Join(xdg.DataHome, "flowmill"))
	v.SetDefault("storeBackend", StoreMemory)
	v.SetDefault("logFormat", "text")
	v.SetDefault("debug", false)
	v.SetDefault("quiet", false)
	v.SetDefault("tickIntervalMillis", 0)
	v.SetDefault("snapshotIntervalMillis", 0)
	v.SetDefault("cancelWatchdogSeconds", 0)
	v.SetDefault("metricsAddr", "")

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "flowmill"))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreFile, StoreSQLite:
	default:
		return &models.ValidationError{
			Field:  "storeBackend",
			Reason: fmt.Sprintf("unknown backend %q", c.StoreBackend),
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return &models.ValidationError{
			Field:  "logFormat",
			Reason: fmt.Sprintf("unknown format %q", c.LogFormat),
		}
	}
	if c.TickIntervalMillis < 0 || c.SnapshotIntervalMillis < 0 || c.CancelWatchdogSeconds < 0 {
		return &models.ValidationError{
			Field:  "intervals",
			Reason: "must not be negative",
		}
	}
	return nil
}
