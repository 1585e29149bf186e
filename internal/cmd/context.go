package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowmill-org/flowmill/internal/config"
	"github.com/flowmill-org/flowmill/internal/engine"
	"github.com/flowmill-org/flowmill/internal/executor"
	"github.com/flowmill-org/flowmill/internal/executor/builtin"
	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/metrics"
	"github.com/flowmill-org/flowmill/internal/persistence"
	"github.com/flowmill-org/flowmill/internal/persistence/filestore"
	"github.com/flowmill-org/flowmill/internal/persistence/memstore"
	"github.com/flowmill-org/flowmill/internal/persistence/sqlitestore"
)

// Context bundles everything a command needs: the cobra context with the
// logger attached, the resolved config and the wired engine manager.
type Context struct {
	context.Context
	Command *cobra.Command
	Config  *config.Config
	Manager *engine.Manager
	Metrics *metrics.Metrics

	cleanups []func()
}

// NewContext resolves config and wires the collaborators for a command
// invocation.
func NewContext(cmd *cobra.Command) (*Context, error) {
	configFile, _ := cmd.Flags().GetString("config")
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		cfg.Quiet = true
	}

	var loggerOpts []logger.Option
	loggerOpts = append(loggerOpts, logger.WithFormat(cfg.LogFormat))
	if cfg.Debug {
		loggerOpts = append(loggerOpts, logger.WithDebug())
	}
	if cfg.Quiet {
		loggerOpts = append(loggerOpts, logger.WithQuiet())
	}
	lg := logger.NewLogger(loggerOpts...)
	ctx := logger.WithLogger(cmd.Context(), lg)

	c := &Context{Context: ctx, Command: cmd, Config: cfg}

	store, err := c.openStore()
	if err != nil {
		return nil, err
	}

	registry := executor.NewRegistry()
	builtin.RegisterAll(registry)

	reg := prometheus.NewRegistry()
	c.Metrics = metrics.New(reg)
	persistence.ConflictHook = c.Metrics.StoreConflict

	c.Manager = engine.New(engine.Config{
		Store:            store,
		Registry:         registry,
		Metrics:          c.Metrics,
		TickInterval:     time.Duration(cfg.TickIntervalMillis) * time.Millisecond,
		SnapshotInterval: time.Duration(cfg.SnapshotIntervalMillis) * time.Millisecond,
		CancelWatchdog:   time.Duration(cfg.CancelWatchdogSeconds) * time.Second,
	})

	if cfg.MetricsAddr != "" {
		c.serveMetrics(reg)
	}
	return c, nil
}

func (c *Context) openStore() (persistence.Store, error) {
	switch c.Config.StoreBackend {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreFile:
		if err := os.MkdirAll(c.Config.FileStoreDir(), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return filestore.New(c.Config.FileStoreDir())
	case config.StoreSQLite:
		if err := os.MkdirAll(c.Config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := sqlitestore.Open(c.Config.SQLitePath())
		if err != nil {
			return nil, err
		}
		c.cleanups = append(c.cleanups, func() { _ = store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Config.StoreBackend)
	}
}

func (c *Context) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.Config.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(c, "Metrics server stopped", "err", err)
		}
	}()
	c.cleanups = append(c.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

// Close releases the resources the context opened.
func (c *Context) Close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

// runFunc adapts a command handler to cobra, wiring context setup and
// teardown around it.
func runFunc(handler func(ctx *Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd)
		if err != nil {
			return err
		}
		defer ctx.Close()
		return handler(ctx, args)
	}
}
