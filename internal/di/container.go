package di

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"notekeeper-core/internal/backup"
	"notekeeper-core/internal/config"
	"notekeeper-core/internal/conflict"
	"notekeeper-core/internal/consistency"
	"notekeeper-core/internal/integrity"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
	"notekeeper-core/internal/transaction"
	"notekeeper-core/internal/version"
)

// Container holds the fully wired consistency core. Construction is
// explicit and ordered; there are no singletons and nothing is global.
type Container struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *observability.Collector
	Tracer         trace.Tracer
	TracerProvider *observability.TracerProvider

	Store        store.Store
	Transactions *transaction.Manager
	Conflicts    *conflict.Engine
	History      *version.History
	Notifier     *consistency.Notifier
	Integrity    *integrity.Monitor
	Backups      *backup.Manager
	Consistency  *consistency.Manager

	watcher       *config.Watcher
	cancelMonitor context.CancelFunc
}

// Option overrides a default during container construction.
type Option func(*options)

type options struct {
	store  store.Store
	logger *zap.Logger
}

// WithStore substitutes the persistence layer.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger substitutes the logger, bypassing config-driven setup.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the whole core from the config file at path (empty uses
// defaults plus environment variables).
func New(ctx context.Context, configPath string, opts ...Option) (*Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := ProvideConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger, err = ProvideLogger(cfg)
		if err != nil {
			return nil, err
		}
	}

	metrics := ProvideMetrics(cfg)
	tracer, tracerProvider, err := ProvideTracer(cfg)
	if err != nil {
		return nil, err
	}

	s := o.store
	if s == nil {
		s = ProvideStore()
	}

	txm := ProvideTransactionManager(s, cfg, logger, metrics)
	engine := ProvideConflictEngine(s, cfg, logger, metrics)
	history, err := ProvideHistory(ctx, s, txm, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	notifier := ProvideNotifier(cfg, logger, metrics)
	monitor := ProvideIntegrityMonitor(s, cfg, logger, metrics)
	backups := ProvideBackupManager(s, cfg, logger, metrics)

	// The monitor finds corruption, the backup service fixes it, and a
	// restore is only trusted once the monitor clears it. Attached
	// post-construction so neither constructor depends on the other.
	monitor.SetRepairer(backups)
	backups.SetIntegrityChecker(monitor)

	manager := ProvideConsistencyManager(cfg, s, txm, engine, history, notifier, logger, metrics, tracer)

	c := &Container{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		TracerProvider: tracerProvider,
		Store:          s,
		Transactions:   txm,
		Conflicts:      engine,
		History:        history,
		Notifier:       notifier,
		Integrity:      monitor,
		Backups:        backups,
		Consistency:    manager,
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			c.watcher = watcher
		}
	}

	logger.Info("consistency core wired",
		zap.String("environment", cfg.Environment),
		zap.Bool("metrics", metrics != nil),
		zap.Bool("tracing", tracerProvider != nil),
	)
	return c, nil
}

// OnConfigReload registers a callback invoked whenever the watched
// config file reloads successfully. No-op without a config file.
func (c *Container) OnConfigReload(fn func(*config.Config)) {
	if c.watcher != nil {
		c.watcher.OnChange(fn)
	}
}

// StartMonitoring launches the background integrity loop. Stopped by
// Shutdown.
func (c *Container) StartMonitoring() {
	if c.cancelMonitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelMonitor = cancel
	go c.Integrity.Run(ctx)
}

// Shutdown stops background work and releases everything in reverse
// construction order.
func (c *Container) Shutdown(ctx context.Context) error {
	if err := c.Consistency.Close(); err != nil {
		return err
	}
	if c.cancelMonitor != nil {
		c.cancelMonitor()
		c.cancelMonitor = nil
	}
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.TracerProvider != nil {
		if err := c.TracerProvider.Shutdown(ctx); err != nil {
			c.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = c.Logger.Sync()
	return nil
}
