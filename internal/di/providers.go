// Package di wires the consistency core together. Provider functions
// are grouped into wire sets; Container performs the same construction
// manually for callers that do not use generated injectors.
package di

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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

// Provider sets, grouped by concern.
var (
	ConfigSet = wire.NewSet(
		ProvideConfig,
		ProvideLogger,
	)

	ObservabilitySet = wire.NewSet(
		ProvideMetrics,
		ProvideTracer,
	)

	CoreSet = wire.NewSet(
		ProvideStore,
		ProvideTransactionManager,
		ProvideConflictEngine,
		ProvideHistory,
		ProvideNotifier,
	)

	ServiceSet = wire.NewSet(
		ProvideIntegrityMonitor,
		ProvideBackupManager,
		ProvideConsistencyManager,
	)
)

// ProvideConfig loads configuration from the given path (empty means
// defaults plus environment).
func ProvideConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// ProvideLogger builds the zap logger from configuration: development
// encoding in development, JSON elsewhere.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var zapCfg zap.Config
	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", "notekeeper-core")), nil
}

// ProvideMetrics builds the metrics collector, or nil when metrics are
// disabled. Every component treats a nil collector as a no-op.
func ProvideMetrics(cfg *config.Config) *observability.Collector {
	if !cfg.EnableMetrics {
		return nil
	}
	return observability.NewCollector("notekeeper")
}

// ProvideTracer initializes OTLP tracing when enabled, otherwise a
// no-op tracer. The returned provider is nil when tracing is disabled.
func ProvideTracer(cfg *config.Config) (trace.Tracer, *observability.TracerProvider, error) {
	if !cfg.EnableTracing || cfg.TracingEndpoint == "" {
		return observability.NopTracer(), nil, nil
	}
	tp, err := observability.InitTracing("notekeeper-core", cfg.Environment, cfg.TracingEndpoint)
	if err != nil {
		return nil, nil, err
	}
	return tp.Tracer(), tp, nil
}

// ProvideStore builds the default in-memory store.
func ProvideStore() store.Store {
	return store.NewMemoryStore()
}

// ProvideTransactionManager builds the transaction manager.
func ProvideTransactionManager(s store.Store, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *transaction.Manager {
	return transaction.NewManager(s, cfg.Transactions.MaxActive, logger, metrics)
}

// ProvideConflictEngine builds the conflict engine.
func ProvideConflictEngine(s store.Store, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *conflict.Engine {
	return conflict.NewEngine(s, cfg.Conflicts.Window, cfg.Conflicts.MaxResolutions, logger, metrics)
}

// ProvideHistory builds the version history over the store's current
// contents.
func ProvideHistory(ctx context.Context, s store.Store, txm *transaction.Manager, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) (*version.History, error) {
	return version.NewHistory(ctx, s, txm, cfg.History.MaxCount, cfg.History.MaxBytes, cfg.History.LogPath, logger, metrics)
}

// ProvideNotifier builds the collaborator notifier.
func ProvideNotifier(cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *consistency.Notifier {
	return consistency.NewNotifier(cfg.Notifier.BufferSize, logger, metrics)
}

// ProvideIntegrityMonitor builds the integrity monitor. The repairer is
// attached afterwards to keep construction acyclic.
func ProvideIntegrityMonitor(s store.Store, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *integrity.Monitor {
	return integrity.NewMonitor(s, cfg.Integrity.QuickInterval, cfg.Integrity.FullInterval, logger, metrics)
}

// ProvideBackupManager builds the backup manager.
func ProvideBackupManager(s store.Store, cfg *config.Config, logger *zap.Logger, metrics *observability.Collector) *backup.Manager {
	return backup.NewManager(s, cfg.Backups.Dir, cfg.Backups.RetentionAge, cfg.Backups.MaxCount, logger, metrics)
}

// ProvideConsistencyManager builds the consistency manager and starts
// its owner goroutine.
func ProvideConsistencyManager(
	cfg *config.Config,
	s store.Store,
	txm *transaction.Manager,
	engine *conflict.Engine,
	history *version.History,
	notifier *consistency.Notifier,
	logger *zap.Logger,
	metrics *observability.Collector,
	tracer trace.Tracer,
) *consistency.Manager {
	return consistency.NewManager(cfg, s, txm, engine, history, notifier, logger, metrics, tracer)
}
