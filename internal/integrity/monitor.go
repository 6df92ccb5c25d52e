package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
)

// Repairer fixes structural corruption. The backup subsystem provides
// the implementation; the monitor only needs this narrow surface.
type Repairer interface {
	RepairCorruption(ctx context.Context) (repaired int, err error)
}

// Monitor schedules integrity checks, derives overall health, and
// hands critical findings to the repairer behind a circuit breaker so
// a repeatedly failing repair path cannot be hammered in a loop.
type Monitor struct {
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Collector

	validators    []Validator
	quickInterval time.Duration
	fullInterval  time.Duration
	breaker       *gobreaker.CircuitBreaker

	mu         sync.RWMutex
	repairer   Repairer
	lastReport *Report
	health     Health
}

// NewMonitor creates an integrity monitor with the default validator
// set. The repairer is attached separately to keep construction
// acyclic with the backup subsystem.
func NewMonitor(s store.Store, quickInterval, fullInterval time.Duration, logger *zap.Logger, metrics *observability.Collector) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quickInterval <= 0 {
		quickInterval = time.Minute
	}
	if fullInterval <= 0 {
		fullInterval = time.Hour
	}
	m := &Monitor{
		store:         s,
		logger:        logger.With(zap.String("component", "integrity_monitor")),
		metrics:       metrics,
		validators:    defaultValidators(s),
		quickInterval: quickInterval,
		fullInterval:  fullInterval,
		health:        HealthHealthy,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "integrity-repair",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("repair circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return m
}

// SetRepairer attaches the corruption repairer.
func (m *Monitor) SetRepairer(r Repairer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repairer = r
}

// Health returns the health derived from the most recent check.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// LastReport returns the most recent report, or nil before any check.
func (m *Monitor) LastReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}

// PerformQuickCheck runs only the critical-severity path of the
// critical validators. Cheap enough to run on a short interval.
func (m *Monitor) PerformQuickCheck(ctx context.Context) (*Report, error) {
	return m.check(ctx, CheckQuick, true)
}

// PerformComprehensiveCheck runs every validator and cross-validates
// the findings: an entity flagged by more than one validator has its
// warnings escalated to critical.
func (m *Monitor) PerformComprehensiveCheck(ctx context.Context) (*Report, error) {
	return m.check(ctx, CheckComprehensive, true)
}

// CriticalIssueCount runs a quick check WITHOUT triggering repair and
// reports the number of critical issues. The backup subsystem calls
// this from inside its restore and repair paths; kicking off another
// repair from here would recurse right back through those paths.
func (m *Monitor) CriticalIssueCount(ctx context.Context) (int, error) {
	report, err := m.check(ctx, CheckQuick, false)
	if err != nil {
		return 0, err
	}
	return report.CriticalCount(), nil
}

func (m *Monitor) check(ctx context.Context, checkType CheckType, repair bool) (*Report, error) {
	started := time.Now()

	snapshot, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for _, v := range m.validators {
		if checkType == CheckQuick && !v.Critical() {
			continue
		}
		found, err := v.Validate(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		issues = append(issues, found...)
	}

	if checkType == CheckQuick {
		// The quick check is scoped to critical findings; warnings from
		// critical validators wait for the comprehensive sweep.
		critical := issues[:0]
		for _, is := range issues {
			if is.Severity == SeverityCritical {
				critical = append(critical, is)
			}
		}
		issues = critical
	}

	if checkType == CheckComprehensive {
		issues = crossValidate(issues)
	}

	report := &Report{
		Type:      checkType,
		StartedAt: started,
		Duration:  time.Since(started),
		Issues:    issues,
		Health:    deriveHealth(issues),
	}

	m.mu.Lock()
	m.lastReport = report
	m.health = report.Health
	m.mu.Unlock()

	if m.metrics != nil {
		for _, is := range issues {
			m.metrics.IntegrityIssues.WithLabelValues(string(is.Severity), is.Category).Inc()
		}
		observability.ObserveDuration(m.metrics.IntegrityCheckDuration, string(checkType), report.Duration)
	}
	m.logger.Debug("integrity check complete",
		zap.String("type", string(checkType)),
		zap.Int("issues", len(issues)),
		zap.String("health", string(report.Health)),
		zap.Duration("duration", report.Duration),
	)

	if repair && report.CriticalCount() > 0 {
		m.attemptRepair(ctx, report)
	}
	return report, nil
}

// crossValidate escalates warnings on entities that more than one
// validator flagged: independent corroboration of a problem.
func crossValidate(issues []Issue) []Issue {
	sources := make(map[string]map[string]struct{})
	for _, is := range issues {
		for _, id := range is.AffectedIDs {
			if sources[id] == nil {
				sources[id] = make(map[string]struct{})
			}
			sources[id][is.Source] = struct{}{}
		}
	}

	for i, is := range issues {
		if is.Severity != SeverityWarning {
			continue
		}
		for _, id := range is.AffectedIDs {
			if len(sources[id]) > 1 {
				issues[i].Severity = SeverityCritical
				issues[i].Description += " (escalated: flagged by multiple validators)"
				break
			}
		}
	}
	return issues
}

// attemptRepair delegates critical findings to the repairer. Failures
// feed the circuit breaker; an open circuit skips the attempt entirely.
func (m *Monitor) attemptRepair(ctx context.Context, report *Report) {
	m.mu.RLock()
	repairer := m.repairer
	m.mu.RUnlock()
	if repairer == nil {
		return
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return repairer.RepairCorruption(ctx)
	})
	if err != nil {
		m.logger.Error("automatic repair failed",
			zap.Int("critical_issues", report.CriticalCount()),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("automatic repair complete",
		zap.Int("critical_issues", report.CriticalCount()),
		zap.Int("repaired", result.(int)),
	)
}

// Run drives the background schedule: quick checks on a short
// interval, comprehensive sweeps on a long one, and an immediate
// comprehensive sweep whenever a quick check turns up critical issues.
// Blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	quick := time.NewTicker(m.quickInterval)
	defer quick.Stop()
	full := time.NewTicker(m.fullInterval)
	defer full.Stop()

	m.logger.Info("integrity monitor started",
		zap.Duration("quick_interval", m.quickInterval),
		zap.Duration("full_interval", m.fullInterval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("integrity monitor stopped")
			return
		case <-quick.C:
			report, err := m.PerformQuickCheck(ctx)
			if err != nil {
				m.logger.Error("quick integrity check failed", zap.Error(err))
				continue
			}
			if report.CriticalCount() > 0 {
				if _, err := m.PerformComprehensiveCheck(ctx); err != nil {
					m.logger.Error("follow-up comprehensive check failed", zap.Error(err))
				}
			}
		case <-full.C:
			if _, err := m.PerformComprehensiveCheck(ctx); err != nil {
				m.logger.Error("comprehensive integrity check failed", zap.Error(err))
			}
		}
	}
}
