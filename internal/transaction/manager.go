package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notekeeper-core/internal/errors"
	"notekeeper-core/internal/observability"
	"notekeeper-core/internal/store"
)

// Type classifies a transaction's intent.
type Type string

const (
	TypeReadOnly  Type = "read-only"
	TypeReadWrite Type = "read-write"
	TypeWriteOnly Type = "write-only"
)

// State is the transaction state machine:
// active -> committing -> committed, or
// active -> rolling-back -> rolled-back | failed.
type State string

const (
	StateActive      State = "active"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling-back"
	StateRolledBack  State = "rolled-back"
	StateFailed      State = "failed"
)

// Manager creates transactions against a single store and enforces the
// active-transaction ceiling.
type Manager struct {
	store   store.Store
	logger  *zap.Logger
	metrics *observability.Collector

	maxActive int
	mu        sync.Mutex
	active    int
}

// NewManager creates a transaction manager. maxActive caps concurrent
// transactions; Begin calls past the cap return failed transactions
// immediately rather than queuing.
func NewManager(s store.Store, maxActive int, logger *zap.Logger, metrics *observability.Collector) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxActive <= 0 {
		maxActive = 10
	}
	return &Manager{
		store:     s,
		logger:    logger.With(zap.String("component", "transaction_manager")),
		metrics:   metrics,
		maxActive: maxActive,
	}
}

// Begin starts a transaction with the given type and timeout. If the
// active ceiling is reached, the returned transaction is already in
// the failed state and every subsequent call on it reports the reason.
func (m *Manager) Begin(_ context.Context, txType Type, timeout time.Duration) *Transaction {
	tx := &Transaction{
		id:      uuid.NewString(),
		txType:  txType,
		timeout: timeout,
		mgr:     m,
		begunAt: time.Now(),
	}

	m.mu.Lock()
	if m.active >= m.maxActive {
		m.mu.Unlock()
		tx.state = StateFailed
		tx.failure = errors.Structural(errors.CodeTransactionLimit, "active transaction ceiling reached").
			WithDetails(fmt.Sprintf("max_active=%d", m.maxActive)).
			WithOperation("begin").
			Build()
		m.logger.Warn("transaction rejected at ceiling",
			zap.String("transaction_id", tx.id),
			zap.Int("max_active", m.maxActive),
		)
		return tx
	}
	m.active++
	m.mu.Unlock()

	tx.state = StateActive
	if m.metrics != nil {
		m.metrics.ActiveTransactions.Inc()
	}

	if timeout > 0 {
		tx.timer = time.AfterFunc(timeout, tx.expire)
	}

	m.logger.Debug("transaction begun",
		zap.String("transaction_id", tx.id),
		zap.String("type", string(txType)),
		zap.Duration("timeout", timeout),
	)
	return tx
}

// ActiveCount reports currently active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveTransactions.Dec()
	}
}

func (m *Manager) recordFinal(state State, op string, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.TransactionsTotal.WithLabelValues(string(state)).Inc()
	observability.ObserveDuration(m.metrics.TransactionDuration, op, time.Since(started))
}

// Transaction is an atomic, reversible group of store mutations. It is
// exclusively owned by its creator until commit or rollback completes.
type Transaction struct {
	id      string
	txType  Type
	timeout time.Duration
	mgr     *Manager
	begunAt time.Time
	timer   *time.Timer

	mu      sync.Mutex
	state   State
	ops     []Operation
	failure error
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// TxType returns the transaction type.
func (tx *Transaction) TxType() Type { return tx.txType }

// State returns the current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err returns the failure reason for a failed transaction.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.failure
}

// AddOperation appends an operation. Operations execute only at
// commit, strictly in append order.
func (tx *Transaction) AddOperation(op Operation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateActive {
		if tx.failure != nil {
			return tx.failure
		}
		return errors.Structural(errors.CodeTransactionNotActive, "transaction is not active").
			WithDetails(fmt.Sprintf("transaction_id=%s, state=%s", tx.id, tx.state)).
			Build()
	}
	if tx.txType == TypeReadOnly {
		return errors.Validation(errors.CodeInvalidChange, "read-only transaction cannot carry operations").
			WithDetails("transaction_id=" + tx.id).
			Build()
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// Commit executes all operations in order and persists the result with
// a single batched save. If any operation (or the save) fails,
// already-executed operations are reversed in strict reverse order and
// the transaction transitions to failed: no partial state remains.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateActive {
		if tx.failure != nil {
			return tx.failure
		}
		return errors.Structural(errors.CodeTransactionNotActive, "commit on non-active transaction").
			WithDetails(fmt.Sprintf("transaction_id=%s, state=%s", tx.id, tx.state)).
			Build()
	}
	tx.state = StateCommitting
	tx.stopTimer()

	applied := 0
	for i, op := range tx.ops {
		if err := ctx.Err(); err != nil {
			// External cancellation takes the same reversal path as
			// a mid-commit failure.
			return tx.failCommitLocked(ctx, applied, fmt.Errorf("commit cancelled: %w", err))
		}
		if err := op.Apply(ctx, tx.mgr.store); err != nil {
			return tx.failCommitLocked(ctx, applied, fmt.Errorf("operation '%s' failed: %w", op.Describe(), err))
		}
		applied = i + 1
	}

	if tx.txType != TypeReadOnly {
		if err := tx.mgr.store.Save(ctx); err != nil {
			return tx.failCommitLocked(ctx, applied, fmt.Errorf("batched save failed: %w", err))
		}
	}

	tx.state = StateCommitted
	tx.mgr.release()
	tx.mgr.recordFinal(StateCommitted, "commit", tx.begunAt)
	tx.mgr.logger.Debug("transaction committed",
		zap.String("transaction_id", tx.id),
		zap.Int("operations", len(tx.ops)),
	)
	return nil
}

// failCommitLocked reverses the applied prefix in strict reverse order
// and moves the transaction to failed. Reversal uses a background
// context: a cancelled caller context must not be able to abort the
// cleanup that restores consistency.
func (tx *Transaction) failCommitLocked(_ context.Context, applied int, cause error) error {
	revertCtx := context.Background()

	var revertErrs []error
	for i := applied - 1; i >= 0; i-- {
		if err := tx.ops[i].Revert(revertCtx, tx.mgr.store); err != nil {
			revertErrs = append(revertErrs, fmt.Errorf("revert of '%s' failed: %w", tx.ops[i].Describe(), err))
		}
	}

	tx.state = StateFailed
	tx.mgr.release()
	tx.mgr.recordFinal(StateFailed, "commit", tx.begunAt)

	if len(revertErrs) > 0 {
		tx.failure = errors.Fatal(errors.CodeRollbackFailed, "commit failed and reversal also failed").
			WithDetails(fmt.Sprintf("transaction_id=%s", tx.id)).
			WithCause(fmt.Errorf("original error: %w, revert errors: %v", cause, revertErrs)).
			Build()
		tx.mgr.logger.Error("transaction reversal failed",
			zap.String("transaction_id", tx.id),
			zap.Error(tx.failure),
		)
		return tx.failure
	}

	tx.failure = errors.Structural(errors.CodeTransactionFailed, "transaction commit failed").
		WithDetails(fmt.Sprintf("transaction_id=%s", tx.id)).
		WithCause(cause).
		Build()
	tx.mgr.logger.Warn("transaction rolled back after commit failure",
		zap.String("transaction_id", tx.id),
		zap.Error(cause),
	)
	return tx.failure
}

// Rollback discards an active transaction. Since operations execute
// only at commit, nothing has touched the store yet; the transaction
// simply transitions to rolled-back. Calling Rollback on an already
// rolled-back transaction is a no-op.
func (tx *Transaction) Rollback(_ context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackLocked()
}

func (tx *Transaction) rollbackLocked() error {
	switch tx.state {
	case StateRolledBack:
		return nil
	case StateActive:
		// fall through
	default:
		if tx.failure != nil {
			return tx.failure
		}
		return errors.Structural(errors.CodeTransactionNotActive, "rollback on non-active transaction").
			WithDetails(fmt.Sprintf("transaction_id=%s, state=%s", tx.id, tx.state)).
			Build()
	}

	tx.state = StateRollingBack
	tx.stopTimer()
	tx.ops = nil
	tx.state = StateRolledBack
	tx.mgr.release()
	tx.mgr.recordFinal(StateRolledBack, "rollback", tx.begunAt)
	tx.mgr.logger.Debug("transaction rolled back", zap.String("transaction_id", tx.id))
	return nil
}

// expire is the timeout path: an automatic rollback if commit has not
// happened before the deadline.
func (tx *Transaction) expire() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateActive {
		return
	}
	tx.mgr.logger.Warn("transaction timed out, rolling back",
		zap.String("transaction_id", tx.id),
		zap.Duration("timeout", tx.timeout),
	)
	_ = tx.rollbackLocked()
	tx.failure = errors.Transient(errors.CodeTransactionTimeout, "transaction timed out").
		WithDetails(fmt.Sprintf("transaction_id=%s, timeout=%s", tx.id, tx.timeout)).
		Build()
}

func (tx *Transaction) stopTimer() {
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
}
