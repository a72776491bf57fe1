// Package txn is the TransactionManager (C9): executes an ordered list of
// Operations atomically, running collected rollbacks in reverse order on
// any failure.
package txn

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/interceptor"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
)

// State is a transaction's position in its lifecycle.
type State string

const (
	StatePending     State = "pending"
	StateExecuting   State = "executing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
)

// DefaultTimeout is the per-transaction execution budget.
const DefaultTimeout = 30 * time.Second

// MaxRollbackRetries bounds how many times a single rollback is retried.
const MaxRollbackRetries = 3

// RollbackBase is the base delay of the rollback retry's exponential
// backoff.
const RollbackBase = 100 * time.Millisecond

// Rollback is an idempotent compensation for one Operation's effect.
type Rollback func(ctx context.Context) error

// Operation is one unit of work inside a transaction.
type Operation interface {
	// Name identifies the operation for logging and rollback errors.
	Name() string
	// Execute performs the operation's effect, returning a Rollback that
	// undoes it, or an error if the operation itself failed.
	Execute(ctx context.Context) (Rollback, error)
}

// Func adapts a plain function pair into an Operation.
type Func struct {
	OpName string
	Run    func(ctx context.Context) (Rollback, error)
}

func (f Func) Name() string { return f.OpName }
func (f Func) Execute(ctx context.Context) (Rollback, error) { return f.Run(ctx) }

// RollbackError wraps the original failure together with any errors hit
// while compensating for already-applied operations.
type RollbackError struct {
	Cause          error
	RollbackErrors []error
}

func (e *RollbackError) Error() string {
	if len(e.RollbackErrors) == 0 {
		return fmt.Sprintf("transaction failed: %v", e.Cause)
	}
	msgs := make([]string, len(e.RollbackErrors))
	for i, rerr := range e.RollbackErrors {
		msgs[i] = rerr.Error()
	}
	return fmt.Sprintf("transaction failed: %v (rollback errors: %s)", e.Cause, strings.Join(msgs, "; "))
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// Transaction tracks a single run's state across its Operations.
type Transaction struct {
	mu    sync.Mutex
	state State
	ops   []Operation
}

// Manager runs transactions.
type Manager struct {
	timeout time.Duration
	chain   *interceptor.Chain
}

// NewManager returns a Manager with the given per-transaction timeout
// (DefaultTimeout if zero) and an empty interceptor chain; use WithChain to
// install interceptors.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{timeout: timeout, chain: interceptor.New()}
}

// WithChain replaces the manager's interceptor chain.
func (m *Manager) WithChain(chain *interceptor.Chain) *Manager {
	if chain == nil {
		chain = interceptor.New()
	}
	m.chain = chain
	return m
}

// Run executes ops in order. On the first failure (including timeout or
// context cancellation), all rollbacks collected so far are run in
// reverse order.
func (m *Manager) Run(ctx context.Context, ops ...Operation) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionDuration)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tx := &Transaction{state: StatePending}
	tx.setState(StateExecuting)

	rollbacks := make([]namedRollback, 0, len(ops))

	var failure error
	for _, op := range ops {
		select {
		case <-ctx.Done():
			failure = ctx.Err()
		default:
		}
		if failure != nil {
			break
		}

		var rollback Rollback
		runErr := m.chain.Run(ctx, op.Name(), func(ctx context.Context) error {
			r, err := op.Execute(ctx)
			rollback = r
			return err
		})
		if runErr != nil {
			failure = errs.Wrap(errs.TransactionExecutionError, "txn.Run", runErr, "operation "+op.Name()+" failed")
			break
		}
		if rollback != nil {
			rollbacks = append(rollbacks, namedRollback{name: op.Name(), fn: rollback})
		}
	}

	if failure == nil {
		tx.setState(StateCommitted)
		metrics.TransactionCommitsTotal.Inc()
		return nil
	}

	tx.setState(StateRollingBack)
	rollbackErrs := m.runRollbacks(context.Background(), rollbacks)
	if len(rollbackErrs) > 0 {
		metrics.TransactionRollbacksTotal.WithLabelValues("partial_failure").Inc()
		tx.setState(StateRolledBack)
		log.WithComponent("txn").Error().
			Err(failure).
			Int("rollback_failures", len(rollbackErrs)).
			Msg("rollback completed with errors; counts require rebuild on next init")
		return &RollbackError{Cause: failure, RollbackErrors: rollbackErrs}
	}

	metrics.TransactionRollbacksTotal.WithLabelValues("ok").Inc()
	tx.setState(StateRolledBack)
	return &RollbackError{Cause: failure}
}

type namedRollback struct {
	name string
	fn   Rollback
}

// runRollbacks executes rollbacks in reverse order, retrying each with
// exponential backoff up to MaxRollbackRetries.
func (m *Manager) runRollbacks(ctx context.Context, rollbacks []namedRollback) []error {
	var errsOut []error
	for i := len(rollbacks) - 1; i >= 0; i-- {
		r := rollbacks[i]
		var lastErr error
		for attempt := 0; attempt <= MaxRollbackRetries; attempt++ {
			if attempt > 0 {
				backoff := RollbackBase * time.Duration(1<<uint(attempt-1))
				jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
				time.Sleep(backoff + jitter)
			}
			if err := r.fn(ctx); err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			errsOut = append(errsOut, fmt.Errorf("rollback of %q failed after %d attempts: %w", r.name, MaxRollbackRetries+1, lastErr))
		}
	}
	return errsOut
}

func (tx *Transaction) setState(s State) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.state = s
}

// State reports the transaction's current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}
