// Package reducerhost executes one mutation deterministically against a
// live SQL connection inside a transactional scope, enforcing a time
// budget and containing panics, per spec §4.3. The mutation reducer
// sandbox itself — a user-supplied deterministic function compiled to
// WASM in the original system — is an external collaborator; this
// package only owns the transactional and budget-enforcement contract
// around invoking it.
package reducerhost

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrReducerFailed wraps an error returned by the reducer itself.
	ErrReducerFailed = errors.New("reducerhost: reducer failed")
	// ErrReducerTimeout is returned when the reducer panics or exceeds
	// its configured budget.
	ErrReducerTimeout = errors.New("reducerhost: reducer exceeded budget")
)

// SQLTx is the minimal transactional handle a Reducer needs, satisfied by
// *sql.Tx in production and by an in-memory fake in tests.
type SQLTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reducer turns one opaque mutation byte string into a sequence of
// statement executions against tx. It must be a pure function of
// (mutation, pre-image database state): same inputs, same writes, same
// failure decision, no external side effects.
type Reducer func(ctx context.Context, tx SQLTx, mutation []byte) error

// Budget bounds how long a single reducer invocation may run.
type Budget struct {
	// TimeBudget is the wall-clock deadline given to one invocation.
	TimeBudget time.Duration
}

// DefaultBudget is used when a Host is constructed with a zero Budget.
var DefaultBudget = Budget{TimeBudget: 5 * time.Second}

// Host runs reducers under a budget, converting panics and deadline
// overruns into ErrReducerTimeout, and reducer errors into
// ErrReducerFailed, matching spec §4.3's failure model ("panics,
// diverges, or returns an error").
type Host struct {
	Budget Budget
}

// New returns a Host enforcing budget. A zero Budget falls back to
// DefaultBudget.
func New(budget Budget) *Host {
	if budget.TimeBudget <= 0 {
		budget = DefaultBudget
	}
	return &Host{Budget: budget}
}

// Run executes reducer against tx with mutation, inside ctx bounded by the
// host's time budget. The caller owns beginning and committing/rolling
// back tx; Run only decides, via its returned error, whether the caller
// should commit or roll back.
func (h *Host) Run(ctx context.Context, reducer Reducer, tx SQLTx, mutation []byte) error {
	deadline := time.Now().Add(h.Budget.TimeBudget)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type result struct {
		err   error
		panic any
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{panic: r}
			}
		}()
		done <- result{err: reducer(runCtx, tx, mutation)}
	}()

	select {
	case res := <-done:
		if res.panic != nil {
			return errors.Wrapf(ErrReducerTimeout, "reducer panicked: %v", res.panic)
		}
		if res.err != nil {
			return errors.Wrap(ErrReducerFailed, res.err.Error())
		}
		return nil
	case <-runCtx.Done():
		return ErrReducerTimeout
	}
}
