package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// txKey stores the active transaction in a context.Context.
type txKey struct{}

// Querier unifies query execution over a database and a transaction so
// store code does not care which one it runs against.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
	_ Querier = (*manualTx)(nil)
)

// TxRunner executes callbacks inside transactions with busy-retry.
// With TxLockImmediate (the default) every write transaction takes the
// RESERVED lock at BEGIN, which serializes the exclusivity check and
// run creation against concurrent ticks and manual triggers.
type TxRunner struct {
	DB         *sql.DB
	TxLockMode TxLockMode

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewTxRunner creates a TxRunner with default options.
func NewTxRunner(db *sql.DB) *TxRunner {
	return NewTxRunnerWithOptions(db, DefaultOptions())
}

// NewTxRunnerWithOptions creates a TxRunner honoring the lock mode in
// opts.
func NewTxRunnerWithOptions(db *sql.DB, opts Options) *TxRunner {
	return &TxRunner{
		DB:           db,
		TxLockMode:   opts.TxLockMode,
		maxAttempts:  3,
		initialDelay: 10 * time.Millisecond,
		maxDelay:     500 * time.Millisecond,
	}
}

// WithinTx runs fn inside a transaction; a nil return commits, an
// error rolls back. The transaction is reachable inside fn through
// GetQuerier(ctx). SQLITE_BUSY failures are retried with backoff.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.initialDelay
	for attempt := 1; ; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil || attempt == r.maxAttempts || !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}
	}
}

// GetQuerier returns the transaction bound to ctx, or the plain
// database when none is active.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if q, ok := ctx.Value(txKey{}).(Querier); ok {
		return q
	}
	return r.DB
}

func (r *TxRunner) runTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(Querier); ok {
		return fmt.Errorf("nested transactions are not supported")
	}
	if r.TxLockMode != TxLockDeferred {
		return r.runTxWithLockMode(ctx, fn)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, txKey{}, tx)
	if err := fn(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// runTxWithLockMode issues a manual BEGIN because database/sql cannot
// express SQLite's IMMEDIATE mode. The pool must therefore route all
// statements of the transaction over one connection; the engine keeps
// MaxOpenConns low and never nests transactions, so the manual wrapper
// delegating to the DB handle is safe.
func (r *TxRunner) runTxWithLockMode(ctx context.Context, fn func(context.Context) error) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN "+string(r.TxLockMode)); err != nil {
		return err
	}
	ctx = context.WithValue(ctx, txKey{}, &manualTx{conn: conn})
	if err := fn(ctx); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

// manualTx pins a manually begun transaction to one pooled connection.
type manualTx struct {
	conn *sql.Conn
}

func (m *manualTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return m.conn.ExecContext(ctx, query, args...)
}

func (m *manualTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return m.conn.QueryContext(ctx, query, args...)
}

func (m *manualTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return m.conn.QueryRowContext(ctx, query, args...)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "database table is locked")
}
