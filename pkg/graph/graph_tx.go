package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/pool"
)

// querier is satisfied by *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newBreaker(cfg core.BreakerConfig, logger core.Logger, metrics *core.Metrics) *gobreaker.CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "registry-backend",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Caller mistakes (not found, conflicts) say nothing about backend health.
		IsSuccessful: func(err error) bool {
			switch core.KindOf(err) {
			case core.KindTransient, core.KindFatal, core.KindTimeout, core.KindUnknown:
				return err == nil
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if metrics != nil {
				open := 0.0
				if to == gobreaker.StateOpen {
					open = 1
				}
				metrics.BreakerOpen.Set(open)
			}
		},
	})
}

// guard runs fn through the circuit breaker when one is configured.
func (g *GraphStore) guard(op string, fn func() error) error {
	if g.breaker == nil {
		return fn()
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.E(op, core.KindTransient, fmt.Errorf("backend unavailable: %w", err))
	}
	return err
}

// withConn runs fn on a leased connection outside a transaction. Transient
// failures are retried with backoff.
func (g *GraphStore) withConn(ctx context.Context, op string, fn func(ctx context.Context, q querier) error) error {
	return g.attempt(ctx, op, func(ctx context.Context) error {
		return g.pool.WithLease(ctx, func(ctx context.Context, l *pool.Lease) error {
			err := fn(ctx, l.Conn)
			if core.IsRetryable(err) {
				l.MarkBad()
			}
			return err
		})
	})
}

// withTx runs fn inside one transaction on a leased connection. The whole
// transaction is retried on transient failures; any other error rolls back
// and is returned unchanged. Cancelling ctx before commit rolls back.
func (g *GraphStore) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return g.attempt(ctx, op, func(ctx context.Context) error {
		return g.pool.WithLease(ctx, func(ctx context.Context, l *pool.Lease) error {
			tx, err := l.Conn.BeginTx(ctx, g.dialect.TxOptions())
			if err != nil {
				err = g.fail(ctx, ctx, op, fmt.Errorf("failed to begin transaction: %w", err))
				if core.IsRetryable(err) {
					l.MarkBad()
				}
				return err
			}

			defer func() {
				if p := recover(); p != nil {
					_ = tx.Rollback()
					l.MarkBad()
					panic(p)
				}
			}()

			if err := fn(ctx, tx); err != nil {
				_ = tx.Rollback()
				if core.IsRetryable(err) {
					l.MarkBad()
				}
				return err
			}

			if err := tx.Commit(); err != nil {
				err = g.fail(ctx, ctx, op, fmt.Errorf("failed to commit transaction: %w", err))
				if core.IsRetryable(err) {
					l.MarkBad()
				}
				return err
			}
			return nil
		})
	})
}

func (g *GraphStore) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	tries := 0
	return core.Retry(ctx, g.retry, g.logger, op, func(ctx context.Context) error {
		tries++
		if tries > 1 && g.metrics != nil {
			g.metrics.Retries.WithLabelValues(op).Inc()
		}
		return g.guard(op, func() error { return fn(ctx) })
	})
}

// stmt derives the per-statement deadline.
func (g *GraphStore) stmt(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.StatementTimeout)
}

// fail classifies err. A statement deadline that fired while the caller's
// context is still live becomes core.ErrStatementTimeout.
func (g *GraphStore) fail(parent, sctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return core.E(op, core.KindTimeout, perr)
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return core.E(op, core.KindTimeout, core.ErrStatementTimeout)
	}
	return g.dialect.Wrap(op, err)
}

func (g *GraphStore) exec(ctx context.Context, q querier, op, query string, args ...any) (sql.Result, error) {
	sctx, cancel := g.stmt(ctx)
	defer cancel()
	res, err := q.ExecContext(sctx, query, args...)
	if err != nil {
		return nil, g.fail(ctx, sctx, op, err)
	}
	return res, nil
}

// queryRow scans a single row; sql.ErrNoRows is returned unwrapped so callers
// can choose the not-found message.
func (g *GraphStore) queryRow(ctx context.Context, q querier, op, query string, args []any, dest ...any) error {
	sctx, cancel := g.stmt(ctx)
	defer cancel()
	err := q.QueryRowContext(sctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return g.fail(ctx, sctx, op, err)
	}
	return nil
}

// query streams every row to scan before the statement deadline is released.
func (g *GraphStore) query(ctx context.Context, q querier, op, query string, args []any, scan func(*sql.Rows) error) error {
	sctx, cancel := g.stmt(ctx)
	defer cancel()
	rows, err := q.QueryContext(sctx, query, args...)
	if err != nil {
		return g.fail(ctx, sctx, op, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return g.fail(ctx, sctx, op, err)
		}
	}
	if err := rows.Err(); err != nil {
		return g.fail(ctx, sctx, op, err)
	}
	return nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}

func (g *GraphStore) now() time.Time {
	return g.clock().UTC().Truncate(time.Microsecond)
}
