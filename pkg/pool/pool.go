// Package pool hands out bounded, validated connection leases over a
// database/sql handle.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

// Classifier maps a driver error to a taxonomy kind.
type Classifier func(error) core.Kind

// Pool bounds the number of live leases to MaxSize.
type Pool struct {
	db       *sql.DB
	sem      *semaphore.Weighted
	cfg      core.PoolConfig
	classify Classifier
	logger   core.Logger
	metrics  *core.Metrics

	inUse    atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l core.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records acquisition and validation metrics.
func WithMetrics(m *core.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClassifier sets the error classifier for connection failures.
func WithClassifier(c Classifier) Option {
	return func(p *Pool) {
		if c != nil {
			p.classify = c
		}
	}
}

// New wraps db. The database/sql pool is sized to match so that a granted
// lease never waits inside database/sql.
func New(db *sql.DB, cfg core.PoolConfig, opts ...Option) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxSize)
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	p := &Pool{
		db:       db,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSize)),
		cfg:      cfg,
		classify: func(error) core.Kind { return core.KindTransient },
		logger:   core.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DB returns the underlying handle
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Acquire waits for a free slot up to AcquireTimeout. A timeout fails with
// core.ErrAcquireTimeout; cancellation of ctx returns the context error.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := p.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, core.E("acquire", core.KindTimeout, ctxErr)
		}
		p.timeouts.Add(1)
		return nil, core.ErrAcquireTimeout
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, core.E("acquire", p.classify(err), err)
	}

	p.acquired.Add(1)
	n := p.inUse.Add(1)
	if p.metrics != nil {
		p.metrics.PoolWait.Observe(time.Since(start).Seconds())
		p.metrics.PoolInUse.Set(float64(n))
	}
	return &Lease{Conn: conn, pool: p}, nil
}

// WithLease runs fn on a leased connection and releases it on every exit path.
func (p *Pool) WithLease(ctx context.Context, fn func(ctx context.Context, l *Lease) error) error {
	l, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx, l)
}

// Lease is a scoped connection. Release must be called exactly once;
// later calls are ignored.
type Lease struct {
	Conn *sql.Conn
	pool *Pool
	bad  atomic.Bool
	once sync.Once
}

// MarkBad forces the connection to be discarded on release.
func (l *Lease) MarkBad() {
	l.bad.Store(true)
}

// Release validates the connection and returns its slot. A connection that
// fails validation is discarded by database/sql instead of being reused.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		if l.bad.Load() || !p.validate(l.Conn) {
			_ = l.Conn.Raw(func(any) error { return driver.ErrBadConn })
			p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.PoolDropped.Inc()
			}
			p.logger.Warn("discarded pooled connection after failed validation")
		}
		_ = l.Conn.Close()
		n := p.inUse.Add(-1)
		if p.metrics != nil {
			p.metrics.PoolInUse.Set(float64(n))
		}
		p.sem.Release(1)
	})
}

func (p *Pool) validate(conn *sql.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidateTimeout)
	defer cancel()
	return conn.PingContext(ctx) == nil
}

// Health pings the backend through a lease
func (p *Pool) Health(ctx context.Context) error {
	return p.WithLease(ctx, func(ctx context.Context, l *Lease) error {
		if err := l.Conn.PingContext(ctx); err != nil {
			return core.E("health", p.classify(err), err)
		}
		return nil
	})
}

// Stats returns pool statistics
type Stats struct {
	MaxSize         int
	InUse           int64
	Acquired        int64
	Timeouts        int64
	Dropped         int64
	OpenConnections int
	Idle            int
}

// Stats returns pool statistics
func (p *Pool) Stats() Stats {
	s := p.db.Stats()
	return Stats{
		MaxSize:         p.cfg.MaxSize,
		InUse:           p.inUse.Load(),
		Acquired:        p.acquired.Load(),
		Timeouts:        p.timeouts.Load(),
		Dropped:         p.dropped.Load(),
		OpenConnections: s.OpenConnections,
		Idle:            s.Idle,
	}
}

// Close closes the underlying database handle. Outstanding leases must be
// released by their holders.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}
