package pool

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

func newTestPool(t *testing.T, size int, timeout time.Duration) *Pool {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	p := New(db, core.PoolConfig{
		MaxSize:         size,
		AcquireTimeout:  timeout,
		ValidateTimeout: time.Second,
	}, WithMetrics(core.NewMetrics("pool_test")))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolExhaustionAndRecovery(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 2, 50*time.Millisecond)

	l1, err := p.Acquire(ctx)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPoolExhausted)
	assert.ErrorIs(t, err, core.ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	l1.Release()
	l3, err := p.Acquire(ctx)
	require.NoError(t, err)

	l2.Release()
	l3.Release()
	assert.Equal(t, int64(0), p.Stats().InUse)
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, time.Second)

	l1, err := p.Acquire(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		l1.Release()
	}()

	l2, err := p.Acquire(ctx)
	require.NoError(t, err)
	l2.Release()
	wg.Wait()
}

func TestPoolParentCancellation(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrAcquireTimeout)
}

func TestPoolDropsBadConnection(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 1, time.Second)

	l, err := p.Acquire(ctx)
	require.NoError(t, err)
	l.MarkBad()
	l.Release()
	l.Release()
	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.Equal(t, int64(0), p.Stats().InUse)

	// a fresh connection replaces the dropped one
	err = p.WithLease(ctx, func(ctx context.Context, l *Lease) error {
		var one int
		return l.Conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	require.NoError(t, err)
	require.NoError(t, p.Health(ctx))
}

func TestPoolClosed(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	require.NoError(t, p.Close())
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrStoreClosed)
}
