package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/liliang-cn/sqregistry/pkg/core"
	"github.com/liliang-cn/sqregistry/pkg/model"
)

var (
	// ErrQueueFull is returned when an async update is dropped; its ids are
	// marked dirty.
	ErrQueueFull = errors.New("index queue is full")

	// ErrIndexerClosed is returned after Close
	ErrIndexerClosed = errors.New("indexer is closed")
)

type request struct {
	ctx   context.Context
	src   Source
	ids   []string
	flush chan struct{}
}

// Indexer owns the live index. All writes go through a single writer lock;
// searches only take the swap lock for reading and never wait for writers.
type Indexer struct {
	cfg      core.SearchConfig
	logger   core.Logger
	metrics  *core.Metrics
	newIndex func() (Index, error)
	limiter  *rate.Limiter

	// writeMu serializes writers and is taken before swapMu.
	writeMu sync.Mutex
	// touched collects ids written while a rebuild is scanning.
	touched map[string]struct{}

	swapMu sync.RWMutex
	index  Index

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	queueMu sync.RWMutex
	queue   chan request
	closed  bool
	wg      sync.WaitGroup
}

// Option configures an Indexer
type Option func(*Indexer)

// WithLogger sets the logger
func WithLogger(l core.Logger) Option {
	return func(x *Indexer) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *core.Metrics) Option {
	return func(x *Indexer) { x.metrics = m }
}

// WithIndexFactory overrides how fresh indexes are created for the initial
// open and for rebuilds.
func WithIndexFactory(fn func() (Index, error)) Option {
	return func(x *Indexer) { x.newIndex = fn }
}

// New opens the index described by cfg. An empty path keeps the index in
// memory; otherwise the newest on-disk generation is reopened.
func New(cfg core.SearchConfig, opts ...Option) (*Indexer, error) {
	x := &Indexer{
		cfg:    cfg,
		logger: core.NopLogger(),
		dirty:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.cfg.BatchSize <= 0 {
		x.cfg.BatchSize = core.DefaultConfig().Search.BatchSize
	}
	if x.cfg.ReindexRate > 0 {
		x.limiter = rate.NewLimiter(rate.Limit(x.cfg.ReindexRate), max(x.cfg.BatchSize, int(x.cfg.ReindexRate)))
	}

	var initial Index
	var err error
	switch {
	case x.newIndex != nil:
		initial, err = x.newIndex()
	case cfg.Path == "":
		x.newIndex = func() (Index, error) { return NewMemoryIndex() }
		initial, err = x.newIndex()
	default:
		x.newIndex = func() (Index, error) { return NewDiskIndex(cfg.Path) }
		initial, err = OpenDiskIndex(cfg.Path)
	}
	if err != nil {
		return nil, core.E("open_index", core.KindFatal, err)
	}
	x.index = initial

	if cfg.Async {
		size := cfg.QueueSize
		if size <= 0 {
			size = core.DefaultConfig().Search.QueueSize
		}
		x.queue = make(chan request, size)
		x.wg.Add(1)
		go x.worker()
	}
	return x, nil
}

// Refresh brings the records of ids in line with src. Each record is read
// from src and written to the index under the writer lock, so a refresh can
// never overwrite the result of a later one with an older read. In async mode
// the ids are queued in order. Failed or dropped refreshes mark their ids
// dirty and the error is returned for reporting.
func (x *Indexer) Refresh(ctx context.Context, src Source, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if !x.cfg.Async {
		if err := x.sync(ctx, src, ids); err != nil {
			x.failed(ids, err)
			return err
		}
		return nil
	}

	x.queueMu.RLock()
	defer x.queueMu.RUnlock()
	if x.closed {
		x.failed(ids, ErrIndexerClosed)
		return ErrIndexerClosed
	}
	select {
	case x.queue <- request{ctx: context.WithoutCancel(ctx), src: src, ids: ids}:
		return nil
	default:
		x.failed(ids, ErrQueueFull)
		return ErrQueueFull
	}
}

// Flush waits until every refresh queued before the call has been applied
func (x *Indexer) Flush(ctx context.Context) error {
	if !x.cfg.Async {
		return nil
	}
	done := make(chan struct{})
	x.queueMu.RLock()
	if x.closed {
		x.queueMu.RUnlock()
		return ErrIndexerClosed
	}
	select {
	case x.queue <- request{flush: done}:
		x.queueMu.RUnlock()
	case <-ctx.Done():
		x.queueMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Indexer) worker() {
	defer x.wg.Done()
	for req := range x.queue {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		if err := x.sync(req.ctx, req.src, req.ids); err != nil {
			x.failed(req.ids, err)
		}
	}
}

// sync reads ids from src and upserts or removes their records. The read
// happens under writeMu so writes reach the index in the order of the reads.
func (x *Indexer) sync(ctx context.Context, src Source, ids []string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	records, err := src.Lookup(ctx, ids)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	ops := make([]Op, 0, len(ids))
	for _, id := range ids {
		if rec, ok := records[id]; ok {
			ops = append(ops, Upsert(rec))
		} else {
			ops = append(ops, Remove(id))
		}
		if x.touched != nil {
			x.touched[id] = struct{}{}
		}
	}
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()
	return x.index.Apply(ops)
}

func (x *Indexer) failed(ids []string, err error) {
	if x.metrics != nil {
		x.metrics.IndexErrors.WithLabelValues(failureAction(err)).Add(float64(len(ids)))
	}
	x.logger.Error("index update failed", "ids", ids, "error", err)
	x.MarkDirty(ids...)
}

func failureAction(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "dropped"
	case errors.Is(err, ErrIndexerClosed):
		return "closed"
	default:
		return "refresh"
	}
}

// MarkDirty records ids whose index state may be stale
func (x *Indexer) MarkDirty(ids ...string) {
	x.dirtyMu.Lock()
	for _, id := range ids {
		if id != "" {
			x.dirty[id] = struct{}{}
		}
	}
	n := len(x.dirty)
	x.dirtyMu.Unlock()
	if x.metrics != nil {
		x.metrics.IndexDirty.Set(float64(n))
	}
}

// Dirty returns the ids awaiting reconciliation, sorted
func (x *Indexer) Dirty() []string {
	x.dirtyMu.Lock()
	defer x.dirtyMu.Unlock()
	out := make([]string, 0, len(x.dirty))
	for id := range x.dirty {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (x *Indexer) takeDirty() []string {
	x.dirtyMu.Lock()
	out := make([]string, 0, len(x.dirty))
	for id := range x.dirty {
		out = append(out, id)
	}
	clear(x.dirty)
	x.dirtyMu.Unlock()
	if x.metrics != nil {
		x.metrics.IndexDirty.Set(0)
	}
	sort.Strings(out)
	return out
}

func (x *Indexer) wait(ctx context.Context, n int) error {
	if x.limiter == nil || n == 0 {
		return nil
	}
	return x.limiter.WaitN(ctx, n)
}

// Reconcile re-reads every dirty id from src and upserts or removes its
// record. Ids that could not be synced stay dirty.
func (x *Indexer) Reconcile(ctx context.Context, src Source) (int, error) {
	ids := x.takeDirty()
	synced := 0
	for lo := 0; lo < len(ids); lo += x.cfg.BatchSize {
		chunk := ids[lo:min(lo+x.cfg.BatchSize, len(ids))]
		if err := x.wait(ctx, len(chunk)); err != nil {
			x.MarkDirty(ids[lo:]...)
			return synced, err
		}
		if err := x.sync(ctx, src, chunk); err != nil {
			x.MarkDirty(ids[lo:]...)
			return synced, core.E("reconcile", core.KindTransient, err)
		}
		synced += len(chunk)
	}
	if synced > 0 {
		x.logger.Info("index reconciled", "entities", synced)
	}
	return synced, nil
}

// Rebuild builds a fresh index from src and swaps it in. Searches keep using
// the old index until the swap. Writes that land while the scan runs are
// re-synced from src after the swap.
func (x *Indexer) Rebuild(ctx context.Context, src Source) (int, error) {
	const op = "reindex_all"
	fresh, err := x.newIndex()
	if err != nil {
		return 0, core.E(op, core.KindFatal, err)
	}

	x.writeMu.Lock()
	if x.touched != nil {
		x.writeMu.Unlock()
		retire(fresh)
		return 0, core.Errorf(op, core.KindConflict, "rebuild already running")
	}
	x.touched = make(map[string]struct{})
	x.writeMu.Unlock()

	count, err := x.fill(ctx, fresh, src)
	if err != nil {
		x.writeMu.Lock()
		x.touched = nil
		x.writeMu.Unlock()
		retire(fresh)
		return 0, err
	}

	x.writeMu.Lock()
	touched := x.touched
	x.touched = nil
	x.swapMu.Lock()
	old := x.index
	x.index = fresh
	x.swapMu.Unlock()
	x.writeMu.Unlock()
	retire(old)

	x.logger.Info("index rebuilt", "entities", count)

	if len(touched) > 0 {
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		x.MarkDirty(ids...)
	}
	if len(x.Dirty()) > 0 {
		if _, err := x.Reconcile(ctx, src); err != nil {
			x.logger.Warn("reconcile after rebuild failed", "error", err)
		}
	}
	return count, nil
}

// fill streams src into idx: one goroutine pages the store while another
// writes batches.
func (x *Indexer) fill(ctx context.Context, idx Index, src Source) (int, error) {
	pages := make(chan []model.SearchRecord, 2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		return src.Scan(gctx, x.cfg.BatchSize, func(recs []model.SearchRecord) error {
			select {
			case pages <- recs:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	count := 0
	g.Go(func() error {
		for recs := range pages {
			if err := x.wait(gctx, len(recs)); err != nil {
				return err
			}
			ops := make([]Op, len(recs))
			for i, r := range recs {
				ops[i] = Upsert(r)
			}
			if err := idx.Apply(ops); err != nil {
				return core.E("reindex_all", core.KindFatal, fmt.Errorf("failed to write batch: %w", err))
			}
			count += len(recs)
			x.logger.Debug("reindex progress", "entities", count)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}

func retire(idx Index) {
	if d, ok := idx.(Destroyer); ok {
		_ = d.Destroy()
		return
	}
	_ = idx.Close()
}

// Search runs q against the live index
func (x *Indexer) Search(ctx context.Context, q Query) (*Result, error) {
	const op = "search"
	if q.Limit < 0 || q.Offset < 0 {
		return nil, core.Errorf(op, core.KindInvalid, "limit and offset must not be negative")
	}
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()
	res, err := x.index.Search(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.E(op, core.KindTimeout, ctx.Err())
		}
		return nil, core.E(op, core.KindFatal, err)
	}
	return res, nil
}

// Count returns the number of records in the live index
func (x *Indexer) Count() (uint64, error) {
	x.swapMu.RLock()
	defer x.swapMu.RUnlock()
	return x.index.Count()
}

// Close drains the async queue and closes the index
func (x *Indexer) Close() error {
	x.queueMu.Lock()
	if x.closed {
		x.queueMu.Unlock()
		return nil
	}
	x.closed = true
	if x.queue != nil {
		close(x.queue)
	}
	x.queueMu.Unlock()
	x.wg.Wait()

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.swapMu.Lock()
	defer x.swapMu.Unlock()
	return x.index.Close()
}
