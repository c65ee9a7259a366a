package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/searchcache"
	"golang.org/x/sync/semaphore"
)

const (
	defaultBatch   = 50
	defaultWorkers = 4

	// Consecutive reset-and-restart rounds before a library is marked failed
	maxRestarts = 3
)

// Options tunes fetch sizing and concurrency.
type Options struct {
	Batch   int // Minimum page size requested from a source
	Workers int // Concurrent fetches across all libraries
}

// Dispatcher turns fetch intents into source requests sized by the demand
// of the merged views depending on each search, and feeds the responses
// back into the cache.
type Dispatcher struct {
	client  domain.RemoteSearchClient
	cache   *searchcache.Cache
	catalog domain.LibraryBookStore // nil: book metadata is not saved
	batch   int
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics *adapter.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	demand map[domain.SearchKey]map[domain.MergeKey]int
}

// New creates a dispatcher. catalog and metrics may be nil.
func New(
	client domain.RemoteSearchClient,
	cache *searchcache.Cache,
	catalog domain.LibraryBookStore,
	opts Options,
	metrics *adapter.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Dispatcher{
		client:  client,
		cache:   cache,
		catalog: catalog,
		batch:   opts.Batch,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		metrics: metrics,
		logger:  logger,
		demand:  make(map[domain.SearchKey]map[domain.MergeKey]int),
	}
}

// === Demand ===

// SetDemand records that view needs the first need ids of key.
// Demand only grows until ClearDemand.
func (d *Dispatcher) SetDemand(key domain.SearchKey, view domain.MergeKey, need int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	views, ok := d.demand[key]
	if !ok {
		views = make(map[domain.MergeKey]int)
		d.demand[key] = views
	}
	views[view] = max(views[view], need)
}

// ClearDemand forgets every need registered by view.
func (d *Dispatcher) ClearDemand(view domain.MergeKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, views := range d.demand {
		delete(views, view)
		if len(views) == 0 {
			delete(d.demand, key)
		}
	}
}

// Demand returns the largest need any view has for key.
func (d *Dispatcher) Demand(key domain.SearchKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	need := 0
	for _, n := range d.demand[key] {
		need = max(need, n)
	}
	return need
}

// === Fetching ===

// BuildFetch sizes the next request for key. Offset resumes after the
// loaded prefix, or 0 on restart. Limit covers the most advanced view's
// need, rounded up to whole batches and capped at the known total. A
// restart always fetches at least one batch so the total becomes known.
func (d *Dispatcher) BuildFetch(key domain.SearchKey, intent domain.FetchIntent) (domain.FetchSpec, bool) {
	res, ok := d.cache.Get(key)
	if !ok {
		return domain.FetchSpec{}, false
	}

	offset := len(res.IDs)
	if intent.Restart {
		offset = 0
	}

	limit := max(0, d.Demand(key)-offset)
	if intent.Restart && limit == 0 {
		limit = d.batch
	}
	if limit <= 0 {
		return domain.FetchSpec{}, false
	}
	limit = (limit + d.batch - 1) / d.batch * d.batch

	if !intent.Restart && res.Known {
		limit = min(limit, res.TotalCount-offset)
		if limit <= 0 {
			return domain.FetchSpec{}, false
		}
	}

	return domain.FetchSpec{
		Key:        key,
		Criteria:   res.Criteria,
		Offset:     offset,
		Limit:      limit,
		Generation: intent.Generation,
		Restart:    intent.Restart,
	}, true
}

// Fetch runs one fetch for the intent synchronously. It returns nil when
// no fetch was needed or one is already in flight.
func (d *Dispatcher) Fetch(ctx context.Context, key domain.SearchKey, intent domain.FetchIntent) error {
	spec, ok := d.claim(key, intent)
	if !ok {
		return nil
	}
	return d.run(ctx, spec)
}

// Dispatch starts the fetch on the worker pool and returns immediately.
// It reports whether a fetch was started.
func (d *Dispatcher) Dispatch(ctx context.Context, key domain.SearchKey, intent domain.FetchIntent) bool {
	spec, ok := d.claim(key, intent)
	if !ok {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.cache.MarkError(key, spec.Generation, err)
			return
		}
		defer d.sem.Release(1)
		_ = d.run(ctx, spec)
	}()
	return true
}

// Wait blocks until every dispatched fetch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) claim(key domain.SearchKey, intent domain.FetchIntent) (domain.FetchSpec, bool) {
	spec, ok := d.BuildFetch(key, intent)
	if !ok {
		return domain.FetchSpec{}, false
	}
	if !d.cache.MarkLoading(key, spec.Generation) {
		return domain.FetchSpec{}, false
	}
	return spec, true
}

func (d *Dispatcher) run(ctx context.Context, spec domain.FetchSpec) error {
	for attempt := 0; ; attempt++ {
		outcome, next, err := d.fetchOnce(ctx, spec)
		if err != nil || outcome != searchcache.Reset {
			return err
		}
		if attempt+1 >= maxRestarts {
			err := fmt.Errorf("%w: %s after %d restarts", domain.ErrInconsistentResults, spec.Key.Library, maxRestarts)
			d.cache.MarkError(spec.Key, next.Generation, err)
			return err
		}
		var ok bool
		if spec, ok = d.claim(spec.Key, next); !ok {
			return nil
		}
		d.logger.Info("restarting search after reset", "key", spec.Key.String(), "attempt", attempt+1)
	}
}

func (d *Dispatcher) fetchOnce(ctx context.Context, spec domain.FetchSpec) (searchcache.ReconcileOutcome, domain.FetchIntent, error) {
	lib := spec.Key.Library

	d.metrics.FetchStarted()
	start := time.Now()
	page, err := d.client.Search(ctx, lib, spec.Criteria, spec.Offset, spec.Limit)
	d.metrics.FetchDone(lib.Server(), time.Since(start), err)
	if err != nil {
		d.cache.MarkError(spec.Key, spec.Generation, err)
		return searchcache.Discarded, domain.FetchIntent{}, fmt.Errorf("search %s: %w", lib, err)
	}

	d.logger.Debug("fetched search page",
		"libID", lib, "offset", spec.Offset, "limit", spec.Limit,
		"received", len(page.IDs), "total", page.TotalCount)

	// Metadata first, so a merge triggered by the reconcile can order the new ids
	if d.catalog != nil && len(page.Books) > 0 {
		if err := d.catalog.SaveBooks(lib, page.Books); err != nil {
			d.logger.Error("failed to save books", "error", err, "libID", lib)
		}
	}

	outcome, next := d.cache.Reconcile(spec.Key, domain.FetchResponse{
		Offset:     page.Offset,
		TotalCount: page.TotalCount,
		IDs:        page.IDs,
		Generation: spec.Generation,
	})
	return outcome, next, nil
}
