package browse

import (
	"context"
	"log/slog"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/dispatch"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/merge"
	"github.com/mmcdole/libris/internal/scheduler"
	"github.com/mmcdole/libris/internal/searchcache"
)

// Options tunes the browse pipeline. Zero values use defaults.
type Options struct {
	FetchBatch     int
	FetchWorkers   int
	Debounce       time.Duration
	MaxMergedViews int
}

// OptionsFromConfig maps the search and cache config sections.
func OptionsFromConfig(cfg *adapter.Config) Options {
	return Options{
		FetchBatch:     cfg.Search.FetchBatch,
		FetchWorkers:   cfg.Search.FetchWorkers,
		Debounce:       cfg.Search.Debounce,
		MaxMergedViews: cfg.Cache.MaxMergedViews,
	}
}

// Browser wires the search cache, dispatcher, merge engine and scheduler
// behind the Queries/Commands pair a presentation layer uses.
type Browser struct {
	Queries  *Queries
	Commands *Commands

	cache      *searchcache.Cache
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
}

// New builds the pipeline. repo and metrics may be nil.
func New(
	client domain.RemoteSearchClient,
	catalog domain.LibraryBookStore,
	repo domain.SearchResultRepository,
	opts Options,
	metrics *adapter.Metrics,
	logger *slog.Logger,
) *Browser {
	if logger == nil {
		logger = slog.Default()
	}

	cache := searchcache.New(repo, metrics, logger.With("component", "searchcache"))
	dispatcher := dispatch.New(client, cache, catalog, dispatch.Options{
		Batch:   opts.FetchBatch,
		Workers: opts.FetchWorkers,
	}, metrics, logger.With("component", "dispatch"))
	engine := merge.New(cache, catalog, opts.MaxMergedViews, metrics, logger.With("component", "merge"))
	sched := scheduler.New(cache, engine, dispatcher, opts.Debounce, logger.With("component", "scheduler"))

	cache.AddObserver(sched)
	engine.OnEvict(dispatcher.ClearDemand)

	return &Browser{
		Queries:    NewQueries(cache, engine, catalog),
		Commands:   NewCommands(client, catalog, cache, engine, dispatcher, sched, logger),
		cache:      cache,
		dispatcher: dispatcher,
		scheduler:  sched,
	}
}

// AddSearchObserver subscribes to per-library loading, error and total
// count changes.
func (b *Browser) AddSearchObserver(o domain.SearchObserver) {
	b.cache.AddObserver(o)
}

// AddMergeObserver subscribes to merged-page-ready notifications.
func (b *Browser) AddMergeObserver(o domain.MergeObserver) {
	b.scheduler.AddObserver(o)
}

// Run drives the refetch scheduler until ctx is done.
func (b *Browser) Run(ctx context.Context) error {
	return b.scheduler.Run(ctx)
}

// Flush applies pending cache changes now instead of after the debounce.
func (b *Browser) Flush(ctx context.Context) {
	b.scheduler.Flush(ctx)
}

// Wait blocks until every in-flight fetch has finished.
func (b *Browser) Wait() {
	b.dispatcher.Wait()
}
