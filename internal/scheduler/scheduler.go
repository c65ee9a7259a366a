package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/libris/internal/dispatch"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/merge"
	"github.com/mmcdole/libris/internal/searchcache"
)

const DefaultDebounce = 2 * time.Second

// Scheduler reacts to per-library cache changes: it coalesces them over a
// debounce window, re-merges the dependent views and fetches more ids for
// libraries the merges were cut off on.
type Scheduler struct {
	cache      *searchcache.Cache
	engine     *merge.Engine
	dispatcher *dispatch.Dispatcher
	debounce   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[domain.SearchKey]struct{}
	wake    chan struct{}

	obsMu     sync.RWMutex
	observers []domain.MergeObserver
}

// New creates a scheduler. Register it with cache.AddObserver to feed it.
func New(
	cache *searchcache.Cache,
	engine *merge.Engine,
	dispatcher *dispatch.Dispatcher,
	debounce time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		cache:      cache,
		engine:     engine,
		dispatcher: dispatcher,
		debounce:   debounce,
		logger:     logger,
		pending:    make(map[domain.SearchKey]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// AddObserver registers a receiver for merged-page notifications.
func (s *Scheduler) AddObserver(o domain.MergeObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Scheduler) notify(e domain.MergeEvent) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.OnMergeChanged(e)
	}
}

// OnSearchChanged implements domain.SearchObserver.
func (s *Scheduler) OnSearchChanged(e domain.SearchEvent) {
	if e.Kind == domain.SearchCreated {
		return
	}
	s.mu.Lock()
	s.pending[e.Key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default: // Already woken
	}
}

// Pending returns how many changed searches wait for the next flush.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run flushes changes until ctx is done. The first change after a flush
// opens a debounce window; everything arriving inside it is merged once.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}

		timer := time.NewTimer(s.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.Flush(ctx)
	}
}

// Flush re-merges every view depending on a search changed since the last
// flush, at the page the view last requested.
func (s *Scheduler) Flush(ctx context.Context) {
	s.mu.Lock()
	changed := s.pending
	s.pending = make(map[domain.SearchKey]struct{})
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}

	views := make(map[domain.MergeKey]struct{})
	for key := range changed {
		for _, view := range s.engine.Dependents(key) {
			views[view] = struct{}{}
		}
	}
	s.logger.Debug("flushing search changes", "searches", len(changed), "views", len(views))

	for view := range views {
		info, ok := s.engine.Info(view)
		if !ok {
			continue
		}
		out, err := s.engine.Merge(view, info.RequestedPage)
		if err != nil {
			s.logger.Warn("remerge failed", "key", view.String(), "error", err)
			continue
		}
		s.HandleOutcome(ctx, out)
		s.notify(out.Event())
	}
}

// HandleOutcome registers the demand of every library the merge was cut off
// on and starts a fetch where one can help: the library is not loading, not
// failed, and has more matches than it has loaded. Failed libraries are not
// retried here.
func (s *Scheduler) HandleOutcome(ctx context.Context, out merge.Outcome) {
	for _, lib := range out.CutOff {
		key := domain.NewSearchKey(lib, out.Criteria)
		s.dispatcher.SetDemand(key, out.Key, out.Needs[lib])

		res, ok := s.cache.Get(key)
		if ok && (res.Loading || res.Error || !res.HasMore()) {
			continue
		}

		intent := domain.FetchIntent{Key: key, Generation: res.Generation}
		if !ok || !res.Known {
			if intent, ok = s.cache.EnsureFresh(key, out.Criteria, false); !ok {
				continue
			}
		}
		if s.dispatcher.Dispatch(ctx, key, intent) {
			s.logger.Debug("fetching for cut off library",
				"libID", lib, "view", out.Key.String(), "need", out.Needs[lib])
		}
	}
}
