package searchcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
)

// ReconcileOutcome says what Reconcile did with a fetch response.
type ReconcileOutcome int

const (
	// Discarded: the response belonged to a superseded generation or a dropped entry.
	Discarded ReconcileOutcome = iota
	// Appended: the response continued the loaded prefix.
	Appended
	// Restarted: a newer generation replaced the prefix from offset 0.
	Restarted
	// Reset: the response did not fit the prefix. IDs were cleared and a
	// restart fetch is needed.
	Reset
)

func (o ReconcileOutcome) String() string {
	switch o {
	case Discarded:
		return "discarded"
	case Appended:
		return "appended"
	case Restarted:
		return "restarted"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Lookup reads a live entry inside View. The result must not be retained or
// modified after the View callback returns.
type Lookup func(key domain.SearchKey) (*domain.SearchResult, bool)

// Cache holds one SearchResult per (library, criteria). All mutations go
// through a single lock; observers are notified after it is released.
type Cache struct {
	mu         sync.RWMutex
	entries    map[domain.SearchKey]*domain.SearchResult
	generation int64

	repo    domain.SearchResultRepository // nil: nothing persisted
	logger  *slog.Logger
	metrics *adapter.Metrics

	obsMu     sync.RWMutex
	observers []domain.SearchObserver
}

// New creates a cache. repo and metrics may be nil.
func New(repo domain.SearchResultRepository, metrics *adapter.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[domain.SearchKey]*domain.SearchResult),
		repo:    repo,
		logger:  logger,
		metrics: metrics,
	}
}

// AddObserver registers an observer for change events.
func (c *Cache) AddObserver(o domain.SearchObserver) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Cache) notify(events ...domain.SearchEvent) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, e := range events {
		for _, o := range observers {
			o.OnSearchChanged(e)
		}
	}
}

// nextGeneration must be called with mu held. Generations are wall-clock
// based so they stay ahead of anything persisted by an earlier session.
func (c *Cache) nextGeneration() int64 {
	c.generation = max(c.generation+1, time.Now().UnixNano())
	return c.generation
}

func event(e *domain.SearchResult, kind domain.SearchEventKind) domain.SearchEvent {
	return domain.SearchEvent{
		Key:        e.Key,
		Kind:       kind,
		Count:      len(e.IDs),
		Total:      e.TotalCount,
		Generation: e.Generation,
	}
}

// persist must be called with mu held.
func (c *Cache) persist(e *domain.SearchResult) {
	if c.repo == nil {
		return
	}
	snapshot := e.Clone()
	if err := c.repo.SaveSearchResult(&snapshot); err != nil {
		c.logger.Warn("failed to persist search result", "key", e.Key.String(), "error", err)
	}
}

// Get returns a copy of the current state. It never fetches; an absent key
// gives a zero placeholder and false.
func (c *Cache) Get(key domain.SearchKey) (domain.SearchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return domain.SearchResult{Key: key}, false
	}
	return e.Clone(), true
}

// EnsureFresh makes sure an entry exists for key and says whether a fetch is
// needed.
//
// An absent entry is hydrated from the repository unless
// refetchFullyIfAbsent is set; the persisted prefix stays readable while a
// restart with a newer generation revalidates it. Otherwise an empty
// placeholder is created with a fresh generation. A present entry that
// failed, or was never loaded, yields a retry intent. A healthy entry is a
// no-op.
func (c *Cache) EnsureFresh(key domain.SearchKey, criteria domain.SearchCriteria, refetchFullyIfAbsent bool) (domain.FetchIntent, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		defer c.mu.Unlock()
		if e.Loading {
			return domain.FetchIntent{}, false
		}
		if e.Error || !e.Known {
			return domain.FetchIntent{Key: key, Generation: e.Generation, Restart: len(e.IDs) == 0}, true
		}
		return domain.FetchIntent{}, false
	}

	var hydrated bool
	if !refetchFullyIfAbsent && c.repo != nil {
		if stored, found := c.repo.GetSearchResult(key); found {
			e = stored
			e.Key = key
			e.Loading, e.Error, e.LastError = false, false, ""
			c.generation = max(c.generation, e.Generation)
			hydrated = true
		}
	}
	if e == nil {
		e = &domain.SearchResult{Key: key, Criteria: criteria.Normalize(), UpdatedAt: time.Now()}
		e.Generation = c.nextGeneration()
	}
	c.entries[key] = e

	// A hydrated prefix is revalidated by a restart from a newer generation.
	gen := e.Generation
	if hydrated {
		gen = c.nextGeneration()
	}
	intent := domain.FetchIntent{Key: key, Generation: gen, Restart: true}
	ev := event(e, domain.SearchCreated)
	c.mu.Unlock()

	c.logger.Debug("search entry created", "key", key.String(), "hydrated", hydrated, "count", ev.Count)
	c.notify(ev)
	return intent, true
}

// MarkLoading sets the in-flight flag for a fetch of generation gen. It
// returns false when the entry is gone, gen is superseded or a fetch is
// already in flight.
func (c *Cache) MarkLoading(key domain.SearchKey, gen int64) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || gen < e.Generation || e.Loading {
		c.mu.Unlock()
		return false
	}
	e.Loading = true
	ev := event(e, domain.SearchLoading)
	c.mu.Unlock()

	c.notify(ev)
	return true
}

// Reconcile applies a fetch response to the entry.
//
// Stale generations are discarded. A response at offset len(IDs) is
// appended. A newer generation at offset 0 replaces the prefix. Anything
// else, including duplicate ids or a prefix longer than the declared total,
// clears the entry and returns a restart intent for the current generation.
func (c *Cache) Reconcile(key domain.SearchKey, resp domain.FetchResponse) (ReconcileOutcome, domain.FetchIntent) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || resp.Generation < e.Generation {
		c.mu.Unlock()
		c.metrics.Reconciled(Discarded.String())
		c.logger.Debug("discarded stale response", "key", key.String(), "generation", resp.Generation)
		return Discarded, domain.FetchIntent{}
	}

	var outcome ReconcileOutcome
	switch {
	case resp.Offset == len(e.IDs) && consistent(e.IDs, resp):
		outcome = Appended
		e.IDs = append(e.IDs, resp.IDs...)
	case resp.Generation > e.Generation && resp.Offset == 0 && consistent(nil, resp):
		outcome = Restarted
		e.IDs = append([]domain.BookID(nil), resp.IDs...)
		e.Epoch++
	default:
		outcome = Reset
	}

	var intent domain.FetchIntent
	var ev domain.SearchEvent
	if outcome == Reset {
		c.logger.Warn("inconsistent search response, resetting",
			"key", key.String(), "offset", resp.Offset, "have", len(e.IDs),
			"received", len(resp.IDs), "total", resp.TotalCount)
		c.clear(e)
		intent = domain.FetchIntent{Key: key, Generation: e.Generation, Restart: true}
		ev = event(e, domain.SearchReset)
	} else {
		e.Generation = max(e.Generation, resp.Generation)
		e.TotalCount = resp.TotalCount
		// An empty page before the declared end means the total shrank.
		if len(resp.IDs) == 0 && len(e.IDs) < e.TotalCount {
			e.TotalCount = len(e.IDs)
		}
		e.Known = true
		e.Loading, e.Error, e.LastError = false, false, ""
		e.UpdatedAt = time.Now()
		kind := domain.SearchAppended
		if outcome == Restarted {
			kind = domain.SearchRestarted
		}
		ev = event(e, kind)
	}
	c.persist(e)
	c.mu.Unlock()

	c.metrics.Reconciled(outcome.String())
	c.notify(ev)
	return outcome, intent
}

// consistent reports whether appending resp to ids keeps every id unique
// and within the declared total.
func consistent(ids []domain.BookID, resp domain.FetchResponse) bool {
	if resp.TotalCount < 0 || resp.Offset+len(resp.IDs) > resp.TotalCount {
		return false
	}
	seen := make(map[domain.BookID]struct{}, len(ids)+len(resp.IDs))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range resp.IDs {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// clear must be called with mu held.
func (c *Cache) clear(e *domain.SearchResult) {
	e.IDs = nil
	e.TotalCount = 0
	e.Known = false
	e.Loading, e.Error, e.LastError = false, false, ""
	e.Epoch++
	e.UpdatedAt = time.Now()
}

// MarkError records a failed fetch. Loaded ids stay usable.
func (c *Cache) MarkError(key domain.SearchKey, gen int64, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || gen < e.Generation {
		c.mu.Unlock()
		return
	}
	e.Loading = false
	e.Error = true
	if err != nil {
		e.LastError = err.Error()
	}
	ev := event(e, domain.SearchFailed)
	ev.Err = err
	c.mu.Unlock()

	c.logger.Error("search fetch failed", "key", key.String(), "error", err)
	c.notify(ev)
}

// Reset clears the entry under a new generation so any in-flight response
// is discarded, and returns the restart intent.
func (c *Cache) Reset(key domain.SearchKey) (domain.FetchIntent, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return domain.FetchIntent{}, false
	}
	c.clear(e)
	e.Generation = c.nextGeneration()
	c.persist(e)
	intent := domain.FetchIntent{Key: key, Generation: e.Generation, Restart: true}
	ev := event(e, domain.SearchReset)
	c.mu.Unlock()

	c.logger.Info("search entry reset", "key", key.String())
	c.notify(ev)
	return intent, true
}

// View runs fn under the read lock so it sees one consistent state across
// keys. fn must not call back into the cache.
func (c *Cache) View(fn func(get Lookup)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(func(key domain.SearchKey) (*domain.SearchResult, bool) {
		e, ok := c.entries[key]
		return e, ok
	})
}

// Drop forgets every entry of a library, in memory and persisted.
func (c *Cache) Drop(lib domain.LibraryID) {
	c.mu.Lock()
	var events []domain.SearchEvent
	for key, e := range c.entries {
		if key.Library != lib {
			continue
		}
		delete(c.entries, key)
		if c.repo != nil {
			c.repo.DeleteSearchResult(key)
		}
		events = append(events, event(e, domain.SearchDropped))
	}
	c.mu.Unlock()

	if len(events) > 0 {
		c.logger.Info("dropped library searches", "libID", lib, "count", len(events))
	}
	c.notify(events...)
}

// Keys returns the keys currently held for a library.
func (c *Cache) Keys(lib domain.LibraryID) []domain.SearchKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []domain.SearchKey
	for key := range c.entries {
		if key.Library == lib {
			keys = append(keys, key)
		}
	}
	return keys
}
