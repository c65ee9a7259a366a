package browse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/libris/internal/dispatch"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/merge"
	"github.com/mmcdole/libris/internal/scheduler"
	"github.com/mmcdole/libris/internal/searchcache"
)

// Commands provides operations that may hit the network. Fetches are
// started in the background; results arrive through the scheduler's merge
// notifications.
type Commands struct {
	client     domain.RemoteSearchClient
	catalog    domain.LibraryBookStore
	cache      *searchcache.Cache
	engine     *merge.Engine
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
}

// NewCommands creates a new Commands instance.
func NewCommands(
	client domain.RemoteSearchClient,
	catalog domain.LibraryBookStore,
	cache *searchcache.Cache,
	engine *merge.Engine,
	dispatcher *dispatch.Dispatcher,
	sched *scheduler.Scheduler,
	logger *slog.Logger,
) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		client:     client,
		catalog:    catalog,
		cache:      cache,
		engine:     engine,
		dispatcher: dispatcher,
		scheduler:  sched,
		logger:     logger,
	}
}

// FetchLibraries refreshes the library list from every source. Libraries
// that disappeared have their books and cached searches dropped. When some
// sources fail, the libraries they served before are kept.
func (c *Commands) FetchLibraries(ctx context.Context) ([]domain.Library, error) {
	libs, err := c.client.GetLibraries(ctx)
	previous, hadPrevious := c.catalog.GetLibraries()
	if err != nil {
		if len(libs) == 0 {
			c.logger.Error("failed to fetch libraries", "error", err)
			return nil, err
		}
		c.logger.Warn("some sources failed to list libraries", "error", err)
		libs = keepUnreported(libs, previous)
	}

	if hadPrevious {
		current := make(map[domain.LibraryID]bool, len(libs))
		for _, lib := range libs {
			current[lib.ID] = true
		}
		for _, lib := range previous {
			if !current[lib.ID] {
				c.cache.Drop(lib.ID)
				c.catalog.InvalidateLibrary(lib.ID)
				c.logger.Info("library removed", "libID", lib.ID)
			}
		}
	}

	if err := c.catalog.SaveLibraries(libs); err != nil {
		c.logger.Error("failed to save libraries", "error", err)
	}
	c.logger.Debug("fetched libraries", "count", len(libs))
	return libs, nil
}

// keepUnreported adds the previous libraries of servers absent from libs.
func keepUnreported(libs, previous []domain.Library) []domain.Library {
	reported := make(map[string]bool)
	for _, lib := range libs {
		reported[lib.ID.Server()] = true
	}
	for _, lib := range previous {
		if !reported[lib.ID.Server()] {
			libs = append(libs, lib)
		}
	}
	return libs
}

// Open creates (or reuses) the merged view over libraries for criteria and
// requests its first page. No libraries means every known library.
func (c *Commands) Open(ctx context.Context, libraries []domain.LibraryID, criteria domain.SearchCriteria) (domain.MergeKey, error) {
	if err := criteria.Validate(); err != nil {
		return domain.MergeKey{}, err
	}
	criteria = criteria.Normalize()

	resolved, err := c.resolve(ctx, libraries)
	if err != nil {
		return domain.MergeKey{}, err
	}

	key := domain.NewMergeKey(libraries, criteria)
	c.engine.Open(key, criteria, resolved)
	c.logger.Info("opened view", "key", key.String(), "libraries", len(resolved))

	if _, err := c.Request(ctx, key, 0); err != nil {
		return key, err
	}
	return key, nil
}

func (c *Commands) resolve(ctx context.Context, libraries []domain.LibraryID) ([]domain.LibraryID, error) {
	known, ok := c.catalog.GetLibraries()
	if !ok {
		var err error
		if known, err = c.FetchLibraries(ctx); err != nil {
			return nil, err
		}
	}

	if len(libraries) == 0 {
		ids := make([]domain.LibraryID, len(known))
		for i, lib := range known {
			ids[i] = lib.ID
		}
		return ids, nil
	}

	exists := make(map[domain.LibraryID]bool, len(known))
	for _, lib := range known {
		exists[lib.ID] = true
	}
	for _, id := range libraries {
		if !exists[id] {
			return nil, fmt.Errorf("%w: %s", domain.ErrLibraryNotFound, id)
		}
	}
	return libraries, nil
}

// Request merges a page of a view from what is cached, starts fetches for
// libraries that cannot supply it yet and returns the page as it stands.
func (c *Commands) Request(ctx context.Context, key domain.MergeKey, page int) (domain.MergedPage, error) {
	if page < 0 {
		return domain.MergedPage{}, fmt.Errorf("%w: %d", domain.ErrInvalidPage, page)
	}
	info, ok := c.engine.Info(key)
	if !ok {
		return domain.MergedPage{}, fmt.Errorf("%w: %s", domain.ErrViewNotFound, key)
	}

	for _, lib := range info.Libraries {
		skey := domain.NewSearchKey(lib, info.Criteria)
		if intent, needed := c.cache.EnsureFresh(skey, info.Criteria, false); needed {
			c.dispatcher.SetDemand(skey, key, key.PageSize)
			c.dispatcher.Dispatch(ctx, skey, intent)
		}
	}

	out, err := c.engine.Merge(key, page)
	if err != nil {
		return domain.MergedPage{}, err
	}
	c.scheduler.HandleOutcome(ctx, out)

	snapshot, _ := c.engine.Snapshot(key, page)
	return snapshot, nil
}

// OnCriteriaChanged replaces a view with one for the new criteria over the
// same libraries. The old view is discarded, not mutated.
func (c *Commands) OnCriteriaChanged(ctx context.Context, old domain.MergeKey, criteria domain.SearchCriteria) (domain.MergeKey, error) {
	libraries := old.LibraryIDs()
	c.Close(old)
	return c.Open(ctx, libraries, criteria)
}

// OnFiltersChanged replaces a view with one whose filters differ.
func (c *Commands) OnFiltersChanged(ctx context.Context, old domain.MergeKey, filters map[string][]string) (domain.MergeKey, error) {
	info, ok := c.engine.Info(old)
	if !ok {
		return domain.MergeKey{}, fmt.Errorf("%w: %s", domain.ErrViewNotFound, old)
	}
	return c.OnCriteriaChanged(ctx, old, info.Criteria.WithFilters(filters))
}

// Refresh resets every per-library search behind a view and refetches
// them. The view rebuilds from its first page as results arrive.
func (c *Commands) Refresh(ctx context.Context, key domain.MergeKey) error {
	info, ok := c.engine.Info(key)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrViewNotFound, key)
	}
	for _, lib := range info.Libraries {
		c.refresh(ctx, domain.NewSearchKey(lib, info.Criteria), key)
	}
	c.logger.Info("refreshed view", "key", key.String())
	return nil
}

// RefreshSearch resets one per-library search. Every view depending on it
// re-merges once the new results arrive.
func (c *Commands) RefreshSearch(ctx context.Context, key domain.SearchKey) error {
	if _, ok := c.cache.Get(key); !ok {
		return fmt.Errorf("%w: %s", domain.ErrLibraryNotFound, key.Library)
	}
	for _, view := range c.engine.Dependents(key) {
		c.dispatcher.SetDemand(key, view, view.PageSize)
	}
	c.refresh(ctx, key, domain.MergeKey{})
	return nil
}

func (c *Commands) refresh(ctx context.Context, key domain.SearchKey, view domain.MergeKey) {
	intent, ok := c.cache.Reset(key)
	if !ok {
		return
	}
	if view.PageSize > 0 {
		c.dispatcher.SetDemand(key, view, view.PageSize)
	}
	c.dispatcher.Dispatch(ctx, key, intent)
}

// Close discards a view and the fetch demand it registered.
func (c *Commands) Close(key domain.MergeKey) {
	c.engine.Invalidate(key)
	c.dispatcher.ClearDemand(key)
}
