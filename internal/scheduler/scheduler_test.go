package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/dispatch"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/merge"
	"github.com/mmcdole/libris/internal/searchcache"
	"github.com/mmcdole/libris/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

// catalogClient serves each library's books sorted by added time.
type catalogClient struct {
	mu    sync.Mutex
	books map[domain.LibraryID][]*domain.Book
	calls int
}

func (c *catalogClient) GetLibraries(context.Context) ([]domain.Library, error) { return nil, nil }

func (c *catalogClient) Search(_ context.Context, lib domain.LibraryID, _ domain.SearchCriteria, offset, limit int) (*domain.SearchPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	all := c.books[lib]
	end := min(len(all), offset+limit)
	start := min(offset, end)
	page := &domain.SearchPage{TotalCount: len(all), Offset: offset, Books: all[start:end]}
	for _, b := range page.Books {
		page.IDs = append(page.IDs, b.ID)
	}
	return page, nil
}

func (c *catalogClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mergeRecorder struct {
	mu     sync.Mutex
	events []domain.MergeEvent
}

func (r *mergeRecorder) OnMergeChanged(e domain.MergeEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *mergeRecorder) snapshot() []domain.MergeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MergeEvent(nil), r.events...)
}

func spread(lib domain.LibraryID, firstID, n, offset, step int) []*domain.Book {
	out := make([]*domain.Book, n)
	for i := range out {
		out[i] = &domain.Book{
			ID:        domain.BookID(firstID + i),
			LibraryID: lib,
			AddedAt:   epoch.Add(time.Duration(offset+i*step) * time.Minute),
		}
	}
	return out
}

type harness struct {
	client     *catalogClient
	cache      *searchcache.Cache
	engine     *merge.Engine
	dispatcher *dispatch.Dispatcher
	scheduler  *Scheduler
	recorder   *mergeRecorder
	criteria   domain.SearchCriteria
}

func newHarness(t *testing.T, books map[domain.LibraryID][]*domain.Book, debounce time.Duration) *harness {
	t.Helper()
	catalog, err := store.NewLibraryStore("")
	require.NoError(t, err)

	h := &harness{
		client:   &catalogClient{books: books},
		recorder: &mergeRecorder{},
		criteria: domain.SearchCriteria{Sort: domain.SortKey{Field: domain.SortByAdded, Ascending: true}, PageSize: 20},
	}
	h.cache = searchcache.New(nil, nil, adapter.NullLogger())
	h.engine = merge.New(h.cache, catalog, 4, nil, adapter.NullLogger())
	h.dispatcher = dispatch.New(h.client, h.cache, catalog, dispatch.Options{Batch: 10, Workers: 2}, nil, adapter.NullLogger())
	h.scheduler = New(h.cache, h.engine, h.dispatcher, debounce, adapter.NullLogger())
	h.cache.AddObserver(h.scheduler)
	h.scheduler.AddObserver(h.recorder)
	return h
}

// prime loads the first n ids of a library synchronously.
func (h *harness) prime(t *testing.T, lib domain.LibraryID, n int, view domain.MergeKey) {
	t.Helper()
	key := domain.NewSearchKey(lib, h.criteria)
	intent, ok := h.cache.EnsureFresh(key, h.criteria, true)
	require.True(t, ok)
	h.dispatcher.SetDemand(key, view, n)
	require.NoError(t, h.dispatcher.Fetch(context.Background(), key, intent))
}

func TestScheduler_CutOffTriggersFetchAndRemerge(t *testing.T) {
	books := map[domain.LibraryID][]*domain.Book{
		"s/even": spread("s/even", 1, 100, 0, 2),
		"s/odd":  spread("s/odd", 501, 100, 1, 2),
	}
	h := newHarness(t, books, time.Millisecond)
	view := domain.NewMergeKey([]domain.LibraryID{"s/even", "s/odd"}, h.criteria)

	// one batch of s/even, two pages of s/odd
	h.prime(t, "s/even", 5, view)
	h.prime(t, "s/odd", 40, view)
	h.scheduler.Flush(context.Background())
	h.engine.Open(view, h.criteria, view.LibraryIDs())

	out, err := h.engine.Merge(view, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.LibraryID{"s/even"}, out.CutOff)

	h.scheduler.HandleOutcome(context.Background(), out)
	h.dispatcher.Wait()

	res, _ := h.cache.Get(domain.NewSearchKey("s/even", h.criteria))
	assert.GreaterOrEqual(t, len(res.IDs), out.Needs["s/even"])
	assert.Equal(t, 1, h.scheduler.Pending())

	h.scheduler.Flush(context.Background())
	events := h.recorder.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, view, last.Key)
	assert.Equal(t, 1, last.Page)
	assert.True(t, last.Ready)
	assert.Equal(t, 40, last.Merged)

	page, _ := h.engine.Snapshot(view, 1)
	assert.Equal(t, domain.BookRef{Library: "s/even", ID: 11}, page.Books[0])
}

func TestScheduler_AbsentLibraryIsFetched(t *testing.T) {
	books := map[domain.LibraryID][]*domain.Book{"s/a": spread("s/a", 1, 15, 0, 1)}
	h := newHarness(t, books, time.Millisecond)
	view := domain.NewMergeKey([]domain.LibraryID{"s/a"}, h.criteria)
	h.engine.Open(view, h.criteria, view.LibraryIDs())

	out, err := h.engine.Merge(view, 0)
	require.NoError(t, err)
	require.Equal(t, []domain.LibraryID{"s/a"}, out.CutOff)

	h.scheduler.HandleOutcome(context.Background(), out)
	h.dispatcher.Wait()
	h.scheduler.Flush(context.Background())

	page, ok := h.engine.Snapshot(view, 0)
	require.True(t, ok)
	assert.Len(t, page.Books, 15)
	assert.True(t, page.Complete())
}

func TestScheduler_FailedLibraryNotRetried(t *testing.T) {
	books := map[domain.LibraryID][]*domain.Book{"s/a": spread("s/a", 1, 50, 0, 1)}
	h := newHarness(t, books, time.Millisecond)
	view := domain.NewMergeKey([]domain.LibraryID{"s/a"}, h.criteria)
	h.engine.Open(view, h.criteria, view.LibraryIDs())
	h.prime(t, "s/a", 10, view)

	key := domain.NewSearchKey("s/a", h.criteria)
	res, _ := h.cache.Get(key)
	h.cache.MarkError(key, res.Generation, domain.ErrServerOffline)
	calls := h.client.callCount()

	h.scheduler.Flush(context.Background())
	h.dispatcher.Wait()

	assert.Equal(t, calls, h.client.callCount())
	events := h.recorder.snapshot()
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Error)
}

func TestScheduler_RunCoalesces(t *testing.T) {
	books := map[domain.LibraryID][]*domain.Book{
		"s/a": spread("s/a", 1, 5, 0, 2),
		"s/b": spread("s/b", 1, 5, 1, 2),
	}
	h := newHarness(t, books, 50*time.Millisecond)
	view := domain.NewMergeKey([]domain.LibraryID{"s/a", "s/b"}, h.criteria)
	h.engine.Open(view, h.criteria, view.LibraryIDs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()

	h.prime(t, "s/a", 5, view)
	h.prime(t, "s/b", 5, view)

	require.Eventually(t, func() bool {
		return len(h.recorder.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	events := h.recorder.snapshot()
	assert.Len(t, events, 1, "both libraries' changes merged once")
	assert.True(t, events[0].Ready)
	assert.Equal(t, 10, events[0].Merged)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
