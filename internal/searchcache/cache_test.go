package searchcache

import (
	"errors"
	"sync"
	"testing"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.SearchEvent
}

func (r *recorder) OnSearchChanged(e domain.SearchEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.SearchEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SearchEventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

var criteria = domain.SearchCriteria{Query: "dune", Sort: domain.SortKey{Field: domain.SortByAdded}}

func newCache(t *testing.T) (*Cache, domain.SearchKey, int64) {
	t.Helper()
	c := New(nil, adapter.NewMetrics(nil), adapter.NullLogger())
	key := domain.NewSearchKey("home/fiction", criteria)
	intent, ok := c.EnsureFresh(key, criteria, true)
	require.True(t, ok)
	require.True(t, intent.Restart)
	return c, key, intent.Generation
}

func ids(n ...int64) []domain.BookID {
	out := make([]domain.BookID, len(n))
	for i, v := range n {
		out[i] = domain.BookID(v)
	}
	return out
}

func TestCache_GetAbsentDoesNotCreate(t *testing.T) {
	c := New(nil, nil, adapter.NullLogger())
	key := domain.NewSearchKey("home/fiction", criteria)

	res, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, key, res.Key)
	assert.Empty(t, res.IDs)
	assert.Empty(t, c.Keys("home/fiction"))
}

func TestCache_AppendMonotonic(t *testing.T) {
	c, key, gen := newCache(t)

	batches := [][]domain.BookID{ids(5, 3), ids(9), ids(1, 7, 2)}
	var want []domain.BookID
	for _, batch := range batches {
		res, _ := c.Get(key)
		outcome, _ := c.Reconcile(key, domain.FetchResponse{
			Offset: len(res.IDs), TotalCount: 10, IDs: batch, Generation: gen,
		})
		require.Equal(t, Appended, outcome)
		want = append(want, batch...)
	}

	res, _ := c.Get(key)
	assert.Equal(t, want, res.IDs)
	assert.Equal(t, 10, res.TotalCount)
	assert.True(t, res.Known)
	assert.True(t, res.HasMore())
}

func TestCache_ResetOnOffsetMismatch(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 10, IDs: ids(1, 2, 3), Generation: gen})
	before, _ := c.Get(key)

	outcome, intent := c.Reconcile(key, domain.FetchResponse{Offset: 5, TotalCount: 10, IDs: ids(4), Generation: gen})
	require.Equal(t, Reset, outcome)
	assert.True(t, intent.Restart)
	assert.Equal(t, gen, intent.Generation)

	res, _ := c.Get(key)
	assert.Empty(t, res.IDs)
	assert.False(t, res.Known)
	assert.False(t, res.Error)
	assert.Greater(t, res.Epoch, before.Epoch)

	// the restart fetch lands at offset 0
	outcome, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 2, IDs: ids(8, 9), Generation: intent.Generation})
	assert.Equal(t, Appended, outcome)
	res, _ = c.Get(key)
	assert.Equal(t, ids(8, 9), res.IDs)
}

func TestCache_ResetOnDuplicates(t *testing.T) {
	tests := []struct {
		name string
		page []domain.BookID
	}{
		{"overlaps loaded prefix", ids(3, 4)},
		{"duplicate within page", ids(4, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, key, gen := newCache(t)
			_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 10, IDs: ids(1, 2, 3), Generation: gen})

			outcome, intent := c.Reconcile(key, domain.FetchResponse{Offset: 3, TotalCount: 10, IDs: tt.page, Generation: gen})
			assert.Equal(t, Reset, outcome)
			assert.True(t, intent.Restart)

			res, _ := c.Get(key)
			assert.Empty(t, res.IDs)
		})
	}
}

func TestCache_ResetWhenPrefixExceedsTotal(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 3, IDs: ids(1, 2, 3), Generation: gen})

	outcome, _ := c.Reconcile(key, domain.FetchResponse{Offset: 3, TotalCount: 3, IDs: ids(4), Generation: gen})
	assert.Equal(t, Reset, outcome)
}

func TestCache_StaleGenerationDiscarded(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 5, IDs: ids(1, 2), Generation: gen})

	intent, ok := c.Reset(key)
	require.True(t, ok)
	require.Greater(t, intent.Generation, gen)

	outcome, _ := c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 5, IDs: ids(1, 2), Generation: gen})
	assert.Equal(t, Discarded, outcome)

	res, _ := c.Get(key)
	assert.Empty(t, res.IDs)
	assert.Equal(t, intent.Generation, res.Generation)
}

func TestCache_NewerGenerationRestarts(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 5, IDs: ids(1, 2, 3), Generation: gen})
	before, _ := c.Get(key)

	outcome, _ := c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 4, IDs: ids(7, 1), Generation: gen + 1})
	require.Equal(t, Restarted, outcome)

	res, _ := c.Get(key)
	assert.Equal(t, ids(7, 1), res.IDs)
	assert.Equal(t, 4, res.TotalCount)
	assert.Equal(t, gen+1, res.Generation)
	assert.Equal(t, before.Epoch+1, res.Epoch)
}

func TestCache_EmptyPageClampsTotal(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 10, IDs: ids(1, 2), Generation: gen})

	outcome, _ := c.Reconcile(key, domain.FetchResponse{Offset: 2, TotalCount: 10, Generation: gen})
	require.Equal(t, Appended, outcome)

	res, _ := c.Get(key)
	assert.Equal(t, 2, res.TotalCount)
	assert.True(t, res.Exhausted())
}

func TestCache_MarkErrorKeepsIDs(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 10, IDs: ids(1, 2), Generation: gen})

	require.True(t, c.MarkLoading(key, gen))
	assert.False(t, c.MarkLoading(key, gen), "second fetch refused while in flight")

	c.MarkError(key, gen, errors.New("connection refused"))

	res, _ := c.Get(key)
	assert.Equal(t, ids(1, 2), res.IDs)
	assert.True(t, res.Error)
	assert.False(t, res.Loading)
	assert.Equal(t, "connection refused", res.LastError)

	intent, ok := c.EnsureFresh(key, criteria, true)
	require.True(t, ok, "failed entry yields a retry intent")
	assert.False(t, intent.Restart)

	// a successful page clears the error
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 2, TotalCount: 10, IDs: ids(3), Generation: gen})
	res, _ = c.Get(key)
	assert.False(t, res.Error)
	assert.Empty(t, res.LastError)
}

func TestCache_EnsureFreshHealthyIsNoop(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 1, IDs: ids(1), Generation: gen})

	_, ok := c.EnsureFresh(key, criteria, true)
	assert.False(t, ok)
}

func TestCache_HydratesFromRepository(t *testing.T) {
	repo, err := store.NewLibraryStore(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()

	key := domain.NewSearchKey("home/fiction", criteria)
	first := New(repo, nil, adapter.NullLogger())
	intent, _ := first.EnsureFresh(key, criteria, false)
	_, _ = first.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 9, IDs: ids(4, 5, 6), Generation: intent.Generation})

	second := New(repo, nil, adapter.NullLogger())
	revalidate, ok := second.EnsureFresh(key, criteria, false)
	require.True(t, ok)
	assert.True(t, revalidate.Restart)

	res, found := second.Get(key)
	require.True(t, found)
	assert.Equal(t, ids(4, 5, 6), res.IDs, "persisted prefix readable before revalidation")
	assert.Greater(t, revalidate.Generation, res.Generation)

	outcome, _ := second.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 9, IDs: ids(4, 5), Generation: revalidate.Generation})
	assert.Equal(t, Restarted, outcome)

	// refetchFullyIfAbsent ignores the persisted copy
	third := New(repo, nil, adapter.NullLogger())
	_, _ = third.EnsureFresh(key, criteria, true)
	res, _ = third.Get(key)
	assert.Empty(t, res.IDs)
}

func TestCache_Events(t *testing.T) {
	c := New(nil, nil, adapter.NullLogger())
	rec := &recorder{}
	c.AddObserver(rec)

	key := domain.NewSearchKey("home/fiction", criteria)
	intent, _ := c.EnsureFresh(key, criteria, true)
	c.MarkLoading(key, intent.Generation)
	c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 2, IDs: ids(1, 2), Generation: intent.Generation})
	c.Reconcile(key, domain.FetchResponse{Offset: 9, TotalCount: 2, Generation: intent.Generation})
	c.Drop("home/fiction")

	assert.Equal(t, []domain.SearchEventKind{
		domain.SearchCreated,
		domain.SearchLoading,
		domain.SearchAppended,
		domain.SearchReset,
		domain.SearchDropped,
	}, rec.kinds())

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCache_View(t *testing.T) {
	c, key, gen := newCache(t)
	_, _ = c.Reconcile(key, domain.FetchResponse{Offset: 0, TotalCount: 2, IDs: ids(1, 2), Generation: gen})

	c.View(func(get Lookup) {
		res, ok := get(key)
		require.True(t, ok)
		assert.Len(t, res.IDs, 2)

		_, ok = get(domain.NewSearchKey("home/other", criteria))
		assert.False(t, ok)
	})
}
