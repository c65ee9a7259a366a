package merge

import (
	"container/heap"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/searchcache"
)

const defaultMaxViews = 64

// Outcome summarizes one Merge call for the scheduler.
type Outcome struct {
	Key      domain.MergeKey
	Criteria domain.SearchCriteria
	Page     int
	Merged   int // len(Books) after the merge
	Total    int
	Loading  bool
	Error    bool

	// CutOff lists libraries that ran out of loaded ids before they were
	// exhausted. Needs holds, per cut-off library, how many ids it must have
	// loaded for the requested page to complete.
	CutOff []domain.LibraryID
	Needs  map[domain.LibraryID]int
}

// Ready reports whether the requested page holds its final content.
func (o Outcome) Ready() bool {
	return len(o.CutOff) == 0
}

// Event converts the outcome into a merged-page notification.
func (o Outcome) Event() domain.MergeEvent {
	return domain.MergeEvent{
		Key:     o.Key,
		Page:    o.Page,
		Merged:  o.Merged,
		Total:   o.Total,
		Loading: o.Loading,
		Error:   o.Error,
		Ready:   o.Ready(),
	}
}

// Engine keeps the merged views and extends them incrementally from the
// per-library search cache.
type Engine struct {
	cache   *searchcache.Cache
	catalog domain.LibraryBookStore
	metrics *adapter.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	views   *lru.Cache[domain.MergeKey, *domain.MergedResult]
	coll    *domain.Collator
	onEvict func(domain.MergeKey)
}

// New creates an engine holding at most maxViews merged views.
// Least recently used views are discarded beyond that.
func New(cache *searchcache.Cache, catalog domain.LibraryBookStore, maxViews int, metrics *adapter.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxViews <= 0 {
		maxViews = defaultMaxViews
	}
	e := &Engine{
		cache:   cache,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
		coll:    domain.NewCollator(),
	}
	e.views, _ = lru.NewWithEvict[domain.MergeKey, *domain.MergedResult](maxViews, func(key domain.MergeKey, _ *domain.MergedResult) {
		e.logger.Debug("merged view evicted", "key", key.String())
		if e.onEvict != nil {
			e.onEvict(key)
		}
	})
	return e
}

// OnEvict registers a callback for views dropped by the LRU bound or
// Invalidate. It runs with the engine lock held and must not call back in.
func (e *Engine) OnEvict(fn func(domain.MergeKey)) {
	e.mu.Lock()
	e.onEvict = fn
	e.mu.Unlock()
}

// Open returns the view for key, creating it over libraries on first use.
func (e *Engine) Open(key domain.MergeKey, criteria domain.SearchCriteria, libraries []domain.LibraryID) *domain.MergedResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.views.Get(key); ok {
		return r
	}

	libs := slices.Clone(libraries)
	slices.Sort(libs)
	libs = slices.Compact(libs)

	r := &domain.MergedResult{
		Key:         key,
		Criteria:    criteria.Normalize(),
		Libraries:   libs,
		Checkpoints: make(map[domain.LibraryID]*domain.Checkpoint, len(libs)),
		UpdatedAt:   time.Now(),
	}
	for _, lib := range libs {
		r.Checkpoints[lib] = &domain.Checkpoint{PageOffsets: []int{0}}
	}
	e.views.Add(key, r)
	e.metrics.SetMergedViews(e.views.Len())
	e.logger.Debug("merged view opened", "key", key.String(), "libraries", len(libs))
	return r
}

// Merge extends the view until requestedPage is complete or every library
// has run out of loaded ids. It resumes from the latest page whose
// checkpoints are still valid, so earlier pages are not walked again.
func (e *Engine) Merge(key domain.MergeKey, requestedPage int) (Outcome, error) {
	if requestedPage < 0 {
		return Outcome{}, fmt.Errorf("%w: %d", domain.ErrInvalidPage, requestedPage)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.views.Get(key)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", domain.ErrViewNotFound, key)
	}

	start := time.Now()
	var out Outcome
	var appended int
	e.cache.View(func(get searchcache.Lookup) {
		states := make(map[domain.LibraryID]*domain.SearchResult, len(r.Libraries))
		for _, lib := range r.Libraries {
			if res, ok := get(domain.NewSearchKey(lib, r.Criteria)); ok {
				states[lib] = res
			}
		}
		appended = e.merge(r, states, requestedPage)
		out = summarize(r, states, requestedPage)
	})
	e.metrics.Merged(time.Since(start), appended)

	e.logger.Debug("merged",
		"key", key.String(), "page", requestedPage, "merged", out.Merged,
		"appended", appended, "cutOff", len(out.CutOff), "took", time.Since(start))
	return out, nil
}

// merge must run inside cache.View. It returns how many books were appended.
func (e *Engine) merge(r *domain.MergedResult, states map[domain.LibraryID]*domain.SearchResult, requestedPage int) int {
	pageSize := r.Key.PageSize
	target := (requestedPage + 1) * pageSize
	r.RequestedPage = requestedPage
	r.UpdatedAt = time.Now()

	// Already complete and nothing underneath moved.
	if len(r.Books) >= target && validAt(r, states, requestedPage+1) {
		return 0
	}

	startPage := requestedPage
	for startPage > 0 && !validAt(r, states, startPage) {
		startPage--
	}

	h := &headHeap{sort: r.Criteria.Sort, coll: e.coll}
	r.Books = r.Books[:startPage*pageSize]
	before := len(r.Books)

	for _, lib := range r.Libraries {
		cp := r.Checkpoints[lib]
		pos := cp.PageOffsets[startPage]
		res := states[lib]

		// A library still out of ids at the same cursor keeps the page it
		// first ran out in, so new ids invalidate every page merged without it.
		outPage := startPage
		if cp.RanOut() && cp.CutOffPosition == pos && cp.CutOffPage < startPage {
			outPage = cp.CutOffPage
		}

		cp.PageOffsets = cp.PageOffsets[:startPage+1]
		cp.CutOff, cp.Exhausted = false, false
		cp.CutOffPosition, cp.CutOffPage = 0, 0
		cp.Epoch = 0
		if res != nil {
			cp.Epoch = res.Epoch
		}

		if res != nil && pos < len(res.IDs) {
			heap.Push(h, head{lib: lib, pos: pos, book: e.book(lib, res.IDs[pos])})
		} else {
			ranOut(cp, res, pos, outPage)
		}
	}

	for h.Len() > 0 && len(r.Books) < target {
		next := heap.Pop(h).(head)
		r.Books = append(r.Books, domain.BookRef{Library: next.lib, ID: next.book.ID})
		cursor := next.pos + 1

		if len(r.Books)%pageSize == 0 {
			page := len(r.Books) / pageSize
			for _, lib := range r.Libraries {
				cp := r.Checkpoints[lib]
				cp.PageOffsets = append(cp.PageOffsets[:page], e.cursorOf(lib, next.lib, cursor, h, cp))
			}
		}

		res := states[next.lib]
		if cursor < len(res.IDs) {
			heap.Push(h, head{lib: next.lib, pos: cursor, book: e.book(next.lib, res.IDs[cursor])})
		} else {
			ranOut(r.Checkpoints[next.lib], res, cursor, len(r.Books)/pageSize)
		}
	}

	return len(r.Books) - before
}

// cursorOf is the position of lib's next unmerged id at a page boundary.
func (e *Engine) cursorOf(lib, popped domain.LibraryID, poppedCursor int, h *headHeap, cp *domain.Checkpoint) int {
	if lib == popped {
		return poppedCursor
	}
	for _, it := range h.items {
		if it.lib == lib {
			return it.pos
		}
	}
	// Not in the heap: it already ran out.
	return cp.CutOffPosition
}

// ranOut records that a library has no loaded id left at pos.
func ranOut(cp *domain.Checkpoint, res *domain.SearchResult, pos, page int) {
	cp.CutOffPosition = pos
	cp.CutOffPage = page
	if res != nil && res.Exhausted() {
		cp.Exhausted = true
	} else {
		cp.CutOff = true
	}
}

// validAt reports whether the merge can resume at the start of page p.
func validAt(r *domain.MergedResult, states map[domain.LibraryID]*domain.SearchResult, p int) bool {
	if p == 0 {
		return true
	}
	if len(r.Books) < p*r.Key.PageSize {
		return false
	}
	for _, lib := range r.Libraries {
		cp := r.Checkpoints[lib]
		if len(cp.PageOffsets) <= p {
			return false
		}
		off := cp.PageOffsets[p]
		res := states[lib]
		if res == nil {
			if off > 0 {
				return false
			}
			continue
		}
		if cp.Epoch != res.Epoch || off > len(res.IDs) {
			return false
		}
		// The total shrank below the recorded cursor.
		if res.Known && off > res.TotalCount {
			return false
		}
		// New ids may sort before anything merged after the library ran out.
		if cp.RanOut() && len(res.IDs) > cp.CutOffPosition && p > cp.CutOffPage {
			return false
		}
	}
	return true
}

// summarize must run inside cache.View.
func summarize(r *domain.MergedResult, states map[domain.LibraryID]*domain.SearchResult, requestedPage int) Outcome {
	pageSize := r.Key.PageSize
	target := (requestedPage + 1) * pageSize

	out := Outcome{
		Key:      r.Key,
		Criteria: r.Criteria,
		Page:     requestedPage,
		Merged:   len(r.Books),
		Needs:    make(map[domain.LibraryID]int),
	}
	r.TotalCount, r.Loading, r.Error, r.Failed = 0, false, false, nil

	for _, lib := range r.Libraries {
		res := states[lib]
		if res != nil {
			r.TotalCount += max(res.TotalCount, len(res.IDs))
			r.Loading = r.Loading || res.Loading
			if res.Error {
				r.Error = true
				r.Failed = append(r.Failed, lib)
			}
		}

		cp := r.Checkpoints[lib]
		// The total became known without new ids: nothing is missing.
		if cp.CutOff && res != nil && res.Exhausted() && len(res.IDs) == cp.CutOffPosition {
			cp.CutOff, cp.Exhausted = false, true
		}
		if !cp.CutOff || cp.CutOffPage > requestedPage {
			continue
		}
		out.CutOff = append(out.CutOff, lib)
		// Every merged slot from the cut-off page to the target may need
		// one more id from this library.
		out.Needs[lib] = cp.CutOffPosition + max(pageSize, target-cp.CutOffPage*pageSize)
	}

	out.Total = r.TotalCount
	out.Loading = r.Loading
	out.Error = r.Error
	return out
}

// book loads metadata for ordering. Missing metadata sorts with zero values.
func (e *Engine) book(lib domain.LibraryID, id domain.BookID) *domain.Book {
	if e.catalog != nil {
		if b, ok := e.catalog.GetBook(lib, id); ok {
			b.LibraryID = lib
			return b
		}
	}
	e.logger.Warn("merging book without metadata", "libID", lib, "bookID", id)
	return &domain.Book{ID: id, LibraryID: lib}
}

// Snapshot returns a read-only copy of one page of a view.
func (e *Engine) Snapshot(key domain.MergeKey, page int) (domain.MergedPage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.views.Get(key)
	if !ok || page < 0 {
		return domain.MergedPage{}, false
	}

	pageSize := key.PageSize
	from := min(len(r.Books), page*pageSize)
	to := min(len(r.Books), (page+1)*pageSize)

	p := domain.MergedPage{
		Key:        key,
		Page:       page,
		PageSize:   pageSize,
		Books:      slices.Clone(r.Books[from:to]),
		Merged:     len(r.Books),
		TotalCount: r.TotalCount,
		Loading:    r.Loading,
		Error:      r.Error,
		Failed:     slices.Clone(r.Failed),
	}
	for _, lib := range r.Libraries {
		if cp := r.Checkpoints[lib]; cp.CutOff && cp.CutOffPage <= page {
			p.CutOff = append(p.CutOff, lib)
		}
	}
	return p, true
}

// Info describes an open view.
type Info struct {
	Key           domain.MergeKey
	Criteria      domain.SearchCriteria
	Libraries     []domain.LibraryID
	RequestedPage int
}

// Info returns what a view merges and the page it last merged for.
func (e *Engine) Info(key domain.MergeKey) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.views.Peek(key)
	if !ok {
		return Info{}, false
	}
	return Info{
		Key:           key,
		Criteria:      r.Criteria,
		Libraries:     slices.Clone(r.Libraries),
		RequestedPage: r.RequestedPage,
	}, true
}

// Invalidate discards a view. A later Open starts from scratch.
func (e *Engine) Invalidate(key domain.MergeKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.views.Remove(key)
	e.metrics.SetMergedViews(e.views.Len())
}

// Dependents returns the views that merge the given per-library search.
func (e *Engine) Dependents(key domain.SearchKey) []domain.MergeKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.MergeKey
	for _, mk := range e.views.Keys() {
		if mk.Query != key.Query {
			continue
		}
		r, ok := e.views.Peek(mk)
		if ok && slices.Contains(r.Libraries, key.Library) {
			out = append(out, mk)
		}
	}
	return out
}

// Keys returns every open view, least recently used first.
func (e *Engine) Keys() []domain.MergeKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.views.Keys()
}
