package browse

import (
	"fmt"

	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/merge"
	"github.com/mmcdole/libris/internal/searchcache"
)

// Queries provides synchronous, cache-only reads. Nothing here touches the
// network or triggers a fetch.
type Queries struct {
	cache   *searchcache.Cache
	engine  *merge.Engine
	catalog domain.LibraryBookStore
}

// NewQueries creates a new Queries instance.
func NewQueries(cache *searchcache.Cache, engine *merge.Engine, catalog domain.LibraryBookStore) *Queries {
	return &Queries{cache: cache, engine: engine, catalog: catalog}
}

// GetMergedPage returns a read-only snapshot of one page of a merged view.
func (q *Queries) GetMergedPage(key domain.MergeKey, page int) (domain.MergedPage, error) {
	if page < 0 {
		return domain.MergedPage{}, fmt.Errorf("%w: %d", domain.ErrInvalidPage, page)
	}
	p, ok := q.engine.Snapshot(key, page)
	if !ok {
		return domain.MergedPage{}, fmt.Errorf("%w: %s", domain.ErrViewNotFound, key)
	}
	return p, nil
}

func (q *Queries) GetSearchResult(key domain.SearchKey) (domain.SearchResult, bool) {
	return q.cache.Get(key)
}

func (q *Queries) GetCachedLibraries() ([]domain.Library, bool) {
	return q.catalog.GetLibraries()
}

func (q *Queries) GetBook(ref domain.BookRef) (*domain.Book, bool) {
	return q.catalog.GetBook(ref.Library, ref.ID)
}

// GetBooks resolves a page's references to metadata, skipping unknown books.
func (q *Queries) GetBooks(refs []domain.BookRef) []*domain.Book {
	books := make([]*domain.Book, 0, len(refs))
	for _, ref := range refs {
		if b, ok := q.catalog.GetBook(ref.Library, ref.ID); ok {
			books = append(books, b)
		}
	}
	return books
}
