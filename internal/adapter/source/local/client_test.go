package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const importFile = `[
  {"library": "shelf", "id": 1, "title": "The Left Hand of Darkness", "authors": ["Ursula K. Le Guin"],
   "tags": ["sf"], "added_at": "2020-01-03T00:00:00Z"},
  {"library": "shelf", "id": 2, "title": "A Wizard of Earthsea", "authors": ["Ursula K. Le Guin"],
   "tags": ["fantasy"], "series": "Earthsea", "series_index": 1, "added_at": "2020-01-01T00:00:00Z"},
  {"library": "shelf", "id": 3, "title": "The Tombs of Atuan", "authors": ["Ursula K. Le Guin"],
   "tags": ["fantasy"], "series": "Earthsea", "series_index": 2, "added_at": "2020-01-04T00:00:00Z"},
  {"library": "shelf", "id": 4, "title": "Dune", "authors": ["Frank Herbert"],
   "tags": ["sf"], "added_at": "2020-01-02T00:00:00Z"},
  {"library": "elsewhere", "id": 5, "title": "Skipped"}
]`

func newClient(t *testing.T) *Client {
	t.Helper()
	catalog, err := store.NewLibraryStore("")
	require.NoError(t, err)
	c := NewClient("phone", []string{"shelf"}, catalog, adapter.NullLogger())

	path := filepath.Join(t.TempDir(), "books.json")
	require.NoError(t, os.WriteFile(path, []byte(importFile), 0644))
	n, err := c.Import(path)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return c
}

func find(t *testing.T, c *Client, criteria domain.SearchCriteria, offset, limit int) *domain.SearchPage {
	t.Helper()
	page, err := c.Search(context.Background(), "phone/shelf", criteria, offset, limit)
	require.NoError(t, err)
	return page
}

func TestGetLibraries(t *testing.T) {
	c := newClient(t)
	libs, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, domain.LibraryID("phone/shelf"), libs[0].ID)
	assert.True(t, libs[0].Local)
}

func TestSearch_SortAndPaginate(t *testing.T) {
	c := newClient(t)
	byAdded := domain.SearchCriteria{Sort: domain.SortKey{Field: domain.SortByAdded, Ascending: true}}

	page := find(t, c, byAdded, 0, 2)
	assert.Equal(t, 4, page.TotalCount)
	assert.Equal(t, []domain.BookID{2, 4}, page.IDs)
	require.Len(t, page.Books, 2)
	assert.Equal(t, "A Wizard of Earthsea", page.Books[0].Title)

	page = find(t, c, byAdded, 2, 2)
	assert.Equal(t, 2, page.Offset)
	assert.Equal(t, []domain.BookID{1, 3}, page.IDs)

	page = find(t, c, byAdded, 10, 5)
	assert.Equal(t, 4, page.TotalCount)
	assert.Empty(t, page.IDs)

	byTitle := domain.SearchCriteria{Sort: domain.SortKey{Field: domain.SortByTitle, Ascending: true}}
	page = find(t, c, byTitle, 0, 10)
	// Leading articles are ignored: Dune, Left Hand, Tombs, Wizard
	assert.Equal(t, []domain.BookID{4, 1, 3, 2}, page.IDs)
}

func TestSearch_QueryAndFilters(t *testing.T) {
	c := newClient(t)
	sort := domain.SortKey{Field: domain.SortBySeriesIndex, Ascending: true}

	page := find(t, c, domain.SearchCriteria{Query: "le guin", Sort: sort}, 0, 10)
	assert.Equal(t, 3, page.TotalCount)
	assert.Equal(t, []domain.BookID{2, 3, 1}, page.IDs, "series members first, by index")

	page = find(t, c, domain.SearchCriteria{
		Query:   "guin",
		Sort:    sort,
		Filters: map[string][]string{"tags": {"sf"}},
	}, 0, 10)
	assert.Equal(t, []domain.BookID{1}, page.IDs)

	page = find(t, c, domain.SearchCriteria{
		Sort:    sort,
		Filters: map[string][]string{"tags": {"sf", "fantasy"}, "authors": {"frank herbert"}},
	}, 0, 10)
	assert.Equal(t, []domain.BookID{4}, page.IDs)
}

func TestSearch_UnknownLibrary(t *testing.T) {
	c := newClient(t)
	_, err := c.Search(context.Background(), "phone/elsewhere", domain.SearchCriteria{}, 0, 10)
	assert.ErrorIs(t, err, domain.ErrLibraryNotFound)
}

func TestImport_BadFile(t *testing.T) {
	catalog, err := store.NewLibraryStore("")
	require.NoError(t, err)
	c := NewClient("phone", []string{"shelf"}, catalog, adapter.NullLogger())

	_, err = c.Import(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = c.Import(path)
	assert.Error(t, err)
}
