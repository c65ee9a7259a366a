package domain

import "context"

// RemoteSearchClient is a paginated, sorted, filtered search API.
// Implemented by the calibre HTTP client and by the offline local source.
type RemoteSearchClient interface {
	// GetLibraries returns the libraries this source serves
	GetLibraries(ctx context.Context) ([]Library, error)

	// Search returns ids [offset, offset+limit) of the criteria's sorted
	// match list at a library, plus the total match count.
	Search(ctx context.Context, lib LibraryID, c SearchCriteria, offset, limit int) (*SearchPage, error)
}

// LibraryBookStore is the persisted local catalog of libraries and book metadata.
// Reads never block on network.
type LibraryBookStore interface {
	// === Libraries ===
	GetLibraries() ([]Library, bool)
	SaveLibraries(libs []Library) error

	// === Books ===
	GetBook(lib LibraryID, id BookID) (*Book, bool)
	GetBooks(lib LibraryID) ([]*Book, bool)
	SaveBooks(lib LibraryID, books []*Book) error

	// === Invalidation ===
	InvalidateLibrary(lib LibraryID)
	InvalidateAll()

	Close() error
}

// SearchResultRepository persists per-library search results between sessions.
// Only the id prefix, total, generation and epoch are stored.
type SearchResultRepository interface {
	GetSearchResult(key SearchKey) (*SearchResult, bool)
	SaveSearchResult(result *SearchResult) error
	DeleteSearchResult(key SearchKey)
}
