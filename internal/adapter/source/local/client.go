// Package local serves searches from books stored on the device, with the
// same offset, limit and total semantics as a remote server.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/search"
	"github.com/segmentio/encoding/json"
)

// Client implements domain.RemoteSearchClient over the local catalog
type Client struct {
	serverID  string
	libraries []string
	catalog   domain.LibraryBookStore
	logger    *slog.Logger
}

// NewClient creates a local source serving the named libraries of serverID.
func NewClient(serverID string, libraries []string, catalog domain.LibraryBookStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverID:  serverID,
		libraries: libraries,
		catalog:   catalog,
		logger:    logger,
	}
}

// GetLibraries returns the configured libraries
func (c *Client) GetLibraries(ctx context.Context) ([]domain.Library, error) {
	libs := make([]domain.Library, len(c.libraries))
	for i, name := range c.libraries {
		libs[i] = domain.Library{
			ID:       domain.NewLibraryID(c.serverID, name),
			ServerID: c.serverID,
			Name:     name,
			Local:    true,
		}
	}
	return libs, nil
}

// Search matches every stored book of lib, sorts the matches and returns
// [offset, offset+limit) of them.
func (c *Client) Search(ctx context.Context, lib domain.LibraryID, criteria domain.SearchCriteria, offset, limit int) (*domain.SearchPage, error) {
	if lib.Server() != c.serverID || !slices.Contains(c.libraries, lib.Name()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLibraryNotFound, lib)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria = criteria.Normalize()
	query := search.Compile(criteria.Query)

	books, _ := c.catalog.GetBooks(lib)
	matches := make([]*domain.Book, 0, len(books))
	for _, b := range books {
		if query.Match(b) && search.MatchFilters(b, criteria.Filters) {
			matches = append(matches, b)
		}
	}

	coll := domain.NewCollator()
	slices.SortFunc(matches, func(a, b *domain.Book) int {
		return domain.Compare(a, b, criteria.Sort, coll)
	})

	end := min(len(matches), offset+max(0, limit))
	start := min(max(0, offset), end)
	page := &domain.SearchPage{
		TotalCount: len(matches),
		Offset:     offset,
		IDs:        make([]domain.BookID, 0, end-start),
		Books:      matches[start:end],
	}
	for _, b := range page.Books {
		page.IDs = append(page.IDs, b.ID)
	}

	c.logger.Debug("local search", "libID", lib, "query", criteria.Query,
		"matches", len(matches), "offset", offset, "returned", len(page.IDs))
	return page, nil
}

// ImportBook is one entry of an import file: a book plus the name of the
// library it belongs to.
type ImportBook struct {
	Library string `json:"library"`
	domain.Book
}

// Import loads a JSON array of books into the catalog. Entries for
// libraries this source does not serve are skipped.
func (c *Client) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read import file: %w", err)
	}

	var entries []ImportBook
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse import file: %w", err)
	}

	byLib := make(map[domain.LibraryID][]*domain.Book)
	skipped := 0
	for i := range entries {
		e := &entries[i]
		if !slices.Contains(c.libraries, e.Library) {
			skipped++
			continue
		}
		lib := domain.NewLibraryID(c.serverID, e.Library)
		book := e.Book
		book.LibraryID = lib
		byLib[lib] = append(byLib[lib], &book)
	}

	imported := 0
	for lib, books := range byLib {
		if err := c.catalog.SaveBooks(lib, books); err != nil {
			return imported, fmt.Errorf("failed to save books for %s: %w", lib, err)
		}
		imported += len(books)
	}

	c.logger.Info("imported books", "path", path, "imported", imported, "skipped", skipped)
	return imported, nil
}
