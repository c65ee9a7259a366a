package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/libris/internal/sortname"
)

// BookID is the server-assigned book identifier. Only unique within a library.
type BookID int64

// LibraryID identifies a library across all configured servers ("server/library").
type LibraryID string

// NewLibraryID builds the global identifier for a library on a server.
func NewLibraryID(serverID, name string) LibraryID {
	return LibraryID(serverID + "/" + name)
}

// Server returns the server part of the identifier.
func (id LibraryID) Server() string {
	s, _, _ := strings.Cut(string(id), "/")
	return s
}

// Name returns the server-local library name.
func (id LibraryID) Name() string {
	_, name, ok := strings.Cut(string(id), "/")
	if !ok {
		return string(id)
	}
	return name
}

// Library represents one searchable book collection on a server
type Library struct {
	ID       LibraryID // Global identifier
	ServerID string    // Configured server this library lives on
	Name     string    // Display name
	Local    bool      // Stored entirely on-device
}

// Book holds the metadata needed to order and filter search results.
type Book struct {
	ID          BookID    `json:"id"`
	LibraryID   LibraryID `json:"library_id"`
	Title       string    `json:"title"`
	SortTitle   string    `json:"sort_title,omitempty"` // Title used for sorting
	Authors     []string  `json:"authors,omitempty"`
	Series      string    `json:"series,omitempty"`
	SeriesIndex float64   `json:"series_index,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Publisher   string    `json:"publisher,omitempty"`
	Languages   []string  `json:"languages,omitempty"`
	Rating      float64   `json:"rating,omitempty"`

	AddedAt      time.Time `json:"added_at"`      // When added to the library
	PublishedAt  time.Time `json:"published_at"`  // Publication date
	LastModified time.Time `json:"last_modified"` // Last metadata change
}

// Filter categories understood by SearchCriteria.Filters.
const (
	CategoryAuthors   = "authors"
	CategoryTags      = "tags"
	CategorySeries    = "series"
	CategoryPublisher = "publisher"
	CategoryLanguages = "languages"
)

// Categories lists the filter categories in canonical order.
var Categories = []string{
	CategoryAuthors,
	CategoryTags,
	CategorySeries,
	CategoryPublisher,
	CategoryLanguages,
}

// Category returns the book's values for a filter category.
func (b *Book) Category(name string) []string {
	switch name {
	case CategoryAuthors:
		return b.Authors
	case CategoryTags:
		return b.Tags
	case CategorySeries:
		if b.Series == "" {
			return nil
		}
		return []string{b.Series}
	case CategoryPublisher:
		if b.Publisher == "" {
			return nil
		}
		return []string{b.Publisher}
	case CategoryLanguages:
		return b.Languages
	default:
		return nil
	}
}

// GetSortTitle returns the title used for alphabetical sorting
func (b *Book) GetSortTitle() string {
	if b.SortTitle != "" {
		return b.SortTitle
	}
	return sortname.ForTitle(b.Title)
}

// Ref returns the merged-list reference for the book.
func (b *Book) Ref() BookRef {
	return BookRef{Library: b.LibraryID, ID: b.ID}
}

// BookRef points at a book inside a specific library.
type BookRef struct {
	Library LibraryID `json:"library"`
	ID      BookID    `json:"id"`
}

func (r BookRef) String() string {
	return fmt.Sprintf("%s#%d", r.Library, r.ID)
}
