package domain

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// DefaultPageSize is used when a criteria does not specify one.
const DefaultPageSize = 100

// SortField selects the book attribute results are ordered by
type SortField int

const (
	SortByTitle SortField = iota
	SortByAdded
	SortByPublication
	SortByModified
	SortBySeriesIndex
)

var sortFieldNames = map[SortField]string{
	SortByTitle:       "title",
	SortByAdded:       "added",
	SortByPublication: "publication",
	SortByModified:    "modified",
	SortBySeriesIndex: "series_index",
}

// String returns the config/CLI name of the field
func (f SortField) String() string {
	if name, ok := sortFieldNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseSortField converts a field name back into a SortField.
func ParseSortField(s string) (SortField, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range sortFieldNames {
		if name == s {
			return f, nil
		}
	}
	switch s {
	case "timestamp", "date":
		return SortByAdded, nil
	case "pubdate", "published":
		return SortByPublication, nil
	case "last_modified":
		return SortByModified, nil
	case "series":
		return SortBySeriesIndex, nil
	}
	return 0, fmt.Errorf("%w: unknown sort field %q", ErrInvalidCriteria, s)
}

// SortKey is a sort field plus direction
type SortKey struct {
	Field     SortField
	Ascending bool
}

// String renders "field:asc" or "field:desc".
func (k SortKey) String() string {
	dir := "desc"
	if k.Ascending {
		dir = "asc"
	}
	return k.Field.String() + ":" + dir
}

// ParseSortKey parses "field[:asc|:desc]". Direction defaults to ascending.
func ParseSortKey(s string) (SortKey, error) {
	name, dir, _ := strings.Cut(s, ":")
	field, err := ParseSortField(name)
	if err != nil {
		return SortKey{}, err
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "", "asc", "ascending":
		return SortKey{Field: field, Ascending: true}, nil
	case "desc", "descending":
		return SortKey{Field: field, Ascending: false}, nil
	default:
		return SortKey{}, fmt.Errorf("%w: unknown sort direction %q", ErrInvalidCriteria, dir)
	}
}

// SearchCriteria fully describes a query.
// Filters are AND across categories and OR within a category.
type SearchCriteria struct {
	Query    string
	Sort     SortKey
	Filters  map[string][]string
	PageSize int
}

// Normalize returns a copy with trimmed query, sorted deduplicated filter
// values, empty categories removed and a positive page size.
func (c SearchCriteria) Normalize() SearchCriteria {
	out := SearchCriteria{
		Query:    strings.TrimSpace(c.Query),
		Sort:     c.Sort,
		PageSize: c.PageSize,
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	for cat, values := range c.Filters {
		cat = strings.ToLower(strings.TrimSpace(cat))
		var clean []string
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				clean = append(clean, v)
			}
		}
		if len(clean) == 0 {
			continue
		}
		if out.Filters == nil {
			out.Filters = make(map[string][]string)
		}
		clean = append(clean, out.Filters[cat]...)
		slices.Sort(clean)
		out.Filters[cat] = slices.Compact(clean)
	}
	return out
}

// Validate rejects criteria that cannot be sent to a source.
func (c SearchCriteria) Validate() error {
	if _, ok := sortFieldNames[c.Sort.Field]; !ok {
		return fmt.Errorf("%w: unknown sort field %d", ErrInvalidCriteria, c.Sort.Field)
	}
	for cat := range c.Filters {
		if !slices.Contains(Categories, strings.ToLower(cat)) {
			return fmt.Errorf("%w: unknown filter category %q", ErrInvalidCriteria, cat)
		}
	}
	if c.PageSize < 0 {
		return fmt.Errorf("%w: negative page size", ErrInvalidCriteria)
	}
	return nil
}

// Key is the canonical string of the fields that define which ids match and
// in what order. PageSize is not part of it.
func (c SearchCriteria) Key() string {
	n := c.Normalize()
	var b strings.Builder
	b.WriteString("q=")
	b.WriteString(strconv.Quote(n.Query))
	b.WriteString(";s=")
	b.WriteString(n.Sort.String())

	cats := make([]string, 0, len(n.Filters))
	for cat := range n.Filters {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		b.WriteString(";f=")
		b.WriteString(cat)
		b.WriteString(":")
		for i, v := range n.Filters[cat] {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(strconv.Quote(v))
		}
	}
	return b.String()
}

// Equal reports whether two criteria describe the same logical query.
func (c SearchCriteria) Equal(other SearchCriteria) bool {
	return c.Key() == other.Key() && c.Normalize().PageSize == other.Normalize().PageSize
}

// WithFilters returns a copy with the filters replaced.
func (c SearchCriteria) WithFilters(filters map[string][]string) SearchCriteria {
	c.Filters = filters
	return c.Normalize()
}

// SearchKey identifies one per-library cached search result.
type SearchKey struct {
	Library LibraryID
	Query   string // SearchCriteria.Key()
}

// NewSearchKey builds the cache key for a library and criteria.
func NewSearchKey(lib LibraryID, c SearchCriteria) SearchKey {
	return SearchKey{Library: lib, Query: c.Key()}
}

func (k SearchKey) String() string {
	return string(k.Library) + "|" + k.Query
}

// MergeKey identifies one merged view. An empty Libraries means all libraries.
type MergeKey struct {
	Libraries string // sorted, comma joined
	Query     string // SearchCriteria.Key()
	PageSize  int
}

// NewMergeKey builds the merged view key. The library set is order-insensitive.
func NewMergeKey(libs []LibraryID, c SearchCriteria) MergeKey {
	ids := make([]string, 0, len(libs))
	for _, l := range libs {
		ids = append(ids, string(l))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	n := c.Normalize()
	return MergeKey{
		Libraries: strings.Join(ids, ","),
		Query:     n.Key(),
		PageSize:  n.PageSize,
	}
}

// AllLibraries reports whether the key covers every known library.
func (k MergeKey) AllLibraries() bool {
	return k.Libraries == ""
}

// LibraryIDs returns the explicit library set (nil for "all").
func (k MergeKey) LibraryIDs() []LibraryID {
	if k.Libraries == "" {
		return nil
	}
	parts := strings.Split(k.Libraries, ",")
	ids := make([]LibraryID, len(parts))
	for i, p := range parts {
		ids[i] = LibraryID(p)
	}
	return ids
}

func (k MergeKey) String() string {
	libs := k.Libraries
	if libs == "" {
		libs = "*"
	}
	return fmt.Sprintf("[%s]|%s|n=%d", libs, k.Query, k.PageSize)
}
