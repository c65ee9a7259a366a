package main

import (
	"fmt"
	"strings"

	"github.com/mmcdole/libris/internal/domain"
)

// filterFlag collects repeated -filter category=value flags.
type filterFlag map[string][]string

func (f filterFlag) String() string {
	var parts []string
	for cat, values := range f {
		for _, v := range values {
			parts = append(parts, cat+"="+v)
		}
	}
	return strings.Join(parts, ",")
}

func (f filterFlag) Set(s string) error {
	cat, value, ok := strings.Cut(s, "=")
	cat = strings.ToLower(strings.TrimSpace(cat))
	if !ok || cat == "" || strings.TrimSpace(value) == "" {
		return fmt.Errorf("filter must be category=value, got %q", s)
	}
	f[cat] = append(f[cat], strings.TrimSpace(value))
	return nil
}

// parseLibraries splits a comma separated list of library ids. Empty means
// every library.
func parseLibraries(s string) []domain.LibraryID {
	var ids []domain.LibraryID
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, domain.LibraryID(part))
		}
	}
	return ids
}

// buildCriteria assembles and validates the criteria from flag values.
func buildCriteria(query, sortKey string, filters filterFlag, pageSize int) (domain.SearchCriteria, error) {
	sort, err := domain.ParseSortKey(sortKey)
	if err != nil {
		return domain.SearchCriteria{}, err
	}
	c := domain.SearchCriteria{
		Query:    query,
		Sort:     sort,
		Filters:  filters,
		PageSize: pageSize,
	}
	if err := c.Validate(); err != nil {
		return domain.SearchCriteria{}, err
	}
	return c.Normalize(), nil
}
