package domain

import (
	"cmp"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Collator compares sort titles. Not safe for concurrent use; create one per
// goroutine (merges and local searches each own one).
type Collator struct {
	c *collate.Collator
}

// NewCollator returns a case and diacritic insensitive collator.
func NewCollator() *Collator {
	return &Collator{c: collate.New(language.Und, collate.IgnoreCase, collate.IgnoreDiacritics, collate.Numeric)}
}

func (c *Collator) compare(a, b string) int {
	if c == nil || c.c == nil {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
	return c.c.CompareString(a, b)
}

// Compare orders two books for a sort key. Descending swaps the operands, so
// the tie-break (book id, then library) flips with the direction too; that
// keeps a merged order consistent with a single library's server order.
func Compare(a, b *Book, key SortKey, coll *Collator) int {
	if !key.Ascending {
		a, b = b, a
	}
	if c := compareField(a, b, key.Field, coll); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.LibraryID, b.LibraryID)
}

func compareField(a, b *Book, field SortField, coll *Collator) int {
	switch field {
	case SortByTitle:
		return coll.compare(a.GetSortTitle(), b.GetSortTitle())
	case SortByAdded:
		return compareTime(a.AddedAt, b.AddedAt)
	case SortByPublication:
		return compareTime(a.PublishedAt, b.PublishedAt)
	case SortByModified:
		return compareTime(a.LastModified, b.LastModified)
	case SortBySeriesIndex:
		// Books outside a series sort after series members in ascending order.
		if c := compareBool(a.Series == "", b.Series == ""); c != 0 {
			return c
		}
		if c := coll.compare(a.Series, b.Series); c != 0 {
			return c
		}
		return cmp.Compare(a.SeriesIndex, b.SeriesIndex)
	default:
		return 0
	}
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}

// compareBool orders false before true.
func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}
