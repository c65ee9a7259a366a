package domain

import (
	"slices"
	"time"
)

// SearchResult is the accumulated result of one criteria at one library.
// IDs is a prefix of the library's full sorted match list; it only grows
// until the entry is reset.
type SearchResult struct {
	Key        SearchKey      `json:"-"`
	Criteria   SearchCriteria `json:"criteria"`
	IDs        []BookID       `json:"ids"`
	TotalCount int            `json:"total_count"`
	Known      bool           `json:"known"` // TotalCount came from a response
	Generation int64          `json:"generation"` // Fetch epoch token, newer wins
	Epoch      int64          `json:"epoch"`      // Bumped whenever IDs is replaced
	UpdatedAt  time.Time      `json:"updated_at"`

	// Transient state, not persisted
	Loading   bool   `json:"-"`
	Error     bool   `json:"-"`
	LastError string `json:"-"`
}

// Exhausted reports whether every match has been loaded.
func (r *SearchResult) Exhausted() bool {
	return r.Known && len(r.IDs) >= r.TotalCount
}

// HasMore reports whether the source may still have unloaded matches.
func (r *SearchResult) HasMore() bool {
	return !r.Exhausted()
}

// Clone returns a deep copy safe to hand out of the cache.
func (r *SearchResult) Clone() SearchResult {
	out := *r
	out.IDs = slices.Clone(r.IDs)
	return out
}

// FetchIntent is a cache's request for the dispatcher to load more ids.
type FetchIntent struct {
	Key        SearchKey
	Generation int64
	Restart    bool // Fetch from offset 0 and replace the ids
}

// FetchSpec is the page to request from a source.
type FetchSpec struct {
	Key        SearchKey
	Criteria   SearchCriteria
	Offset     int
	Limit      int
	Generation int64
	Restart    bool
}

// SearchPage is what a RemoteSearchClient returns for one page.
type SearchPage struct {
	TotalCount int
	Offset     int
	IDs        []BookID
	Books      []*Book // Metadata for IDs, when the source has it
}

// FetchResponse is a SearchPage stamped with the generation that asked for it.
type FetchResponse struct {
	Offset     int
	TotalCount int
	IDs        []BookID
	Generation int64
}

// Checkpoint records where a library's cursor stood at each merged page start.
type Checkpoint struct {
	PageOffsets    []int // Index i = cursor into the library's IDs at the start of page i
	CutOff         bool  // Ran out of loaded ids before the library was exhausted
	Exhausted      bool  // Every match was merged
	CutOffPosition int   // len(IDs) when the library ran out (cut off or exhausted)
	CutOffPage     int   // Merged page being built when it ran out
	Epoch          int64 // SearchResult.Epoch the offsets refer to
}

// RanOut reports whether the last merge consumed every loaded id.
func (c *Checkpoint) RanOut() bool {
	return c.CutOff || c.Exhausted
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.PageOffsets = slices.Clone(c.PageOffsets)
	return &out
}

// MergedResult is one merged view across libraries.
type MergedResult struct {
	Key           MergeKey
	Criteria      SearchCriteria
	Libraries     []LibraryID
	Books         []BookRef
	Checkpoints   map[LibraryID]*Checkpoint
	TotalCount    int
	Loading       bool
	Error         bool
	Failed        []LibraryID
	RequestedPage int
	UpdatedAt     time.Time
}

// MergedPage is a read-only page of a merged view for presentation.
type MergedPage struct {
	Key        MergeKey
	Page       int
	PageSize   int
	Books      []BookRef
	Merged     int // Length of the merged prefix
	TotalCount int
	Loading    bool
	Error      bool
	Failed     []LibraryID
	CutOff     []LibraryID
}

// Searching reports whether any participating library is still loading.
func (p MergedPage) Searching() bool { return p.Loading }

// Incomplete reports whether any participating library failed.
func (p MergedPage) Incomplete() bool { return p.Error }

// Complete reports whether the page holds every book it ever will.
func (p MergedPage) Complete() bool {
	want := min(p.PageSize, max(0, p.TotalCount-p.Page*p.PageSize))
	return len(p.Books) >= want && len(p.CutOff) == 0
}
