package domain

// SearchEventKind says what happened to a per-library search result.
type SearchEventKind int

const (
	SearchCreated SearchEventKind = iota
	SearchLoading
	SearchAppended
	SearchRestarted
	SearchReset
	SearchFailed
	SearchDropped
)

func (k SearchEventKind) String() string {
	switch k {
	case SearchCreated:
		return "created"
	case SearchLoading:
		return "loading"
	case SearchAppended:
		return "appended"
	case SearchRestarted:
		return "restarted"
	case SearchReset:
		return "reset"
	case SearchFailed:
		return "failed"
	case SearchDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SearchEvent reports a change to one per-library search result.
type SearchEvent struct {
	Key        SearchKey
	Kind       SearchEventKind
	Count      int // len(IDs) after the change
	Total      int
	Generation int64
	Err        error
}

// SearchObserver receives per-library search changes.
// Called after the cache lock is released, from the mutating goroutine.
type SearchObserver interface {
	OnSearchChanged(event SearchEvent)
}

// MergeEvent reports that a merged view was recomputed.
type MergeEvent struct {
	Key     MergeKey
	Page    int
	Merged  int
	Total   int
	Loading bool
	Error   bool
	Ready   bool // Requested page is complete
}

// MergeObserver receives merged-page-ready notifications.
type MergeObserver interface {
	OnMergeChanged(event MergeEvent)
}

// NoOpObserver discards events (for testing/batch operations).
type NoOpObserver struct{}

func (NoOpObserver) OnSearchChanged(SearchEvent) {}
func (NoOpObserver) OnMergeChanged(MergeEvent)   {}
