package calibre

import "time"

// LibraryInfo is the response of /ajax/library-info
type LibraryInfo struct {
	LibraryMap     map[string]string `json:"library_map"` // id -> display name
	DefaultLibrary string            `json:"default_library"`
}

// SearchResponse is the response of /ajax/search/{library}
type SearchResponse struct {
	TotalNum  int     `json:"total_num"`
	Offset    int     `json:"offset"`
	Num       int     `json:"num"`
	Sort      string  `json:"sort"`
	SortOrder string  `json:"sort_order"`
	Query     string  `json:"query"`
	LibraryID string  `json:"library_id"`
	BookIDs   []int64 `json:"book_ids"`
}

// BookMetadata is one entry of /ajax/books/{library}. Unknown ids map to null.
type BookMetadata struct {
	Title        string    `json:"title"`
	TitleSort    string    `json:"sort"`
	Authors      []string  `json:"authors"`
	Series       string    `json:"series"`
	SeriesIndex  float64   `json:"series_index"`
	Tags         []string  `json:"tags"`
	Publisher    string    `json:"publisher"`
	Languages    []string  `json:"languages"`
	Rating       float64   `json:"rating"`
	Timestamp    time.Time `json:"timestamp"` // Date added
	PubDate      time.Time `json:"pubdate"`
	LastModified time.Time `json:"last_modified"`
}
