package calibre

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	retryDelay = func(int) time.Duration { return time.Millisecond }
}

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("home", srv.URL, "", "", adapter.NullLogger())
}

func TestGetLibraries(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ajax/library-info", r.URL.Path)
		w.Write([]byte(`{"library_map":{"Fiction":"Fiction Shelf"},"default_library":"Fiction"}`))
	})

	libs, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, domain.LibraryID("home/Fiction"), libs[0].ID)
	assert.Equal(t, "home", libs[0].ServerID)
	assert.Equal(t, "Fiction Shelf", libs[0].Name)
}

func TestSearch(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ajax/search/Fiction":
			q := r.URL.Query()
			assert.Equal(t, `(dune) and (tags:"=sf")`, q.Get("query"))
			assert.Equal(t, "timestamp", q.Get("sort"))
			assert.Equal(t, "desc", q.Get("sort_order"))
			assert.Equal(t, "10", q.Get("offset"))
			assert.Equal(t, "2", q.Get("num"))
			w.Write([]byte(`{"total_num":12,"offset":10,"num":2,"book_ids":[7,3]}`))
		case "/ajax/books/Fiction":
			assert.Equal(t, "7,3", r.URL.Query().Get("ids"))
			w.Write([]byte(`{
				"7":{"title":"Dune","sort":"Dune","authors":["Frank Herbert"],"tags":["sf"],
				     "timestamp":"2021-05-01T12:00:00+00:00","pubdate":null},
				"3":null
			}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	criteria := domain.SearchCriteria{
		Query:   "dune",
		Sort:    domain.SortKey{Field: domain.SortByAdded},
		Filters: map[string][]string{"tags": {"sf"}},
	}
	page, err := c.Search(context.Background(), "home/Fiction", criteria, 10, 2)
	require.NoError(t, err)

	assert.Equal(t, 12, page.TotalCount)
	assert.Equal(t, 10, page.Offset)
	assert.Equal(t, []domain.BookID{7, 3}, page.IDs)
	require.Len(t, page.Books, 1, "null metadata is skipped")
	b := page.Books[0]
	assert.Equal(t, domain.BookID(7), b.ID)
	assert.Equal(t, domain.LibraryID("home/Fiction"), b.LibraryID)
	assert.Equal(t, []string{"Frank Herbert"}, b.Authors)
	assert.Equal(t, 2021, b.AddedAt.Year())
	assert.True(t, b.PublishedAt.IsZero())
}

func TestSearch_WrongServer(t *testing.T) {
	c := NewClient("home", "http://unused", "", "", adapter.NullLogger())
	_, err := c.Search(context.Background(), "other/Fiction", domain.SearchCriteria{}, 0, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownSource)
}

func TestDoRequest_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthFailed},
		{"missing library", http.StatusNotFound, domain.ErrLibraryNotFound},
		{"server error", http.StatusBadGateway, domain.ErrServerOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.GetLibraries(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDoRequest_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"library_map":{}}`))
	})

	libs, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, libs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoRequest_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "reader" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"library_map":{"a":"A"}}`))
	}))
	defer srv.Close()

	c := NewClient("home", srv.URL+"/", "reader", "secret", adapter.NullLogger())
	libs, err := c.GetLibraries(context.Background())
	require.NoError(t, err)
	assert.Len(t, libs, 1)
}

func TestDoRequest_Offline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient("home", url, "", "", adapter.NullLogger())
	_, err := c.GetLibraries(context.Background())
	assert.ErrorIs(t, err, domain.ErrServerOffline)
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name     string
		criteria domain.SearchCriteria
		want     string
	}{
		{"empty", domain.SearchCriteria{}, ""},
		{"text only", domain.SearchCriteria{Query: "  dune "}, "(dune)"},
		{"filters only", domain.SearchCriteria{Filters: map[string][]string{
			"tags":    {"sf", "classic"},
			"authors": {"Frank Herbert"},
		}}, `(authors:"=Frank Herbert") and (tags:"=classic" or tags:"=sf")`},
		{"quotes escaped", domain.SearchCriteria{Query: "x", Filters: map[string][]string{
			"series": {`The "Saga"`},
		}}, `(x) and (series:"=The \"Saga\"")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.criteria))
		})
	}
}
