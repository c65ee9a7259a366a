package calibre

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/libris/internal/domain"
	"github.com/segmentio/encoding/json"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "Libris/1.0"
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// sortFields maps sort fields to calibre's column names
var sortFields = map[domain.SortField]string{
	domain.SortByTitle:       "sort",
	domain.SortByAdded:       "timestamp",
	domain.SortByPublication: "pubdate",
	domain.SortByModified:    "last_modified",
	domain.SortBySeriesIndex: "series",
}

// Client implements domain.RemoteSearchClient for a calibre content server
type Client struct {
	serverID   string
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new calibre content server client. Library ids it
// returns are prefixed with serverID.
func NewClient(serverID, baseURL, username, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverID: serverID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
	}
}

// retryDelay is a variable so tests can shorten the backoff.
var retryDelay = func(attempt int) time.Duration {
	return baseRetryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
}

// doRequest performs an HTTP GET against the content server.
// Includes retry logic with exponential backoff for 5xx server errors
func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		c.logger.Debug("calibre request", "url", reqURL, "attempt", attempt)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("calibre request failed", "error", err)
			return nil, fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, domain.ErrAuthFailed
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", domain.ErrLibraryNotFound, path)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d", domain.ErrServerOffline, resp.StatusCode)
			c.logger.Warn("calibre server error, will retry",
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxRetries", maxRetries,
				"path", path,
			)
			continue
		case resp.StatusCode != http.StatusOK:
			c.logger.Error("calibre request error", "status", resp.StatusCode, "body", string(body))
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return body, nil
	}

	c.logger.Error("calibre request failed after retries", "error", lastErr, "url", reqURL)
	return nil, lastErr
}

// GetLibraries returns the libraries served by the content server
func (c *Client) GetLibraries(ctx context.Context) ([]domain.Library, error) {
	body, err := c.doRequest(ctx, "/ajax/library-info", nil)
	if err != nil {
		return nil, err
	}

	var info LibraryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	libs := make([]domain.Library, 0, len(info.LibraryMap))
	for id, name := range info.LibraryMap {
		libs = append(libs, domain.Library{
			ID:       domain.NewLibraryID(c.serverID, id),
			ServerID: c.serverID,
			Name:     name,
		})
	}
	return libs, nil
}

// Search returns one page of matching book ids with their metadata
func (c *Client) Search(ctx context.Context, lib domain.LibraryID, criteria domain.SearchCriteria, offset, limit int) (*domain.SearchPage, error) {
	if lib.Server() != c.serverID {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, lib)
	}

	sortField, ok := sortFields[criteria.Sort.Field]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported sort %s", domain.ErrInvalidCriteria, criteria.Sort)
	}
	order := "desc"
	if criteria.Sort.Ascending {
		order = "asc"
	}

	query := url.Values{}
	query.Set("query", BuildQuery(criteria))
	query.Set("sort", sortField)
	query.Set("sort_order", order)
	query.Set("offset", strconv.Itoa(offset))
	query.Set("num", strconv.Itoa(max(0, limit)))

	body, err := c.doRequest(ctx, "/ajax/search/"+url.PathEscape(lib.Name()), query)
	if err != nil {
		return nil, err
	}

	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	page := &domain.SearchPage{
		TotalCount: resp.TotalNum,
		Offset:     resp.Offset,
		IDs:        make([]domain.BookID, len(resp.BookIDs)),
	}
	for i, id := range resp.BookIDs {
		page.IDs[i] = domain.BookID(id)
	}

	// Metadata is best effort; the merge tolerates missing books
	if len(page.IDs) > 0 {
		books, err := c.getBooks(ctx, lib, page.IDs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			c.logger.Warn("failed to fetch book metadata", "libID", lib, "error", err)
		}
		page.Books = books
	}

	return page, nil
}

// getBooks fetches metadata for ids, in the same order.
func (c *Client) getBooks(ctx context.Context, lib domain.LibraryID, ids []domain.BookID) ([]*domain.Book, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	query := url.Values{}
	query.Set("ids", strings.Join(parts, ","))

	body, err := c.doRequest(ctx, "/ajax/books/"+url.PathEscape(lib.Name()), query)
	if err != nil {
		return nil, err
	}

	var resp map[string]*BookMetadata
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	books := make([]*domain.Book, 0, len(ids))
	for i, id := range ids {
		if m := resp[parts[i]]; m != nil {
			books = append(books, mapBook(lib, id, m))
		}
	}
	return books, nil
}

func mapBook(lib domain.LibraryID, id domain.BookID, m *BookMetadata) *domain.Book {
	return &domain.Book{
		ID:           id,
		LibraryID:    lib,
		Title:        m.Title,
		SortTitle:    m.TitleSort,
		Authors:      m.Authors,
		Series:       m.Series,
		SeriesIndex:  m.SeriesIndex,
		Tags:         m.Tags,
		Publisher:    m.Publisher,
		Languages:    m.Languages,
		Rating:       m.Rating,
		AddedAt:      m.Timestamp,
		PublishedAt:  m.PubDate,
		LastModified: m.LastModified,
	}
}

// BuildQuery compiles criteria text and filters into calibre search syntax:
// the text AND each category, values within a category OR'ed, every value
// an exact match.
func BuildQuery(c domain.SearchCriteria) string {
	n := c.Normalize()
	var clauses []string
	if n.Query != "" {
		clauses = append(clauses, "("+n.Query+")")
	}
	for _, cat := range domain.Categories {
		values := n.Filters[cat]
		if len(values) == 0 {
			continue
		}
		terms := make([]string, len(values))
		for i, v := range values {
			terms[i] = fmt.Sprintf(`%s:"=%s"`, cat, escape(v))
		}
		clauses = append(clauses, "("+strings.Join(terms, " or ")+")")
	}
	return strings.Join(clauses, " and ")
}

func escape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
}
