package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/libris/internal/domain"
	"github.com/segmentio/encoding/json"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketLibraries = []byte("libraries")
	bucketBooks     = []byte("books")
	bucketSearches  = []byte("searches")

	allBuckets = [][]byte{bucketLibraries, bucketBooks, bucketSearches}
)

// LibraryStore implements domain.LibraryBookStore and
// domain.SearchResultRepository using BoltDB.
// Keys start with "lib:{libID}:" so a library is wiped with one prefix delete.
type LibraryStore struct {
	db *bolt.DB
	mu sync.RWMutex // Protects memory cache

	// In-memory cache for hot-path reads (promoted on access)
	cache map[string][]byte
}

// NewLibraryStore opens (or creates) the catalog under baseCacheDir.
// An empty directory gives a memory-only store.
func NewLibraryStore(baseCacheDir string) (*LibraryStore, error) {
	if baseCacheDir == "" {
		return &LibraryStore{cache: make(map[string][]byte)}, nil
	}

	if err := os.MkdirAll(baseCacheDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(baseCacheDir, "libris.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &LibraryStore{db: db, cache: make(map[string][]byte)}, nil
}

func (s *LibraryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// libPrefix escapes the id so no library's prefix is a prefix of another's
// ("s/a" vs "s/a:x").
func libPrefix(lib domain.LibraryID) string {
	return "lib:" + url.QueryEscape(string(lib)) + ":"
}

func bookKey(lib domain.LibraryID, id domain.BookID) string {
	// Zero padded so bolt's byte order matches id order
	return fmt.Sprintf("%sbook:%020d", libPrefix(lib), id)
}

func searchKey(key domain.SearchKey) string {
	return libPrefix(key.Library) + "q:" + key.Query
}

// === Generic helpers ===

func (s *LibraryStore) get(bucket []byte, key string, dest interface{}) bool {
	cacheKey := string(bucket) + ":" + key

	s.mu.RLock()
	if data, ok := s.cache[cacheKey]; ok {
		s.mu.RUnlock()
		return json.Unmarshal(data, dest) == nil
	}
	s.mu.RUnlock()

	if s.db == nil {
		return false
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})

	if data == nil {
		return false
	}

	// Promote to memory cache
	s.mu.Lock()
	s.cache[cacheKey] = data
	s.mu.Unlock()

	return json.Unmarshal(data, dest) == nil
}

// scan returns the raw values of every key under prefix, in key order.
func (s *LibraryStore) scan(bucket []byte, prefix string) [][]byte {
	if s.db == nil {
		cachePrefix := string(bucket) + ":" + prefix
		s.mu.RLock()
		keys := make([]string, 0)
		for k := range s.cache {
			if strings.HasPrefix(k, cachePrefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		values := make([][]byte, len(keys))
		for i, k := range keys {
			values[i] = s.cache[k]
		}
		s.mu.RUnlock()
		return values
	}

	var values [][]byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			values = append(values, data)
		}
		return nil
	})
	return values
}

func (s *LibraryStore) setMany(bucket []byte, entries map[string]interface{}) error {
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		encoded[key] = data
	}

	s.mu.Lock()
	for key, data := range encoded {
		s.cache[string(bucket)+":"+key] = data
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil // Memory-only mode
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for key, data := range encoded {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LibraryStore) set(bucket []byte, key string, value interface{}) error {
	return s.setMany(bucket, map[string]interface{}{key: value})
}

func (s *LibraryStore) delete(bucket []byte, key string) {
	s.mu.Lock()
	delete(s.cache, string(bucket)+":"+key)
	s.mu.Unlock()

	if s.db == nil {
		return
	}

	s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b != nil {
			b.Delete([]byte(key))
		}
		return nil
	})
}

func (s *LibraryStore) deletePrefix(bucket []byte, prefix string) {
	s.mu.Lock()
	cachePrefix := string(bucket) + ":" + prefix
	for k := range s.cache {
		if strings.HasPrefix(k, cachePrefix) {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return
	}

	s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		// Collect first; deleting while iterating skips keys in bolt
		var keys [][]byte
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, _ := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// === Libraries ===

func (s *LibraryStore) GetLibraries() ([]domain.Library, bool) {
	var libs []domain.Library
	ok := s.get(bucketLibraries, "list", &libs)
	return libs, ok
}

func (s *LibraryStore) SaveLibraries(libs []domain.Library) error {
	return s.set(bucketLibraries, "list", libs)
}

// === Books ===

func (s *LibraryStore) GetBook(lib domain.LibraryID, id domain.BookID) (*domain.Book, bool) {
	var book domain.Book
	if !s.get(bucketBooks, bookKey(lib, id), &book) {
		return nil, false
	}
	return &book, true
}

// GetBooks returns every stored book of a library in id order.
func (s *LibraryStore) GetBooks(lib domain.LibraryID) ([]*domain.Book, bool) {
	values := s.scan(bucketBooks, libPrefix(lib)+"book:")
	if len(values) == 0 {
		return nil, false
	}
	books := make([]*domain.Book, 0, len(values))
	for _, data := range values {
		var book domain.Book
		if err := json.Unmarshal(data, &book); err != nil {
			continue
		}
		books = append(books, &book)
	}
	return books, true
}

func (s *LibraryStore) SaveBooks(lib domain.LibraryID, books []*domain.Book) error {
	if len(books) == 0 {
		return nil
	}
	entries := make(map[string]interface{}, len(books))
	for _, b := range books {
		if b == nil {
			continue
		}
		b.LibraryID = lib
		entries[bookKey(lib, b.ID)] = b
	}
	return s.setMany(bucketBooks, entries)
}

// === Search results ===

func (s *LibraryStore) GetSearchResult(key domain.SearchKey) (*domain.SearchResult, bool) {
	var result domain.SearchResult
	if !s.get(bucketSearches, searchKey(key), &result) {
		return nil, false
	}
	result.Key = key
	return &result, true
}

func (s *LibraryStore) SaveSearchResult(result *domain.SearchResult) error {
	return s.set(bucketSearches, searchKey(result.Key), result)
}

func (s *LibraryStore) DeleteSearchResult(key domain.SearchKey) {
	s.delete(bucketSearches, searchKey(key))
}

// === Cascade Invalidation ===

// InvalidateLibrary wipes the library's books and cached search results.
func (s *LibraryStore) InvalidateLibrary(lib domain.LibraryID) {
	prefix := libPrefix(lib)
	s.deletePrefix(bucketBooks, prefix)
	s.deletePrefix(bucketSearches, prefix)
}

func (s *LibraryStore) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()

	if s.db == nil {
		return
	}

	s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if tx.Bucket(bucket) == nil {
				continue
			}
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}
