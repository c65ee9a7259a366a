package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/adapter/source/calibre"
	"github.com/mmcdole/libris/internal/adapter/source/local"
	"github.com/mmcdole/libris/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Router implements domain.RemoteSearchClient over several servers,
// routing each library to the server named by its id.
type Router struct {
	sources map[string]domain.RemoteSearchClient
	logger  *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sources: make(map[string]domain.RemoteSearchClient),
		logger:  logger,
	}
}

// Add registers the client serving serverID.
func (r *Router) Add(serverID string, client domain.RemoteSearchClient) {
	r.sources[serverID] = client
}

// Servers returns the registered server ids in order.
func (r *Router) Servers() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetLibraries lists every server's libraries concurrently. A server that
// fails does not hide the others: their libraries are returned together
// with the joined errors.
func (r *Router) GetLibraries(ctx context.Context) ([]domain.Library, error) {
	servers := r.Servers()
	results := make([][]domain.Library, len(servers))
	errs := make([]error, len(servers))

	var g errgroup.Group
	for i, id := range servers {
		g.Go(func() error {
			libs, err := r.sources[id].GetLibraries(ctx)
			if err != nil {
				r.logger.Warn("failed to list libraries", "server", id, "error", err)
				errs[i] = fmt.Errorf("server %s: %w", id, err)
				return nil
			}
			results[i] = libs
			return nil
		})
	}
	_ = g.Wait()

	var all []domain.Library
	for _, libs := range results {
		all = append(all, libs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, errors.Join(errs...)
}

// Search forwards to the server owning lib.
func (r *Router) Search(ctx context.Context, lib domain.LibraryID, c domain.SearchCriteria, offset, limit int) (*domain.SearchPage, error) {
	client, ok := r.sources[lib.Server()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, lib)
	}
	return client.Search(ctx, lib, c, offset, limit)
}

// NewFromConfig builds a router with one client per configured server.
// Local servers import their configured file into catalog; an import that
// fails is logged and the server still serves what the catalog holds.
func NewFromConfig(cfg *adapter.Config, catalog domain.LibraryBookStore, logger *slog.Logger) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	r := NewRouter(logger)

	for _, s := range cfg.Servers {
		switch s.Type {
		case adapter.SourceTypeCalibre:
			r.Add(s.ID, calibre.NewClient(s.ID, s.URL, s.Username, s.Password, r.logger.With("server", s.ID)))

		case adapter.SourceTypeLocal:
			client := local.NewClient(s.ID, s.Libraries, catalog, r.logger.With("server", s.ID))
			if s.Import != "" {
				if _, err := client.Import(s.Import); err != nil {
					r.logger.Error("failed to import books", "server", s.ID, "path", s.Import, "error", err)
				}
			}
			r.Add(s.ID, client)

		default:
			return nil, fmt.Errorf("unknown server type: %s", s.Type)
		}
	}
	return r, nil
}
