package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mmcdole/libris/internal/adapter"
	"github.com/mmcdole/libris/internal/adapter/source"
	"github.com/mmcdole/libris/internal/browse"
	"github.com/mmcdole/libris/internal/domain"
	"github.com/mmcdole/libris/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is set at build time via -ldflags
var Version = "dev"

type options struct {
	configPath string
	query      string
	sort       string
	libraries  string
	filters    filterFlag
	page       int
	pageSize   int
	importPath string
	refresh    bool
	timeout    time.Duration
}

func main() {
	opts := options{filters: filterFlag{}}
	var showVersion bool
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/libris/config.yaml)")
	flag.StringVar(&opts.query, "q", "", "search text")
	flag.StringVar(&opts.sort, "sort", "title:asc", "sort field[:asc|:desc] (title, added, publication, modified, series_index)")
	flag.StringVar(&opts.libraries, "libs", "", "comma separated library ids (default all)")
	flag.Var(opts.filters, "filter", "category=value filter, repeatable (authors, tags, series, publisher, languages)")
	flag.IntVar(&opts.page, "page", 0, "page to show, from 0")
	flag.IntVar(&opts.pageSize, "page-size", 0, "books per page (default from config)")
	flag.StringVar(&opts.importPath, "import", "", "JSON book export to import into local servers")
	flag.BoolVar(&opts.refresh, "refresh", false, "discard cached results and search again")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the page")
	flag.Parse()

	if showVersion {
		fmt.Printf("libris %s\n", Version)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := adapter.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.IsConfigured() {
		return fmt.Errorf("no servers configured")
	}
	if opts.importPath != "" {
		for i := range cfg.Servers {
			if cfg.Servers[i].Type == adapter.SourceTypeLocal {
				cfg.Servers[i].Import = opts.importPath
			}
		}
	}

	// Setup logger
	logger, closer, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
	} else {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	logger.Info("starting libris", "version", Version)

	pageSize := cfg.Search.PageSize
	if opts.pageSize > 0 {
		pageSize = opts.pageSize
	}
	criteria, err := buildCriteria(opts.query, opts.sort, opts.filters, pageSize)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := adapter.NewMetrics(prometheus.NewRegistry())
	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, metrics, logger)
		defer shutdown()
	}

	catalog, err := store.NewLibraryStore(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer catalog.Close()

	router, err := source.NewFromConfig(cfg, catalog, logger)
	if err != nil {
		return fmt.Errorf("failed to create sources: %w", err)
	}

	b := browse.New(router, catalog, catalog, browse.OptionsFromConfig(cfg), metrics, logger)
	events := make(chan domain.MergeEvent, 16)
	b.AddMergeObserver(browse.NewChannelObserver(events))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
		b.Wait()
	}()

	if _, err := b.Commands.FetchLibraries(ctx); err != nil {
		logger.Warn("using cached library list", "error", err)
	}

	key, err := b.Commands.Open(ctx, parseLibraries(opts.libraries), criteria)
	if err != nil {
		return err
	}
	if opts.refresh {
		if err := b.Commands.Refresh(ctx, key); err != nil {
			return err
		}
	}

	page, err := waitForPage(ctx, b, key, opts.page, events, opts.timeout)
	if err != nil {
		return err
	}
	printPage(os.Stdout, b.Queries, page)
	return nil
}

// waitForPage requests a page and waits until it is complete, every
// library has settled, or the timeout passes.
func waitForPage(ctx context.Context, b *browse.Browser, key domain.MergeKey, pageNum int, events <-chan domain.MergeEvent, timeout time.Duration) (domain.MergedPage, error) {
	page, err := b.Commands.Request(ctx, key, pageNum)
	if err != nil {
		return domain.MergedPage{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for !settled(page) {
		select {
		case <-ctx.Done():
			return page, ctx.Err()
		case <-deadline.C:
			slog.Warn("timed out waiting for page", "key", key.String(), "page", pageNum)
			return page, nil
		case e := <-events:
			if e.Key != key {
				continue
			}
		}
		if page, err = b.Queries.GetMergedPage(key, pageNum); err != nil {
			return domain.MergedPage{}, err
		}
	}
	return page, nil
}

// settled reports whether waiting longer cannot change the page.
func settled(p domain.MergedPage) bool {
	if p.Searching() {
		return false
	}
	return p.Complete() || p.Incomplete()
}

func printPage(w io.Writer, q *browse.Queries, page domain.MergedPage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, ref := range page.Books {
		n := page.Page*page.PageSize + i + 1
		book, ok := q.GetBook(ref)
		if !ok {
			fmt.Fprintf(tw, "%d\t(unknown book %d)\t\t%s\n", n, ref.ID, ref.Library)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", n, book.Title, strings.Join(book.Authors, ", "), ref.Library)
	}
	tw.Flush()

	pages := 0
	if page.PageSize > 0 {
		pages = (page.TotalCount + page.PageSize - 1) / page.PageSize
	}
	fmt.Fprintf(w, "\npage %d of %d, %d books\n", page.Page+1, pages, page.TotalCount)
	if len(page.Failed) > 0 {
		fmt.Fprintf(w, "results incomplete, failed libraries: %v\n", page.Failed)
	}
	if len(page.CutOff) > 0 {
		fmt.Fprintf(w, "still loading: %v\n", page.CutOff)
	}
}

// serveMetrics starts the prometheus listener and returns its shutdown func.
func serveMetrics(addr string, metrics *adapter.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
