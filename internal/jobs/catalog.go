// Package jobs holds the closed set of named jobs the scheduler can run and
// their bodies.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/catalog"
	"catalogd/internal/recurrence"
	"catalogd/internal/storage"
	logx "catalogd/pkg/logx"
)

type Name string

const (
	TrendingAnime Name = "trendingAnime"
	TrendingManga Name = "trendingManga"
	Refresh       Name = "refresh"
	Genres        Name = "genres"
)

// Names lists every job in a stable order.
var Names = []Name{TrendingAnime, TrendingManga, Refresh, Genres}

// DefaultGenres is used when no genre list is configured.
var DefaultGenres = []string{"action", "romance", "comedy", "thriller", "fantasy"}

var ErrUnknownJob = errors.New("unknown job")

// UnknownJobError names the job that was asked for.
type UnknownJobError struct{ Name string }

func (e *UnknownJobError) Error() string        { return fmt.Sprintf("unknown job: %s", e.Name) }
func (e *UnknownJobError) Is(target error) bool { return target == ErrUnknownJob }

// Handler is one job body.
type Handler func(ctx context.Context) error

// Default is the seed schedule of a job.
type Default struct {
	Name        Name
	Interval    recurrence.Kind
	Description string
}

// Defaults are the schedules created on first initialization.
var Defaults = []Default{
	{TrendingAnime, recurrence.KindDaily, "Fetch trending anime from external sources"},
	{TrendingManga, recurrence.KindDaily, "Fetch trending manga from external sources"},
	{Refresh, recurrence.KindHourly, "Update content trend scores and rankings"},
	{Genres, recurrence.KindWeekly, "Fetch top content by genres"},
}

// ContentStore is what the jobs need from the content layer.
type ContentStore interface {
	FindByExternalID(ctx context.Context, externalID, source string) (storage.ContentItem, bool, error)
	Create(ctx context.Context, it storage.ContentItem) (storage.ContentItem, error)
	RecomputeTrendScores(ctx context.Context) (int, error)
}

// CatalogClient is what the jobs need from the external catalog.
type CatalogClient interface {
	TrendingAnime(ctx context.Context) ([]catalog.Media, error)
	TrendingManga(ctx context.Context) ([]catalog.Media, error)
	ByGenre(ctx context.Context, genre string, typ catalog.MediaType) ([]catalog.Media, error)
}

type Options struct {
	Genres []string
	// GenreConcurrency bounds parallel genre fetches. The catalog client's
	// limiter still applies across all of them.
	GenreConcurrency int
}

// Catalog maps job names to bodies.
type Catalog struct {
	content ContentStore
	client  CatalogClient
	log     logx.Logger
	now     func() time.Time

	mu   sync.RWMutex
	opts Options
}

func New(content ContentStore, client CatalogClient, opts Options, log logx.Logger) *Catalog {
	c := &Catalog{content: content, client: client, log: log, now: time.Now}
	c.Apply(opts)
	return c
}

// Apply swaps the genre settings; running jobs keep the list they started with.
func (c *Catalog) Apply(opts Options) {
	genres := make([]string, 0, len(opts.Genres))
	for _, g := range opts.Genres {
		if g = strings.TrimSpace(g); g != "" {
			genres = append(genres, g)
		}
	}
	if len(genres) == 0 {
		genres = append(genres, DefaultGenres...)
	}
	opts.Genres = genres
	if opts.GenreConcurrency <= 0 {
		opts.GenreConcurrency = 2
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

func (c *Catalog) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o := c.opts
	o.Genres = append([]string(nil), o.Genres...)
	return o
}

// Known reports whether name is a registered job.
func Known(name string) bool {
	for _, n := range Names {
		if string(n) == name {
			return true
		}
	}
	return false
}

// Lookup returns the body for name, or an *UnknownJobError.
func (c *Catalog) Lookup(name string) (Handler, error) {
	switch Name(name) {
	case TrendingAnime:
		return func(ctx context.Context) error {
			_, err := c.FetchTrendingAnime(ctx)
			return err
		}, nil
	case TrendingManga:
		return func(ctx context.Context) error {
			_, err := c.FetchTrendingManga(ctx)
			return err
		}, nil
	case Refresh:
		return func(ctx context.Context) error {
			_, err := c.RefreshTrendScores(ctx)
			return err
		}, nil
	case Genres:
		return func(ctx context.Context) error {
			_, err := c.FetchAllGenres(ctx)
			return err
		}, nil
	}
	return nil, &UnknownJobError{Name: name}
}
