// Package content owns catalog entries: validation, queries, publishing and
// trend scoring.
package content

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/storage"
	logx "catalogd/pkg/logx"
)

// ErrInvalid marks a rejected create or update.
var ErrInvalid = errors.New("invalid content")

const (
	DefaultPageSize     = 20
	DefaultTrendingSize = 10
	MaxPageSize         = 100
)

type Service struct {
	store storage.ContentStore
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.ContentStore, log logx.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// FindByExternalID reports whether an item from source with externalID exists.
func (s *Service) FindByExternalID(ctx context.Context, externalID, source string) (storage.ContentItem, bool, error) {
	it, err := s.store.FindContentByExternalID(ctx, externalID, source)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ContentItem{}, false, nil
	}
	if err != nil {
		return storage.ContentItem{}, false, err
	}
	return it, true, nil
}

// Create validates and stores a new item. A repeated (externalId, source)
// yields storage.ErrDuplicate.
func (s *Service) Create(ctx context.Context, it storage.ContentItem) (storage.ContentItem, error) {
	it = normalize(it)
	if it.Source == "" {
		it.Source = storage.SourceManual
	}
	if it.Status == "" {
		it.Status = storage.StatusDraft
	}
	if err := validate(it); err != nil {
		return storage.ContentItem{}, err
	}
	return s.store.CreateContent(ctx, it)
}

func (s *Service) Get(ctx context.Context, id string) (storage.ContentItem, error) {
	return s.store.GetContent(ctx, id)
}

// Patch carries a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Synopsis    *string   `json:"synopsis,omitempty"`
	PosterURL   *string   `json:"posterUrl,omitempty"`
	Type        *string   `json:"type,omitempty"`
	Genres      *[]string `json:"genres,omitempty"`
	Rating      *float64  `json:"rating,omitempty"`
	Popularity  *int      `json:"popularity,omitempty"`
	ReleaseYear *int      `json:"releaseYear,omitempty"`
	Status      *string   `json:"status,omitempty"`
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (storage.ContentItem, error) {
	it, err := s.store.GetContent(ctx, id)
	if err != nil {
		return storage.ContentItem{}, err
	}
	if p.Title != nil {
		it.Title = *p.Title
	}
	if p.Synopsis != nil {
		it.Synopsis = *p.Synopsis
	}
	if p.PosterURL != nil {
		it.PosterURL = *p.PosterURL
	}
	if p.Type != nil {
		it.Type = *p.Type
	}
	if p.Genres != nil {
		it.Genres = *p.Genres
	}
	if p.Rating != nil {
		it.Rating = *p.Rating
	}
	if p.Popularity != nil {
		it.Popularity = *p.Popularity
	}
	if p.ReleaseYear != nil {
		it.ReleaseYear = *p.ReleaseYear
	}
	if p.Status != nil {
		it.Status = *p.Status
	}
	it = normalize(it)
	if err := validate(it); err != nil {
		return storage.ContentItem{}, err
	}
	return s.store.UpdateContent(ctx, it)
}

// SetStatus publishes or unpublishes an item.
func (s *Service) SetStatus(ctx context.Context, id, status string) (storage.ContentItem, error) {
	return s.Update(ctx, id, Patch{Status: &status})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteContent(ctx, id)
}

// ListParams are the query options of List. Page is 1-based.
type ListParams struct {
	Type   string
	Genre  string
	Source string
	Status string
	Sort   string
	Page   int
	Limit  int
}

type ListResult struct {
	Items []storage.ContentItem `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Pages int                   `json:"pages"`
}

func (s *Service) List(ctx context.Context, p ListParams) (ListResult, error) {
	page := max(p.Page, 1)
	limit := clampLimit(p.Limit, DefaultPageSize)
	items, total, err := s.store.ListContent(ctx, storage.ContentQuery{
		Type:   strings.ToLower(strings.TrimSpace(p.Type)),
		Genre:  strings.TrimSpace(p.Genre),
		Source: strings.ToLower(strings.TrimSpace(p.Source)),
		Status: strings.ToLower(strings.TrimSpace(p.Status)),
		Sort:   sortKey(p.Sort),
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		Items: items,
		Total: total,
		Page:  page,
		Limit: limit,
		Pages: (total + limit - 1) / limit,
	}, nil
}

// Trending returns the highest-scored published items.
func (s *Service) Trending(ctx context.Context, typ string, limit int) ([]storage.ContentItem, error) {
	items, _, err := s.store.ListContent(ctx, storage.ContentQuery{
		Type:   strings.ToLower(strings.TrimSpace(typ)),
		Status: storage.StatusPublished,
		Sort:   storage.SortTrending,
		Limit:  clampLimit(limit, DefaultTrendingSize),
	})
	return items, err
}

// ByGenre returns published items of one genre, best trending first.
func (s *Service) ByGenre(ctx context.Context, genre string, limit int) ([]storage.ContentItem, error) {
	genre = strings.TrimSpace(genre)
	if genre == "" {
		return nil, errors.Wrap(ErrInvalid, "genre is required")
	}
	items, _, err := s.store.ListContent(ctx, storage.ContentQuery{
		Genre:  genre,
		Status: storage.StatusPublished,
		Sort:   storage.SortTrending,
		Limit:  clampLimit(limit, DefaultPageSize),
	})
	return items, err
}

func sortKey(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trendscore", storage.SortTrending:
		return storage.SortTrending
	case "createdat", storage.SortNewest:
		return storage.SortNewest
	case storage.SortRating:
		return storage.SortRating
	case storage.SortPopularity:
		return storage.SortPopularity
	case storage.SortTitle:
		return storage.SortTitle
	}
	return storage.SortTrending
}

func clampLimit(v, def int) int {
	if v <= 0 {
		return def
	}
	return min(v, MaxPageSize)
}

func normalize(it storage.ContentItem) storage.ContentItem {
	it.Title = strings.TrimSpace(it.Title)
	it.Type = strings.ToLower(strings.TrimSpace(it.Type))
	it.Source = strings.ToLower(strings.TrimSpace(it.Source))
	it.Status = strings.ToLower(strings.TrimSpace(it.Status))
	it.ExternalID = strings.TrimSpace(it.ExternalID)
	genres := make([]string, 0, len(it.Genres))
	seen := map[string]bool{}
	for _, g := range it.Genres {
		g = strings.TrimSpace(g)
		k := strings.ToLower(g)
		if g == "" || seen[k] {
			continue
		}
		seen[k] = true
		genres = append(genres, g)
	}
	it.Genres = genres
	return it
}

func validate(it storage.ContentItem) error {
	switch {
	case it.Title == "":
		return errors.Wrap(ErrInvalid, "title is required")
	case it.Type != storage.TypeAnime && it.Type != storage.TypeManga:
		return errors.Wrapf(ErrInvalid, "type must be %q or %q", storage.TypeAnime, storage.TypeManga)
	case it.Source != storage.SourceAniList && it.Source != storage.SourceManual:
		return errors.Wrapf(ErrInvalid, "unknown source %q", it.Source)
	case it.Status != storage.StatusDraft && it.Status != storage.StatusPublished:
		return errors.Wrapf(ErrInvalid, "unknown status %q", it.Status)
	case it.Rating < 0 || it.Rating > 10:
		return errors.Wrap(ErrInvalid, "rating must be between 0 and 10")
	case it.Popularity < 0:
		return errors.Wrap(ErrInvalid, "popularity must be >= 0")
	}
	return nil
}
