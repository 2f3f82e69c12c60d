package jobs

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"catalogd/internal/catalog"
	"catalogd/internal/storage"
	logx "catalogd/pkg/logx"
)

// IngestReport counts what one ingestion did.
type IngestReport struct {
	Fetched int
	Created int
	Skipped int
}

func (r *IngestReport) add(o IngestReport) {
	r.Fetched += o.Fetched
	r.Created += o.Created
	r.Skipped += o.Skipped
}

func (c *Catalog) FetchTrendingAnime(ctx context.Context) (IngestReport, error) {
	media, err := c.client.TrendingAnime(ctx)
	if err != nil {
		return IngestReport{}, errors.Wrap(err, "fetch trending anime")
	}
	return c.ingest(ctx, string(TrendingAnime), storage.TypeAnime, media)
}

func (c *Catalog) FetchTrendingManga(ctx context.Context) (IngestReport, error) {
	media, err := c.client.TrendingManga(ctx)
	if err != nil {
		return IngestReport{}, errors.Wrap(err, "fetch trending manga")
	}
	return c.ingest(ctx, string(TrendingManga), storage.TypeManga, media)
}

// FetchTopByGenre ingests the most popular items of one genre.
func (c *Catalog) FetchTopByGenre(ctx context.Context, genre, typ string) (IngestReport, error) {
	mt, err := catalog.ParseMediaType(typ)
	if err != nil {
		return IngestReport{}, err
	}
	media, err := c.client.ByGenre(ctx, genre, mt)
	if err != nil {
		return IngestReport{}, errors.Wrapf(err, "fetch %s %s", genre, typ)
	}
	return c.ingest(ctx, string(Genres)+":"+genre+":"+typ, strings.ToLower(typ), media)
}

// FetchAllGenres runs FetchTopByGenre for every configured genre, for anime
// and manga. The first failure cancels the rest.
func (c *Catalog) FetchAllGenres(ctx context.Context) (IngestReport, error) {
	opts := c.options()

	var (
		mu    sync.Mutex
		total IngestReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.GenreConcurrency)
	for _, genre := range opts.Genres {
		for _, typ := range []string{storage.TypeAnime, storage.TypeManga} {
			g.Go(func() error {
				rep, err := c.FetchTopByGenre(gctx, genre, typ)
				mu.Lock()
				total.add(rep)
				mu.Unlock()
				return err
			})
		}
	}
	err := g.Wait()
	c.log.Info("genre ingestion finished",
		logx.Int("genres", len(opts.Genres)),
		logx.Int("fetched", total.Fetched),
		logx.Int("created", total.Created),
		logx.Int("skipped", total.Skipped),
		logx.Err(err),
	)
	return total, err
}

func (c *Catalog) RefreshTrendScores(ctx context.Context) (int, error) {
	n, err := c.content.RecomputeTrendScores(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "recompute trend scores")
	}
	return n, nil
}

// ingest stores every media item not already present. Items that already
// exist, including ones created concurrently by another run, are skipped.
func (c *Catalog) ingest(ctx context.Context, label, typ string, media []catalog.Media) (IngestReport, error) {
	rep := IngestReport{Fetched: len(media)}
	now := c.now()
	for _, m := range media {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		externalID := strconv.Itoa(m.ID)
		_, exists, err := c.content.FindByExternalID(ctx, externalID, storage.SourceAniList)
		if err != nil {
			return rep, errors.Wrapf(err, "lookup %s", externalID)
		}
		if exists {
			rep.Skipped++
			continue
		}
		if _, err := c.content.Create(ctx, MapMedia(m, typ, now)); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				rep.Skipped++
				continue
			}
			return rep, errors.Wrapf(err, "create %s", externalID)
		}
		rep.Created++
	}
	c.log.Debug("ingested",
		logx.String("source", label),
		logx.Int("fetched", rep.Fetched),
		logx.Int("created", rep.Created),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// MapMedia converts an AniList record into a new published catalog item.
// Trend score starts at zero; the refresh job computes it.
func MapMedia(m catalog.Media, typ string, now time.Time) storage.ContentItem {
	title := m.Title.Romaji
	if title == "" {
		title = m.Title.English
	}
	if title == "" {
		title = "AniList #" + strconv.Itoa(m.ID)
	}
	rating := 0.0
	if m.AverageScore != nil {
		rating = float64(*m.AverageScore) / 10
	}
	year := now.UTC().Year()
	if m.StartDate.Year != nil {
		year = *m.StartDate.Year
	}
	return storage.ContentItem{
		ExternalID:  strconv.Itoa(m.ID),
		Source:      storage.SourceAniList,
		Type:        typ,
		Title:       title,
		Synopsis:    m.Description,
		PosterURL:   m.CoverImage.Large,
		Genres:      append([]string(nil), m.Genres...),
		Rating:      rating,
		Popularity:  m.Popularity,
		ReleaseYear: year,
		TrendScore:  0,
		Status:      storage.StatusPublished,
		Raw:         m.Raw,
	}
}
