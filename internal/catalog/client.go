// Package catalog is a small client for the AniList GraphQL API.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	logx "catalogd/pkg/logx"
)

const (
	DefaultEndpoint      = "https://graphql.anilist.co"
	DefaultRatePerMinute = 90
	DefaultTimeout       = 15 * time.Second
	DefaultTrendingSize  = 50
	DefaultGenreSize     = 25
)

var (
	ErrRateLimited = errors.New("catalog rate limited")
	ErrUpstream    = errors.New("catalog upstream error")
)

// MediaType is the AniList media type.
type MediaType string

const (
	Anime MediaType = "ANIME"
	Manga MediaType = "MANGA"
)

// ParseMediaType accepts "anime"/"manga" in any case.
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Anime):
		return Anime, nil
	case string(Manga):
		return Manga, nil
	}
	return "", errors.Newf("unknown media type %q", s)
}

type Config struct {
	Endpoint         string
	RatePerMinute    int
	Timeout          time.Duration
	TrendingPageSize int
	GenrePageSize    int
	MaxAttempts      int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = DefaultRatePerMinute
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TrendingPageSize <= 0 {
		c.TrendingPageSize = DefaultTrendingSize
	}
	if c.GenrePageSize <= 0 {
		c.GenrePageSize = DefaultGenreSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Client talks to AniList. Every request waits on a shared limiter so
// concurrent jobs stay under the upstream quota together.
type Client struct {
	http *http.Client
	log  logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

// New builds a client. A nil httpClient uses a fresh http.Client; request
// timeouts come from cfg.Timeout either way.
func New(cfg Config, httpClient *http.Client, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:    httpClient,
		log:     log,
		cfg:     cfg,
		limiter: newLimiter(cfg.RatePerMinute),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	burst := max(1, perMinute/30)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// Apply updates limits on a live client.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.RatePerMinute != c.cfg.RatePerMinute {
		c.limiter.SetLimit(rate.Every(time.Minute / time.Duration(cfg.RatePerMinute)))
		c.limiter.SetBurst(max(1, cfg.RatePerMinute/30))
	}
	c.cfg = cfg
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Media is the subset of an AniList media record the catalog stores.
// Raw keeps the record exactly as received.
type Media struct {
	ID    int `json:"id"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
	} `json:"title"`
	Description string `json:"description"`
	CoverImage  struct {
		Large string `json:"large"`
	} `json:"coverImage"`
	Genres       []string `json:"genres"`
	AverageScore *int     `json:"averageScore"`
	Popularity   int      `json:"popularity"`
	StartDate    struct {
		Year *int `json:"year"`
	} `json:"startDate"`

	Raw json.RawMessage `json:"-"`
}

const mediaQuery = `query ($page: Int, $perPage: Int, $type: MediaType, $sort: [MediaSort], $genre: String) {
  Page(page: $page, perPage: $perPage) {
    media(type: $type, sort: $sort, genre: $genre, isAdult: false) {
      id
      title { romaji english }
      description
      coverImage { large }
      genres
      averageScore
      popularity
      startDate { year }
    }
  }
}`

func (c *Client) TrendingAnime(ctx context.Context) ([]Media, error) {
	return c.page(ctx, Anime, "TRENDING_DESC", "", c.config().TrendingPageSize)
}

func (c *Client) TrendingManga(ctx context.Context) ([]Media, error) {
	return c.page(ctx, Manga, "TRENDING_DESC", "", c.config().TrendingPageSize)
}

// ByGenre returns the most popular media of one genre. AniList genre names
// are title-cased ("Action", "Sci-Fi").
func (c *Client) ByGenre(ctx context.Context, genre string, typ MediaType) ([]Media, error) {
	g := GenreName(genre)
	if g == "" {
		return nil, errors.New("genre is required")
	}
	return c.page(ctx, typ, "POPULARITY_DESC", g, c.config().GenrePageSize)
}

// GenreName title-cases each word of a genre, keeping hyphenated parts.
// "of" stays lowercase inside a name ("Slice of Life").
func GenreName(genre string) string {
	words := strings.Fields(strings.ToLower(genre))
	for i, w := range words {
		if i > 0 && w == "of" {
			continue
		}
		parts := strings.Split(w, "-")
		for j, p := range parts {
			if p != "" {
				parts[j] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
		words[i] = strings.Join(parts, "-")
	}
	return strings.Join(words, " ")
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data struct {
		Page struct {
			Media []json.RawMessage `json:"media"`
		} `json:"Page"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

func (c *Client) page(ctx context.Context, typ MediaType, sort, genre string, perPage int) ([]Media, error) {
	vars := map[string]any{
		"page":    1,
		"perPage": perPage,
		"type":    string(typ),
		"sort":    []string{sort},
	}
	if genre != "" {
		vars["genre"] = genre
	}
	body, err := json.Marshal(gqlRequest{Query: mediaQuery, Variables: vars})
	if err != nil {
		return nil, err
	}

	var resp gqlResponse
	if err := c.do(ctx, body, &resp); err != nil {
		return nil, errors.Wrapf(err, "anilist %s %s", strings.ToLower(string(typ)), sortLabel(sort, genre))
	}
	if len(resp.Errors) > 0 {
		return nil, errors.Wrapf(ErrUpstream, "anilist: %s", resp.Errors[0].Message)
	}

	out := make([]Media, 0, len(resp.Data.Page.Media))
	for _, raw := range resp.Data.Page.Media {
		var m Media
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(err, "decode media")
		}
		m.Raw = append(json.RawMessage(nil), raw...)
		out = append(out, m)
	}
	return out, nil
}

func sortLabel(sort, genre string) string {
	if genre != "" {
		return "genre " + genre
	}
	return strings.ToLower(sort)
}

// do sends one GraphQL request, retrying on 429 and 5xx.
func (c *Client) do(ctx context.Context, body []byte, out any) error {
	cfg := c.config()
	c.mu.RLock()
	lim := c.limiter
	c.mu.RUnlock()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		req, err := http.NewRequestWithContext(rctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		res, err := c.http.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.log.Warn("catalog request failed", logx.Int("attempt", attempt), logx.Err(err))
			if !sleepCtx(ctx, backoff(attempt)) {
				return ctx.Err()
			}
			continue
		}

		b, readErr := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		_ = res.Body.Close()
		cancel()
		c.log.Debug("catalog request",
			logx.Int("status", res.StatusCode),
			logx.Int("attempt", attempt),
			logx.Duration("took", time.Since(start)),
		)

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(res.Header.Get("Retry-After"), backoff(attempt))
			lastErr = errors.Wrapf(ErrRateLimited, "retry after %s", wait)
			c.log.Warn("catalog rate limited", logx.Duration("retry_after", wait), logx.Int("attempt", attempt))
			if attempt == cfg.MaxAttempts || !sleepCtx(ctx, wait) {
				return lastErr
			}
			continue
		case res.StatusCode >= 500:
			lastErr = errors.Wrapf(ErrUpstream, "status %d", res.StatusCode)
			if attempt == cfg.MaxAttempts || !sleepCtx(ctx, backoff(attempt)) {
				return lastErr
			}
			continue
		}
		if readErr != nil {
			return readErr
		}
		// AniList reports GraphQL errors with a 4xx and a JSON body; the caller
		// surfaces the message.
		if err := json.Unmarshal(b, out); err != nil {
			if res.StatusCode >= 400 {
				return errors.Wrapf(ErrUpstream, "status %d", res.StatusCode)
			}
			return errors.Wrap(err, "decode response")
		}
		return nil
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	return min(d, 10*time.Second)
}

func retryAfter(h string, def time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, time.Minute)
	}
	return def
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
