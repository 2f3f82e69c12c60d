package content

import (
	"context"
	"math"

	"catalogd/internal/storage"
	logx "catalogd/pkg/logx"
)

// Score weights. Popularity is log-scaled against the most popular item so a
// single blockbuster does not flatten everything else.
const (
	weightPopularity = 0.5
	weightRating     = 0.3
	weightRecency    = 0.2

	recencyYears = 10
)

// TrendScore computes a 0–100 score for one item.
func TrendScore(it storage.ContentItem, maxPopularity, currentYear int) float64 {
	pop := 0.0
	if maxPopularity > 0 && it.Popularity > 0 {
		pop = math.Log10(1+float64(it.Popularity)) / math.Log10(1+float64(maxPopularity))
	}
	rating := math.Max(0, math.Min(it.Rating, 10)) / 10

	recency := 0.0
	if it.ReleaseYear > 0 {
		age := float64(currentYear - it.ReleaseYear)
		recency = math.Max(0, math.Min(1, 1-age/recencyYears))
	}

	score := 100 * (weightPopularity*pop + weightRating*rating + weightRecency*recency)
	return math.Round(score*100) / 100
}

// RecomputeTrendScores rescores every item and returns how many changed.
func (s *Service) RecomputeTrendScores(ctx context.Context) (int, error) {
	items, _, err := s.store.ListContent(ctx, storage.ContentQuery{})
	if err != nil {
		return 0, err
	}
	maxPop := 0
	for _, it := range items {
		maxPop = max(maxPop, it.Popularity)
	}
	year := s.now().UTC().Year()

	changed := make(map[string]float64, len(items))
	for _, it := range items {
		if score := TrendScore(it, maxPop, year); score != it.TrendScore {
			changed[it.ID] = score
		}
	}
	if err := s.store.SetTrendScores(ctx, changed); err != nil {
		return 0, err
	}
	s.log.Info("trend scores recomputed",
		logx.Int("items", len(items)),
		logx.Int("changed", len(changed)),
		logx.Int("max_popularity", maxPop),
	)
	return len(changed), nil
}
