package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// memStore keeps everything in maps. The file driver wraps it.
type memStore struct {
	mu        sync.RWMutex
	schedules map[string]ScheduleRecord
	content   map[string]ContentItem
	// externalId|source -> id
	byExternal map[string]string

	now func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		schedules:  map[string]ScheduleRecord{},
		content:    map[string]ContentItem{},
		byExternal: map[string]string{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *memStore) Close() error { return nil }

func externalKey(externalID, source string) string {
	return source + "|" + externalID
}

// ---- schedules ----

func (s *memStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleRecord, 0, len(s.schedules))
	for _, r := range s.schedules {
		out = append(out, cloneSchedule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out, nil
}

func (s *memStore) GetSchedule(ctx context.Context, name string) (ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.schedules[name]
	if !ok {
		return ScheduleRecord{}, errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	return cloneSchedule(r), nil
}

func (s *memStore) UpsertSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertScheduleLocked(rec)
}

func (s *memStore) upsertScheduleLocked(rec ScheduleRecord) (ScheduleRecord, error) {
	if strings.TrimSpace(rec.JobName) == "" {
		return ScheduleRecord{}, errors.New("schedule job name is required")
	}
	now := s.now()
	if old, ok := s.schedules[rec.JobName]; ok {
		rec.preserve(old)
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.schedules[rec.JobName] = cloneSchedule(rec)
	return cloneSchedule(rec), nil
}

func (s *memStore) SetScheduleActive(ctx context.Context, name string, active bool, next *time.Time) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.schedules[name]
	if !ok {
		return ScheduleRecord{}, errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	r.IsActive = active
	if next != nil {
		n := next.UTC()
		r.NextRun = &n
	}
	r.UpdatedAt = s.now()
	s.schedules[name] = r
	return cloneSchedule(r), nil
}

func (s *memStore) RecordRun(ctx context.Context, name string, run RunRecord) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.schedules[name]
	if !ok {
		return ScheduleRecord{}, errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	r.apply(run)
	r.UpdatedAt = s.now()
	s.schedules[name] = r
	return cloneSchedule(r), nil
}

func (s *memStore) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	delete(s.schedules, name)
	return nil
}

// ---- content ----

func (s *memStore) FindContentByExternalID(ctx context.Context, externalID, source string) (ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalKey(externalID, source)]
	if !ok {
		return ContentItem{}, errors.Wrapf(ErrNotFound, "content %s/%s", source, externalID)
	}
	return cloneContent(s.content[id]), nil
}

func (s *memStore) CreateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContentLocked(it)
}

func (s *memStore) createContentLocked(it ContentItem) (ContentItem, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if _, ok := s.content[it.ID]; ok {
		return ContentItem{}, errors.Wrapf(ErrDuplicate, "content id %s", it.ID)
	}
	if it.ExternalID != "" {
		if _, ok := s.byExternal[externalKey(it.ExternalID, it.Source)]; ok {
			return ContentItem{}, errors.Wrapf(ErrDuplicate, "content %s/%s", it.Source, it.ExternalID)
		}
	}
	now := s.now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	s.content[it.ID] = cloneContent(it)
	if it.ExternalID != "" {
		s.byExternal[externalKey(it.ExternalID, it.Source)] = it.ID
	}
	return cloneContent(it), nil
}

func (s *memStore) GetContent(ctx context.Context, id string) (ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.content[id]
	if !ok {
		return ContentItem{}, errors.Wrapf(ErrNotFound, "content %s", id)
	}
	return cloneContent(it), nil
}

func (s *memStore) UpdateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateContentLocked(it)
}

func (s *memStore) updateContentLocked(it ContentItem) (ContentItem, error) {
	old, ok := s.content[it.ID]
	if !ok {
		return ContentItem{}, errors.Wrapf(ErrNotFound, "content %s", it.ID)
	}
	oldKey := externalKey(old.ExternalID, old.Source)
	newKey := externalKey(it.ExternalID, it.Source)
	if it.ExternalID != "" && newKey != oldKey {
		if _, taken := s.byExternal[newKey]; taken {
			return ContentItem{}, errors.Wrapf(ErrDuplicate, "content %s/%s", it.Source, it.ExternalID)
		}
	}
	if old.ExternalID != "" {
		delete(s.byExternal, oldKey)
	}
	if it.ExternalID != "" {
		s.byExternal[newKey] = it.ID
	}
	it.CreatedAt = old.CreatedAt
	it.UpdatedAt = s.now()
	s.content[it.ID] = cloneContent(it)
	return cloneContent(it), nil
}

func (s *memStore) DeleteContent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.content[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "content %s", id)
	}
	if it.ExternalID != "" {
		delete(s.byExternal, externalKey(it.ExternalID, it.Source))
	}
	delete(s.content, id)
	return nil
}

func (s *memStore) ListContent(ctx context.Context, q ContentQuery) ([]ContentItem, int, error) {
	s.mu.RLock()
	matched := make([]ContentItem, 0, len(s.content))
	for _, it := range s.content {
		if q.matches(it) {
			matched = append(matched, it)
		}
	}
	s.mu.RUnlock()

	sortContent(matched, q.Sort)
	total := len(matched)
	page := paginate(matched, q.Offset, q.Limit)
	out := make([]ContentItem, len(page))
	for i, it := range page {
		out[i] = cloneContent(it)
	}
	return out, total, nil
}

func (s *memStore) SetTrendScores(ctx context.Context, scores map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTrendScoresLocked(scores)
	return nil
}

func (s *memStore) setTrendScoresLocked(scores map[string]float64) {
	now := s.now()
	for id, score := range scores {
		it, ok := s.content[id]
		if !ok {
			continue
		}
		it.TrendScore = score
		it.UpdatedAt = now
		s.content[id] = it
	}
}

func sortContent(items []ContentItem, order string) {
	less := func(a, b ContentItem) bool {
		switch order {
		case SortTrending:
			if a.TrendScore != b.TrendScore {
				return a.TrendScore > b.TrendScore
			}
			if a.Popularity != b.Popularity {
				return a.Popularity > b.Popularity
			}
		case SortRating:
			if a.Rating != b.Rating {
				return a.Rating > b.Rating
			}
		case SortPopularity:
			if a.Popularity != b.Popularity {
				return a.Popularity > b.Popularity
			}
		case SortTitle:
			if a.Title != b.Title {
				return a.Title < b.Title
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
}

func paginate(items []ContentItem, offset, limit int) []ContentItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneSchedule(r ScheduleRecord) ScheduleRecord {
	r.CustomInterval = cloneInt(r.CustomInterval)
	r.Hour = cloneInt(r.Hour)
	r.Minute = cloneInt(r.Minute)
	r.DayOfWeek = cloneInt(r.DayOfWeek)
	r.DayOfMonth = cloneInt(r.DayOfMonth)
	r.LastRun = cloneTime(r.LastRun)
	r.NextRun = cloneTime(r.NextRun)
	return r
}

func cloneContent(it ContentItem) ContentItem {
	if it.Genres != nil {
		it.Genres = append([]string(nil), it.Genres...)
	}
	if it.Raw != nil {
		it.Raw = append([]byte(nil), it.Raw...)
	}
	return it
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
