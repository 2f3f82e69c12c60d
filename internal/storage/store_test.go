package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogd/internal/recurrence"
	logx "catalogd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file", "catalogd")},
		{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "catalogd.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func dailyRecord(name string) ScheduleRecord {
	spec := recurrence.Spec{Kind: recurrence.KindDaily, Hour: recurrence.Int(2), Minute: recurrence.Int(30)}
	next := time.Date(2024, 1, 2, 2, 30, 0, 0, time.UTC)
	return ScheduleRecord{
		JobName:        name,
		RecurrenceRule: spec.Expression(),
		Interval:       spec.Kind,
		Hour:           spec.Hour,
		Minute:         spec.Minute,
		IsActive:       true,
		Description:    "Fetch trending anime from external sources",
		NextRun:        &next,
	}
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetSchedule(ctx, "trendingAnime")
			require.True(t, errors.Is(err, ErrNotFound))

			created, err := st.UpsertSchedule(ctx, dailyRecord("trendingAnime"))
			require.NoError(t, err)
			assert.Equal(t, "30 2 * * *", created.RecurrenceRule)
			assert.False(t, created.CreatedAt.IsZero())
			require.NotNil(t, created.Hour)
			assert.Equal(t, 2, *created.Hour)
			assert.Nil(t, created.DayOfWeek)

			ranAt := time.Date(2024, 1, 2, 2, 30, 0, 0, time.UTC)
			next := time.Date(2024, 1, 3, 2, 30, 0, 0, time.UTC)
			rec, err := st.RecordRun(ctx, "trendingAnime", RunRecord{At: ranAt, OK: true, Advance: true})
			require.NoError(t, err)
			require.NotNil(t, rec.LastRun)
			assert.True(t, ranAt.Equal(*rec.LastRun))
			assert.True(t, next.Equal(*rec.NextRun))
			assert.Equal(t, RunStatusOK, rec.LastStatus)

			// A failed run leaves lastRun alone.
			rec, err = st.RecordRun(ctx, "trendingAnime", RunRecord{At: next, OK: false, Err: "upstream 500"})
			require.NoError(t, err)
			assert.True(t, ranAt.Equal(*rec.LastRun))
			assert.Equal(t, RunStatusFailed, rec.LastStatus)
			assert.Equal(t, "upstream 500", rec.LastError)

			// Replacing the definition keeps run state and createdAt.
			upd := dailyRecord("trendingAnime")
			upd.Hour = recurrence.Int(4)
			upd.RecurrenceRule = upd.Spec().Expression()
			rec, err = st.UpsertSchedule(ctx, upd)
			require.NoError(t, err)
			assert.Equal(t, "30 4 * * *", rec.RecurrenceRule)
			require.NotNil(t, rec.LastRun)
			assert.True(t, ranAt.Equal(*rec.LastRun))
			assert.True(t, created.CreatedAt.Equal(rec.CreatedAt))

			rec, err = st.SetScheduleActive(ctx, "trendingAnime", false, nil)
			require.NoError(t, err)
			assert.False(t, rec.IsActive)

			_, err = st.SetScheduleActive(ctx, "missing", true, nil)
			assert.True(t, errors.Is(err, ErrNotFound))
			_, err = st.RecordRun(ctx, "missing", RunRecord{OK: true})
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = st.UpsertSchedule(ctx, dailyRecord("refresh"))
			require.NoError(t, err)
			all, err := st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "refresh", all[0].JobName)

			require.NoError(t, st.DeleteSchedule(ctx, "refresh"))
			assert.True(t, errors.Is(st.DeleteSchedule(ctx, "refresh"), ErrNotFound))
		})
	}
}

func TestContentUniqueness(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			it := ContentItem{
				ExternalID: "21", Source: SourceAniList, Type: TypeAnime, Title: "One Piece",
				Genres: []string{"Action", "Adventure"}, Rating: 8.7, Popularity: 500000,
				ReleaseYear: 1999, Status: StatusPublished, Raw: json.RawMessage(`{"id":21}`),
			}
			created, err := st.CreateContent(ctx, it)
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)

			_, err = st.CreateContent(ctx, it)
			assert.True(t, errors.Is(err, ErrDuplicate))

			// Same external id from another source is a different item.
			other := it
			other.Source = SourceManual
			_, err = st.CreateContent(ctx, other)
			require.NoError(t, err)

			found, err := st.FindContentByExternalID(ctx, "21", SourceAniList)
			require.NoError(t, err)
			assert.Equal(t, created.ID, found.ID)
			assert.JSONEq(t, `{"id":21}`, string(found.Raw))

			_, err = st.FindContentByExternalID(ctx, "22", SourceAniList)
			assert.True(t, errors.Is(err, ErrNotFound))

			// Manual items without an external id never collide.
			_, err = st.CreateContent(ctx, ContentItem{Source: SourceManual, Type: TypeManga, Title: "A", Status: StatusDraft})
			require.NoError(t, err)
			_, err = st.CreateContent(ctx, ContentItem{Source: SourceManual, Type: TypeManga, Title: "B", Status: StatusDraft})
			require.NoError(t, err)
		})
	}
}

func TestRecordRunAdvancesFromStoredRule(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.UpsertSchedule(ctx, dailyRecord("refresh"))
			require.NoError(t, err)

			// The rule changes between the firing and the write.
			weekly := recurrence.Spec{Kind: recurrence.KindWeekly, Hour: recurrence.Int(3), Minute: recurrence.Int(0), DayOfWeek: recurrence.Int(0)}
			upd := dailyRecord("refresh")
			upd.Interval = weekly.Kind
			upd.Hour, upd.Minute, upd.DayOfWeek = weekly.Hour, weekly.Minute, weekly.DayOfWeek
			upd.RecurrenceRule = weekly.Expression()
			_, err = st.UpsertSchedule(ctx, upd)
			require.NoError(t, err)

			ranAt := time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
			rec, err := st.RecordRun(ctx, "refresh", RunRecord{At: ranAt, OK: true, Advance: true})
			require.NoError(t, err)
			assert.Equal(t, "0 3 * * 0", rec.RecurrenceRule)
			require.NotNil(t, rec.NextRun)
			assert.Equal(t, time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC), rec.NextRun.UTC())

			got, err := st.GetSchedule(ctx, "refresh")
			require.NoError(t, err)
			assert.True(t, rec.NextRun.Equal(*got.NextRun))

			// Without Advance the stored next run is kept.
			rec, err = st.RecordRun(ctx, "refresh", RunRecord{At: ranAt.Add(time.Hour), OK: false, Err: "boom"})
			require.NoError(t, err)
			assert.True(t, got.NextRun.Equal(*rec.NextRun))
		})
	}
}

func TestContentSortNewest(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2025, 3, 1, 0, 0, 5, 0, time.UTC)
			for _, it := range []ContentItem{
				{Title: "older", CreatedAt: base},
				{Title: "newer", CreatedAt: base.Add(500 * time.Millisecond)},
			} {
				it.Source, it.Type, it.Status = SourceManual, TypeAnime, StatusPublished
				_, err := st.CreateContent(ctx, it)
				require.NoError(t, err)
			}

			items, _, err := st.ListContent(ctx, ContentQuery{Sort: SortNewest})
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, []string{"newer", "older"}, []string{items[0].Title, items[1].Title})
			assert.True(t, base.Equal(items[1].CreatedAt))
		})
	}
}

func TestContentQueryAndScores(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			seed := []ContentItem{
				{ExternalID: "1", Source: SourceAniList, Type: TypeAnime, Title: "A", Genres: []string{"Action"}, Popularity: 10, Status: StatusPublished},
				{ExternalID: "2", Source: SourceAniList, Type: TypeAnime, Title: "B", Genres: []string{"Romance"}, Popularity: 30, Status: StatusPublished},
				{ExternalID: "3", Source: SourceAniList, Type: TypeManga, Title: "C", Genres: []string{"Action", "Comedy"}, Popularity: 20, Status: StatusDraft},
			}
			ids := map[string]string{}
			for _, it := range seed {
				c, err := st.CreateContent(ctx, it)
				require.NoError(t, err)
				ids[it.Title] = c.ID
			}

			items, total, err := st.ListContent(ctx, ContentQuery{Genre: "action", Sort: SortTitle})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			require.Len(t, items, 2)
			assert.Equal(t, "A", items[0].Title)
			assert.Equal(t, "C", items[1].Title)

			items, total, err = st.ListContent(ctx, ContentQuery{Type: TypeAnime, Sort: SortPopularity, Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			require.Len(t, items, 1)
			assert.Equal(t, "B", items[0].Title)

			require.NoError(t, st.SetTrendScores(ctx, map[string]float64{ids["A"]: 90, ids["B"]: 40, ids["C"]: 65}))
			items, _, err = st.ListContent(ctx, ContentQuery{Sort: SortTrending})
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, []string{"A", "C", "B"}, []string{items[0].Title, items[1].Title, items[2].Title})

			it, err := st.GetContent(ctx, ids["C"])
			require.NoError(t, err)
			it.Status = StatusPublished
			it.Title = "C2"
			upd, err := st.UpdateContent(ctx, it)
			require.NoError(t, err)
			assert.Equal(t, "C2", upd.Title)
			assert.Equal(t, 65.0, upd.TrendScore)

			require.NoError(t, st.DeleteContent(ctx, ids["A"]))
			_, err = st.GetContent(ctx, ids["A"])
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(st.DeleteContent(ctx, ids["A"]), ErrNotFound))

			// The external id is free again once the item is gone.
			_, err = st.CreateContent(ctx, seed[0])
			require.NoError(t, err)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalogd")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.UpsertSchedule(ctx, dailyRecord("genres"))
	require.NoError(t, err)
	c, err := st.CreateContent(ctx, ContentItem{ExternalID: "9", Source: SourceAniList, Type: TypeAnime, Title: "X", Status: StatusPublished})
	require.NoError(t, err)
	require.NoError(t, st.SetTrendScores(ctx, map[string]float64{c.ID: 12.5}))

	// Reopen without Close: the journal alone must restore state.
	fs := st.(*fileStore)
	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	got, err := re.GetContent(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.TrendScore)
	require.NoError(t, re.Close())
	require.NoError(t, fs.Close())

	// After Close the snapshot holds everything.
	re, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer re.Close()
	rec, err := re.GetSchedule(ctx, "genres")
	require.NoError(t, err)
	assert.Equal(t, "30 2 * * *", rec.RecurrenceRule)
	_, err = re.FindContentByExternalID(ctx, "9", SourceAniList)
	require.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
