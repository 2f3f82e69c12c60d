package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogd/internal/eventbus"
	"catalogd/internal/jobs"
	"catalogd/internal/recurrence"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	logx "catalogd/pkg/logx"
)

type fakeCatalog struct {
	mu    sync.Mutex
	runs  map[string]int
	fail  map[string]error
	block chan struct{}
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{runs: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeCatalog) Lookup(name string) (jobs.Handler, error) {
	if !jobs.Known(name) {
		return nil, &jobs.UnknownJobError{Name: name}
	}
	return func(ctx context.Context) error {
		f.mu.Lock()
		f.runs[name]++
		err := f.fail[name]
		block := f.block
		f.mu.Unlock()
		if block != nil {
			<-block
		}
		return err
	}, nil
}

func (f *fakeCatalog) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[name]
}

type fixture struct {
	svc     *Service
	store   storage.Store
	catalog *fakeCatalog
	engine  *engine.Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	eng := engine.New(engine.Config{}, logx.Nop(), bus)
	cat := newFakeCatalog()
	f := &fixture{store: st, catalog: cat, engine: eng, now: time.Date(2025, 3, 1, 0, 30, 0, 0, time.UTC)}
	f.svc = New(st, cat, eng, logx.Nop(), bus)
	f.svc.now = func() time.Time { return f.now }
	t.Cleanup(func() { f.svc.Stop(context.Background()) })
	return f
}

func (f *fixture) upsert(t *testing.T, in ScheduleInput) storage.ScheduleRecord {
	t.Helper()
	rec, err := f.svc.UpsertSchedule(context.Background(), in)
	require.NoError(t, err)
	return rec
}

func statusByName(t *testing.T, s *Service) map[string]JobStatus {
	t.Helper()
	sts, err := s.Status(context.Background())
	require.NoError(t, err)
	out := map[string]JobStatus{}
	for _, st := range sts {
		out[st.Name] = st
	}
	return out
}

func TestUpsertDailyComputesNextRun(t *testing.T) {
	f := newFixture(t)

	f.upsert(t, ScheduleInput{JobName: "trendingAnime", Interval: "daily", Hour: recurrence.Int(1), Minute: recurrence.Int(0), IsActive: ptr(true), Description: "x"})
	st := statusByName(t, f.svc)["trendingAnime"]
	assert.Equal(t, recurrence.KindDaily, st.Interval)
	assert.Equal(t, "0 1 * * *", st.RecurrenceRule)
	require.NotNil(t, st.NextRun)
	assert.Equal(t, time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC), *st.NextRun, "today, anchor not yet passed")

	f.now = time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	f.upsert(t, ScheduleInput{JobName: "trendingAnime", Interval: "daily", Hour: recurrence.Int(1), Minute: recurrence.Int(0), Description: "x"})
	st = statusByName(t, f.svc)["trendingAnime"]
	assert.Equal(t, time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC), *st.NextRun, "tomorrow, anchor passed")
	assert.Equal(t, StatusStopped, st.Status)
	assert.True(t, st.IsActive)
}

func TestUpsertValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ScheduleInput
	}{
		{"missing name", ScheduleInput{Interval: "daily", Description: "x"}},
		{"missing interval", ScheduleInput{JobName: "refresh", Description: "x"}},
		{"missing description", ScheduleInput{JobName: "refresh", Interval: "daily"}},
		{"unknown kind", ScheduleInput{JobName: "refresh", Interval: "yearly", Description: "x"}},
		{"hour out of range", ScheduleInput{JobName: "refresh", Interval: "daily", Hour: recurrence.Int(24), Description: "x"}},
		{"interval out of range", ScheduleInput{JobName: "refresh", Interval: "minutes", CustomInterval: recurrence.Int(0), Description: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.UpsertSchedule(ctx, tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule), "%v", err)
		})
	}

	_, err := f.svc.UpsertSchedule(ctx, ScheduleInput{JobName: "backfill", Interval: "daily", Description: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrUnknownJob))

	recs, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStartAllTwiceKeepsOneTimerPerActiveSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	f.upsert(t, ScheduleInput{JobName: "genres", Interval: "weekly", Description: "g"})
	f.upsert(t, ScheduleInput{JobName: "trendingManga", Interval: "daily", IsActive: ptr(false), Description: "m"})

	f.svc.Start()
	n, err := f.svc.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.svc.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"genres", "refresh"}, f.svc.Live())
	assert.Equal(t, 2, f.svc.TimerCount())

	sts := statusByName(t, f.svc)
	assert.Equal(t, StatusRunning, sts["refresh"].Status)
	assert.Equal(t, StatusStopped, sts["trendingManga"].Status)

	assert.Equal(t, 2, f.svc.StopAll())
	assert.Empty(t, f.svc.Live())
	assert.Equal(t, 0, f.svc.TimerCount())

	recs, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3, "stopAll keeps records")
}

func TestStartAllSkipsUnknownJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertSchedule(ctx, storage.ScheduleRecord{JobName: "legacy", Interval: recurrence.KindDaily, RecurrenceRule: "0 1 * * *", IsActive: true, Description: "old"})
	require.NoError(t, err)
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})

	n, err := f.svc.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"refresh"}, f.svc.Live())
}

func TestRunNowMovesLastRunButNotNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	require.NotNil(t, rec.NextRun)
	before := *rec.NextRun

	f.now = f.now.Add(5 * time.Minute)
	require.NoError(t, f.svc.RunNow(ctx, "refresh"))
	assert.Equal(t, 1, f.catalog.count("refresh"))

	st := statusByName(t, f.svc)["refresh"]
	require.NotNil(t, st.LastRun)
	assert.Equal(t, f.now, *st.LastRun)
	require.NotNil(t, st.NextRun)
	assert.Equal(t, before, *st.NextRun)
	assert.Equal(t, storage.RunStatusOK, st.LastStatus)
	assert.Equal(t, StatusStopped, st.Status, "runNow does not register a timer")

	h := f.engine.History()
	require.Len(t, h, 1)
	assert.Equal(t, engine.TriggerManual, h[0].Trigger)
}

func TestRunNowFailurePropagatesAndKeepsLastRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "genres", Interval: "weekly", Description: "g"})
	f.catalog.fail["genres"] = errors.New("upstream down")

	err := f.svc.RunNow(ctx, "genres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")

	st := statusByName(t, f.svc)["genres"]
	assert.Nil(t, st.LastRun)
	assert.Equal(t, storage.RunStatusFailed, st.LastStatus)
	assert.Contains(t, st.LastError, "upstream down")
}

func TestRunNowWithoutScheduleStillRuns(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RunNow(context.Background(), "trendingManga"))
	assert.Equal(t, 1, f.catalog.count("trendingManga"))
}

func TestRunNowUnknownJobChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	before, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)

	err = f.svc.RunNow(ctx, "unknownJob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrUnknownJob))
	assert.Contains(t, err.Error(), "unknownJob")

	after, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.engine.History())
}

func TestToggleOffThenOnLeavesOneTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)

	rec, err := f.svc.ToggleActive(ctx, "refresh", false)
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Empty(t, f.svc.Live())

	f.now = f.now.Add(2 * time.Hour)
	rec, err = f.svc.ToggleActive(ctx, "refresh", true)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC), *rec.NextRun)

	_, err = f.svc.ToggleActive(ctx, "refresh", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh"}, f.svc.Live())
	assert.Equal(t, 1, f.svc.TimerCount())

	_, err = f.svc.ToggleActive(ctx, "missing", true)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestUpsertRestartsLiveJobOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	f.upsert(t, ScheduleInput{JobName: "genres", Interval: "weekly", Description: "g"})
	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)
	f.svc.StopAll()
	_, err = f.svc.ToggleActive(ctx, "refresh", true)
	require.NoError(t, err)

	// genres is active but not live: only its record changes.
	f.upsert(t, ScheduleInput{JobName: "genres", Interval: "daily", Description: "g"})
	assert.Equal(t, []string{"refresh"}, f.svc.Live())

	// refresh is live: new timing replaces the old timer.
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "minutes", CustomInterval: recurrence.Int(10), Description: "r"})
	assert.Equal(t, []string{"refresh"}, f.svc.Live())
	assert.Equal(t, 1, f.svc.TimerCount())
	st := statusByName(t, f.svc)["refresh"]
	assert.Equal(t, "*/10 * * * *", st.RecurrenceRule)

	// Deactivating a live job stops it.
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "minutes", CustomInterval: recurrence.Int(10), IsActive: ptr(false), Description: "r"})
	assert.Empty(t, f.svc.Live())
}

func TestScheduledFiringRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})

	f.now = time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)
	f.svc.fire("refresh")
	st := statusByName(t, f.svc)["refresh"]
	assert.Equal(t, f.now, *st.LastRun)
	assert.Equal(t, time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC), *st.NextRun)

	// A failing firing is recorded, keeps lastRun and still advances nextRun.
	f.catalog.fail["refresh"] = errors.New("db down")
	f.now = time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	f.svc.fire("refresh")
	st = statusByName(t, f.svc)["refresh"]
	assert.Equal(t, time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC), *st.LastRun)
	assert.Equal(t, time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC), *st.NextRun)
	assert.Equal(t, storage.RunStatusFailed, st.LastStatus)
	assert.Equal(t, "db down", st.LastError)

	h := f.engine.History()
	require.Len(t, h, 2)
	assert.Equal(t, engine.TriggerSchedule, h[1].Trigger)
}

func TestRuleChangedMidRunKeepsNewNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)

	f.catalog.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.fire("refresh")
	}()
	require.Eventually(t, func() bool { return f.catalog.count("refresh") == 1 }, time.Second, 5*time.Millisecond)

	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "weekly", Hour: recurrence.Int(3), Minute: recurrence.Int(0), DayOfWeek: recurrence.Int(0), Description: "r"})
	close(f.catalog.block)
	<-done

	rec, err := f.store.GetSchedule(ctx, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * 0", rec.RecurrenceRule)
	require.NotNil(t, rec.LastRun)
	require.NotNil(t, rec.NextRun)
	assert.Equal(t, time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC), rec.NextRun.UTC())
}

func TestStopAllLetsInFlightFiringFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)
	f.svc.Start()

	f.catalog.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.fire("refresh")
	}()
	require.Eventually(t, func() bool { return f.catalog.count("refresh") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.svc.StopAll())
	assert.Empty(t, f.svc.Live())
	assert.Equal(t, 0, f.svc.TimerCount())

	close(f.catalog.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("in-flight firing did not finish after StopAll")
	}

	st := statusByName(t, f.svc)["refresh"]
	require.NotNil(t, st.LastRun)
	assert.Equal(t, f.now, *st.LastRun)
	assert.Equal(t, storage.RunStatusOK, st.LastStatus)
	assert.Equal(t, StatusStopped, st.Status)
	assert.True(t, st.IsActive, "stopAll keeps the record active")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.catalog.count("refresh"))
	assert.Empty(t, f.svc.c.Entries())
}

func TestRegisteredTimersReportStoppedUntilLoopRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})

	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh"}, f.svc.Live())
	assert.Equal(t, StatusStopped, statusByName(t, f.svc)["refresh"].Status)

	f.svc.Start()
	assert.Equal(t, StatusRunning, statusByName(t, f.svc)["refresh"].Status)

	f.svc.Stop(ctx)
	assert.Equal(t, StatusStopped, statusByName(t, f.svc)["refresh"].Status)
}

func TestFiringAfterDeleteIsHarmless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "hourly", Description: "r"})
	_, err := f.svc.StartAll(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSchedule(ctx, "refresh"))
	assert.Empty(t, f.svc.Live())
	f.svc.fire("refresh")

	_, err = f.store.GetSchedule(ctx, "refresh")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, errors.Is(f.svc.DeleteSchedule(ctx, "refresh"), storage.ErrNotFound))
}

func TestInitializeDefaultsSeedsMissingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, ScheduleInput{JobName: "refresh", Interval: "minutes", CustomInterval: recurrence.Int(15), Description: "custom"})

	created, err := f.svc.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"trendingAnime", "trendingManga", "genres"}, created)

	sts := statusByName(t, f.svc)
	require.Len(t, sts, 4)
	assert.Equal(t, "custom", sts["refresh"].Description)
	assert.Equal(t, recurrence.KindDaily, sts["trendingAnime"].Interval)
	assert.Equal(t, "0 1 * * *", sts["trendingAnime"].RecurrenceRule)
	assert.Equal(t, "0 3 * * 0", sts["genres"].RecurrenceRule)
	assert.True(t, sts["genres"].IsActive)

	created, err = f.svc.InitializeDefaults(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestStopWaitsThenCancelsInFlightFirings(t *testing.T) {
	f := newFixture(t)
	f.catalog.block = make(chan struct{})
	defer close(f.catalog.block)

	f.svc.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.svc.Stop(ctx)
	assert.Error(t, f.svc.runCtx.Err())
}

func TestCronLoggerFields(t *testing.T) {
	fields := kv([]interface{}{"entry", 3, 7, "ignored", "next"})
	assert.Len(t, fields, 1)
}

func ptr[T any](v T) *T { return &v }
