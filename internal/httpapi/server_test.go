package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogd/internal/content"
	"catalogd/internal/eventbus"
	"catalogd/internal/jobs"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	"catalogd/internal/task/scheduler"
	logx "catalogd/pkg/logx"
)

type fakeRegistry struct {
	ran     []string
	runErr  error
	onRun   func()
	runCtx  error
	toggled map[string]bool
	upserts []scheduler.ScheduleInput
}

func (f *fakeRegistry) RunNow(ctx context.Context, name string) error {
	if !jobs.Known(name) {
		return &jobs.UnknownJobError{Name: name}
	}
	f.ran = append(f.ran, name)
	if f.onRun != nil {
		f.onRun()
	}
	f.runCtx = ctx.Err()
	return f.runErr
}

func (f *fakeRegistry) Status(ctx context.Context) ([]scheduler.JobStatus, error) {
	return []scheduler.JobStatus{{Name: "trendingAnime", Status: scheduler.StatusRunning, IsActive: true}}, nil
}

func (f *fakeRegistry) StartAll(ctx context.Context) (int, error) { return 3, nil }
func (f *fakeRegistry) StopAll() int                              { return 3 }

func (f *fakeRegistry) ListSchedules(ctx context.Context) ([]storage.ScheduleRecord, error) {
	return []storage.ScheduleRecord{{JobName: "genres", RecurrenceRule: "0 3 * * 0", IsActive: true}}, nil
}

func (f *fakeRegistry) UpsertSchedule(ctx context.Context, in scheduler.ScheduleInput) (storage.ScheduleRecord, error) {
	f.upserts = append(f.upserts, in)
	if in.Interval == "" {
		return storage.ScheduleRecord{}, errors.Wrap(scheduler.ErrInvalidSchedule, "interval is required")
	}
	return storage.ScheduleRecord{JobName: in.JobName, IsActive: true}, nil
}

func (f *fakeRegistry) ToggleActive(ctx context.Context, name string, active bool) (storage.ScheduleRecord, error) {
	if name == "missing" {
		return storage.ScheduleRecord{}, errors.Wrapf(storage.ErrNotFound, "schedule %s", name)
	}
	if f.toggled == nil {
		f.toggled = map[string]bool{}
	}
	f.toggled[name] = active
	return storage.ScheduleRecord{JobName: name, IsActive: active}, nil
}

func (f *fakeRegistry) DeleteSchedule(ctx context.Context, name string) error { return nil }

func (f *fakeRegistry) InitializeDefaults(ctx context.Context) ([]string, error) {
	return []string{"genres"}, nil
}

type fakeRuns []engine.HistoryItem

func (f fakeRuns) History() []engine.HistoryItem { return f }

type harness struct {
	srv *Server
	reg *fakeRegistry
	bus eventbus.Bus
}

func newHarness(t *testing.T, tokens ...Token) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := &fakeRegistry{}
	bus := eventbus.New()
	runs := fakeRuns{
		{ID: "run-1", Name: "genres", Trigger: engine.TriggerSchedule},
		{ID: "run-2", Name: "trendingAnime", Trigger: engine.TriggerManual},
	}
	srv := New(Config{Tokens: tokens}, Deps{
		Registry: reg,
		Runs:     runs,
		Content:  content.New(st, logx.Nop()),
		Bus:      bus,
		Health:   func() any { return map[string]string{"db": "ok"} },
	}, logx.Nop())
	return &harness{srv: srv, reg: reg, bus: bus}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var out response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

var testTokens = []Token{
	{Name: "ops", Secret: "admin-secret", Role: RoleAdmin},
	{Name: "dash", Secret: "viewer-secret", Role: RoleViewer},
}

func TestAuthRoles(t *testing.T) {
	h := newHarness(t, testTokens...)

	code, res := h.do(t, http.MethodGet, "/api/cron/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, res.Success)

	code, _ = h.do(t, http.MethodGet, "/api/cron/status", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Every job registry route, reads included, is admin only.
	for _, rt := range []struct{ method, path string }{
		{http.MethodGet, "/api/cron/status"},
		{http.MethodGet, "/api/cron/schedules"},
		{http.MethodGet, "/api/cron/history"},
		{http.MethodGet, "/api/cron/events"},
		{http.MethodPost, "/api/cron/start"},
	} {
		code, res = h.do(t, rt.method, rt.path, "viewer-secret", nil)
		assert.Equal(t, http.StatusForbidden, code, rt.path)
		assert.Equal(t, "insufficient permissions", res.Message, rt.path)
	}

	code, _ = h.do(t, http.MethodGet, "/api/cron/status", "admin-secret", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/cron/start", "admin-secret", nil)
	assert.Equal(t, http.StatusOK, code)

	// Viewers still read content.
	code, _ = h.do(t, http.MethodGet, "/api/content", "viewer-secret", nil)
	assert.Equal(t, http.StatusOK, code)

	// Query token, as used by websocket clients.
	code, _ = h.do(t, http.MethodGet, "/api/cron/schedules?token=admin-secret", "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/cron/schedules?token=viewer-secret", "", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Health is public.
	code, res = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"db":"ok"}`, string(res.Data))
}

func TestSetTokensTakesEffect(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/api/cron/stop", "", nil)
	assert.Equal(t, http.StatusOK, code, "no tokens means anonymous admin")

	h.srv.SetTokens(testTokens)
	code, _ = h.do(t, http.MethodPost, "/api/cron/stop", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRunNow(t *testing.T) {
	h := newHarness(t)

	code, res := h.do(t, http.MethodPost, "/api/cron/run-now", "", map[string]string{"jobName": "genres"})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.Equal(t, "Job 'genres' executed successfully", res.Message)
	assert.Equal(t, []string{"genres"}, h.reg.ran)

	code, res = h.do(t, http.MethodPost, "/api/cron/run-now", "", map[string]string{"jobName": "backfill"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Message, "backfill")

	code, _ = h.do(t, http.MethodPost, "/api/cron/run-now", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/cron/run-now", "", map[string]string{"job": "genres"})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	h.reg.runErr = errors.New("upstream down")
	code, res = h.do(t, http.MethodPost, "/api/cron/run-now", "", map[string]string{"jobName": "genres"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, res.Message, "upstream down")
}

func TestRunNowOutlivesClientDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.reg.onRun = cancel

	req := httptest.NewRequest(http.MethodPost, "/api/cron/run-now", strings.NewReader(`{"jobName":"genres"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Error(t, ctx.Err())
	assert.NoError(t, h.reg.runCtx, "run context must not follow the request")
}

func TestScheduleEndpoints(t *testing.T) {
	h := newHarness(t)

	code, res := h.do(t, http.MethodPatch, "/api/cron/schedules/genres", "", map[string]any{"jobName": "ignored", "interval": "weekly", "hour": 4})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, h.reg.upserts, 1)
	assert.Equal(t, "genres", h.reg.upserts[0].JobName)
	assert.Contains(t, string(res.Data), `"jobName":"genres"`)

	code, _ = h.do(t, http.MethodPatch, "/api/cron/schedules/genres", "", map[string]any{"hour": 4})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = h.do(t, http.MethodPatch, "/api/cron/schedules/genres/toggle", "", map[string]any{"isActive": false})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Schedule deactivated", res.Message)
	assert.False(t, h.reg.toggled["genres"])

	code, _ = h.do(t, http.MethodPatch, "/api/cron/schedules/genres/toggle", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPatch, "/api/cron/schedules/missing/toggle", "", map[string]any{"isActive": true})
	assert.Equal(t, http.StatusNotFound, code)

	code, res = h.do(t, http.MethodPost, "/api/cron/schedules/initialize", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"created":["genres"]}`, string(res.Data))

	code, _ = h.do(t, http.MethodDelete, "/api/cron/schedules/genres", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHistoryNewestFirstAndFiltered(t *testing.T) {
	h := newHarness(t)

	_, res := h.do(t, http.MethodGet, "/api/cron/history", "", nil)
	var items []engine.HistoryItem
	require.NoError(t, json.Unmarshal(res.Data, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "run-2", items[0].ID)

	_, res = h.do(t, http.MethodGet, "/api/cron/history?job=genres", "", nil)
	items = nil
	require.NoError(t, json.Unmarshal(res.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "run-1", items[0].ID)
}

func TestContentLifecycle(t *testing.T) {
	h := newHarness(t)

	code, res := h.do(t, http.MethodPost, "/api/content", "", map[string]any{
		"type": "anime", "title": "Frieren", "genres": []string{"Fantasy"}, "rating": 9.1, "popularity": 100, "releaseYear": 2023,
	})
	require.Equal(t, http.StatusCreated, code, res.Message)
	var it storage.ContentItem
	require.NoError(t, json.Unmarshal(res.Data, &it))
	require.NotEmpty(t, it.ID)
	assert.Equal(t, storage.StatusDraft, it.Status)

	code, _ = h.do(t, http.MethodPost, "/api/content", "", map[string]any{"type": "anime"})
	assert.Equal(t, http.StatusBadRequest, code, "title is required")

	code, res = h.do(t, http.MethodPatch, "/api/content/"+it.ID+"/publish", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), `"status":"published"`)

	code, res = h.do(t, http.MethodGet, "/api/content/genre/Fantasy", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), "Frieren")

	code, res = h.do(t, http.MethodPatch, "/api/content/"+it.ID, "", map[string]any{"title": "Sousou no Frieren"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(res.Data), "Sousou no Frieren")

	code, res = h.do(t, http.MethodGet, "/api/content?type=anime&limit=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	var list content.ListResult
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 5, list.Limit)

	code, _ = h.do(t, http.MethodGet, "/api/content?page=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/api/content/trending?type=anime", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodDelete, "/api/content/"+it.ID, "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/content/"+it.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventStreamFiltersByType(t *testing.T) {
	h := newHarness(t, testTokens...)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/cron/events?types=job.&token="
	_, resp, err := websocket.DefaultDialer.Dial(base+"viewer-secret", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(base+"admin-secret", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until seen.
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	for {
		h.bus.Publish(eventbus.Event{Type: scheduler.EventScheduleUpdated})
		h.bus.Publish(eventbus.Event{Type: engine.EventSucceeded, Data: map[string]string{"job": "genres"}})
		select {
		case ev := <-got:
			assert.Equal(t, engine.EventSucceeded, ev.Type)
			return
		case <-time.After(20 * time.Millisecond):
		}
		require.True(t, time.Now().Before(deadline), "no event received")
	}
}

func TestServeRefusesPublicBindWithoutTokens(t *testing.T) {
	srv := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := srv.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")

	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
	assert.False(t, isLoopbackAddr(":8080"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
