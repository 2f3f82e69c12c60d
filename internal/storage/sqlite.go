package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"catalogd/internal/recurrence"
	logx "catalogd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite migrate")
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

const scheduleColumns = `job_name, recurrence_rule, interval_kind, custom_interval, hour, minute,
	day_of_week, day_of_month, is_active, description, last_run, next_run, last_status, last_error,
	created_at, updated_at`

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ScheduleRecord{}
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSchedule(ctx context.Context, name string) (ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE job_name = ?`, name)
	r, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleRecord{}, errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	return r, err
}

func (s *sqliteStore) UpsertSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	if strings.TrimSpace(rec.JobName) == "" {
		return ScheduleRecord{}, errors.New("schedule job name is required")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(job_name, recurrence_rule, interval_kind, custom_interval, hour, minute,
			day_of_week, day_of_month, is_active, description, next_run, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_name) DO UPDATE SET
			recurrence_rule=excluded.recurrence_rule,
			interval_kind=excluded.interval_kind,
			custom_interval=excluded.custom_interval,
			hour=excluded.hour,
			minute=excluded.minute,
			day_of_week=excluded.day_of_week,
			day_of_month=excluded.day_of_month,
			is_active=excluded.is_active,
			description=excluded.description,
			next_run=excluded.next_run,
			updated_at=excluded.updated_at`,
		rec.JobName, rec.RecurrenceRule, string(rec.Interval),
		nullInt(rec.CustomInterval), nullInt(rec.Hour), nullInt(rec.Minute),
		nullInt(rec.DayOfWeek), nullInt(rec.DayOfMonth),
		rec.IsActive, rec.Description, nullTime(rec.NextRun),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return ScheduleRecord{}, err
	}
	return s.GetSchedule(ctx, rec.JobName)
}

func (s *sqliteStore) SetScheduleActive(ctx context.Context, name string, active bool, next *time.Time) (ScheduleRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET is_active = ?, next_run = COALESCE(?, next_run), updated_at = ? WHERE job_name = ?`,
		active, nullTime(next), formatTime(s.now()), name,
	)
	if err := notFoundIfNoRows(res, err, "schedule "+name); err != nil {
		return ScheduleRecord{}, err
	}
	return s.GetSchedule(ctx, name)
}

func (s *sqliteStore) RecordRun(ctx context.Context, name string, run RunRecord) (ScheduleRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ScheduleRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE job_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleRecord{}, errors.Wrapf(ErrNotFound, "schedule %q", name)
	}
	if err != nil {
		return ScheduleRecord{}, err
	}
	r.apply(run)
	r.UpdatedAt = s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET last_run = ?, last_status = ?, last_error = ?, next_run = ?, updated_at = ?
			WHERE job_name = ?`,
		nullTime(r.LastRun), r.LastStatus, nullStr(r.LastError), nullTime(r.NextRun), formatTime(r.UpdatedAt), name,
	); err != nil {
		return ScheduleRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScheduleRecord{}, err
	}
	return r, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE job_name = ?`, name)
	return notFoundIfNoRows(res, err, "schedule "+name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (ScheduleRecord, error) {
	var (
		r                          ScheduleRecord
		kind                       string
		ci, hour, minute, dow, dom sql.NullInt64
		lastRun, nextRun           sql.NullString
		lastStatus, lastError      sql.NullString
		createdAt, updatedAt       string
	)
	if err := row.Scan(&r.JobName, &r.RecurrenceRule, &kind, &ci, &hour, &minute, &dow, &dom,
		&r.IsActive, &r.Description, &lastRun, &nextRun, &lastStatus, &lastError, &createdAt, &updatedAt); err != nil {
		return ScheduleRecord{}, err
	}
	r.Interval = recurrence.Kind(kind)
	r.CustomInterval = intPtr(ci)
	r.Hour = intPtr(hour)
	r.Minute = intPtr(minute)
	r.DayOfWeek = intPtr(dow)
	r.DayOfMonth = intPtr(dom)
	r.LastRun = timePtr(lastRun)
	r.NextRun = timePtr(nextRun)
	r.LastStatus = lastStatus.String
	r.LastError = lastError.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// ---- content ----

const contentColumns = `id, external_id, source, type, title, synopsis, poster_url, genres, rating,
	popularity, release_year, trend_score, status, raw, created_at, updated_at`

func (s *sqliteStore) FindContentByExternalID(ctx context.Context, externalID, source string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content WHERE external_id = ? AND source = ?`, externalID, source)
	it, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, errors.Wrapf(ErrNotFound, "content %s/%s", source, externalID)
	}
	return it, err
}

func (s *sqliteStore) CreateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := s.now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	genres, err := json.Marshal(nonNilGenres(it.Genres))
	if err != nil {
		return ContentItem{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content(`+contentColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ExternalID, it.Source, it.Type, it.Title, it.Synopsis, it.PosterURL, string(genres),
		it.Rating, it.Popularity, it.ReleaseYear, it.TrendScore, it.Status, nullRaw(it.Raw),
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ContentItem{}, errors.Wrapf(ErrDuplicate, "content %s/%s", it.Source, it.ExternalID)
	}
	if err != nil {
		return ContentItem{}, err
	}
	return it, nil
}

func (s *sqliteStore) GetContent(ctx context.Context, id string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content WHERE id = ?`, id)
	it, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, errors.Wrapf(ErrNotFound, "content %s", id)
	}
	return it, err
}

func (s *sqliteStore) UpdateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	genres, err := json.Marshal(nonNilGenres(it.Genres))
	if err != nil {
		return ContentItem{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE content SET external_id=?, source=?, type=?, title=?, synopsis=?, poster_url=?, genres=?,
			rating=?, popularity=?, release_year=?, trend_score=?, status=?, raw=?, updated_at=?
		 WHERE id = ?`,
		it.ExternalID, it.Source, it.Type, it.Title, it.Synopsis, it.PosterURL, string(genres),
		it.Rating, it.Popularity, it.ReleaseYear, it.TrendScore, it.Status, nullRaw(it.Raw),
		formatTime(s.now()), it.ID,
	)
	if isUniqueViolation(err) {
		return ContentItem{}, errors.Wrapf(ErrDuplicate, "content %s/%s", it.Source, it.ExternalID)
	}
	if err := notFoundIfNoRows(res, err, "content "+it.ID); err != nil {
		return ContentItem{}, err
	}
	return s.GetContent(ctx, it.ID)
}

func (s *sqliteStore) DeleteContent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content WHERE id = ?`, id)
	return notFoundIfNoRows(res, err, "content "+id)
}

func (s *sqliteStore) ListContent(ctx context.Context, q ContentQuery) ([]ContentItem, int, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Genre != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(content.genres) WHERE lower(json_each.value) = lower(?))")
		args = append(args, q.Genre)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := max(q.Offset, 0)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content`+clause+` ORDER BY `+orderBy(q.Sort)+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []ContentItem{}
	for rows.Next() {
		it, err := scanContent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

func (s *sqliteStore) SetTrendScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE content SET trend_score = ?, updated_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := formatTime(s.now())
	for id, score := range scores {
		if _, err := stmt.ExecContext(ctx, score, now, id); err != nil {
			return errors.Wrapf(err, "update trend score %s", id)
		}
	}
	return tx.Commit()
}

func orderBy(sort string) string {
	switch sort {
	case SortTrending:
		return "trend_score DESC, popularity DESC, id ASC"
	case SortRating:
		return "rating DESC, id ASC"
	case SortPopularity:
		return "popularity DESC, id ASC"
	case SortTitle:
		return "title ASC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

func scanContent(row rowScanner) (ContentItem, error) {
	var (
		it                   ContentItem
		genres               string
		raw                  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&it.ID, &it.ExternalID, &it.Source, &it.Type, &it.Title, &it.Synopsis, &it.PosterURL,
		&genres, &it.Rating, &it.Popularity, &it.ReleaseYear, &it.TrendScore, &it.Status, &raw,
		&createdAt, &updatedAt); err != nil {
		return ContentItem{}, err
	}
	if err := json.Unmarshal([]byte(genres), &it.Genres); err != nil {
		return ContentItem{}, errors.Wrapf(err, "content %s genres", it.ID)
	}
	if raw.Valid && raw.String != "" {
		it.Raw = json.RawMessage(raw.String)
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return it, nil
}

func notFoundIfNoRows(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, what)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is fixed width so TEXT columns order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nonNilGenres(g []string) []string {
	if g == nil {
		return []string{}
	}
	return g
}
