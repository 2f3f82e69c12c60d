package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/recurrence"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "file": memory plus a JSON snapshot and journal on disk
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run outcomes recorded on a schedule.
const (
	RunStatusOK     = "ok"
	RunStatusFailed = "failed"
)

// ScheduleRecord is the persisted configuration and state of one job.
type ScheduleRecord struct {
	JobName        string          `json:"jobName"`
	RecurrenceRule string          `json:"recurrenceRule"`
	Interval       recurrence.Kind `json:"interval"`
	CustomInterval *int            `json:"customInterval,omitempty"`
	Hour           *int            `json:"hour,omitempty"`
	Minute         *int            `json:"minute,omitempty"`
	DayOfWeek      *int            `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int            `json:"dayOfMonth,omitempty"`
	IsActive       bool            `json:"isActive"`
	Description    string          `json:"description"`
	LastRun        *time.Time      `json:"lastRun,omitempty"`
	NextRun        *time.Time      `json:"nextRun,omitempty"`
	LastStatus     string          `json:"lastStatus,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Spec returns the structured recurrence of the record.
func (r ScheduleRecord) Spec() recurrence.Spec {
	return recurrence.Spec{
		Kind:           r.Interval,
		CustomInterval: r.CustomInterval,
		Hour:           r.Hour,
		Minute:         r.Minute,
		DayOfWeek:      r.DayOfWeek,
		DayOfMonth:     r.DayOfMonth,
	}
}

// NextAfter returns the next firing after now. Records with a known interval
// kind use their structured fields; anything else falls back to parsing the
// stored rule.
func (r ScheduleRecord) NextAfter(now time.Time) time.Time {
	if _, err := recurrence.ParseKind(string(r.Interval)); err == nil {
		return r.Spec().Next(now)
	}
	return recurrence.NextFromExpression(r.RecurrenceRule, now)
}

// RunRecord is the outcome of one execution.
//
// LastRun only moves on success. When Advance is set, NextRun is
// recomputed from the rule held by the store at write time, so a rule
// replaced while the run was in flight wins over the one that fired.
type RunRecord struct {
	At      time.Time
	OK      bool
	Err     string
	Advance bool
}

func (r *ScheduleRecord) apply(run RunRecord) {
	if run.OK {
		at := run.At.UTC()
		r.LastRun = &at
		r.LastStatus = RunStatusOK
		r.LastError = ""
	} else {
		r.LastStatus = RunStatusFailed
		r.LastError = run.Err
	}
	if run.Advance {
		next := r.NextAfter(run.At.UTC())
		r.NextRun = &next
	}
}

// preserve copies run state from the stored record into an incoming upsert.
func (r *ScheduleRecord) preserve(old ScheduleRecord) {
	r.LastRun = old.LastRun
	r.LastStatus = old.LastStatus
	r.LastError = old.LastError
	r.CreatedAt = old.CreatedAt
}

// Content types, sources and states.
const (
	TypeAnime = "anime"
	TypeManga = "manga"

	SourceAniList = "anilist"
	SourceManual  = "manual"

	StatusDraft     = "draft"
	StatusPublished = "published"
)

// ContentItem is one catalog entry.
type ContentItem struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"externalId,omitempty"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Synopsis    string          `json:"synopsis,omitempty"`
	PosterURL   string          `json:"posterUrl,omitempty"`
	Genres      []string        `json:"genres"`
	Rating      float64         `json:"rating"`
	Popularity  int             `json:"popularity"`
	ReleaseYear int             `json:"releaseYear"`
	TrendScore  float64         `json:"trendScore"`
	Status      string          `json:"status"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Sort orders accepted by ContentQuery.
const (
	SortTrending   = "trending"
	SortNewest     = "newest"
	SortRating     = "rating"
	SortPopularity = "popularity"
	SortTitle      = "title"
)

// ContentQuery filters ListContent. Empty fields match everything; Limit 0
// returns every match.
type ContentQuery struct {
	Type   string
	Genre  string
	Source string
	Status string
	Sort   string
	Offset int
	Limit  int
}

func (q ContentQuery) matches(it ContentItem) bool {
	if q.Type != "" && it.Type != q.Type {
		return false
	}
	if q.Source != "" && it.Source != q.Source {
		return false
	}
	if q.Status != "" && it.Status != q.Status {
		return false
	}
	if q.Genre != "" {
		found := false
		for _, g := range it.Genres {
			if strings.EqualFold(g, q.Genre) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
