package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "catalogd/pkg/logx"
)

// ScheduleStore persists job schedules keyed by job name.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)
	GetSchedule(ctx context.Context, name string) (ScheduleRecord, error)
	// UpsertSchedule creates or replaces a record. Run state (lastRun,
	// lastStatus, lastError) and createdAt survive a replace.
	UpsertSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error)
	// SetScheduleActive flips isActive, and moves nextRun when next is non-nil.
	SetScheduleActive(ctx context.Context, name string, active bool, next *time.Time) (ScheduleRecord, error)
	RecordRun(ctx context.Context, name string, run RunRecord) (ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, name string) error
}

// ContentStore persists catalog entries.
type ContentStore interface {
	FindContentByExternalID(ctx context.Context, externalID, source string) (ContentItem, error)
	// CreateContent assigns an ID when empty and rejects a second item with the
	// same non-empty (externalId, source) with ErrDuplicate.
	CreateContent(ctx context.Context, it ContentItem) (ContentItem, error)
	GetContent(ctx context.Context, id string) (ContentItem, error)
	UpdateContent(ctx context.Context, it ContentItem) (ContentItem, error)
	DeleteContent(ctx context.Context, id string) error
	ListContent(ctx context.Context, q ContentQuery) ([]ContentItem, int, error)
	SetTrendScores(ctx context.Context, scores map[string]float64) error
}

// Store is the persistence API used by the scheduler, the jobs and the admin API.
type Store interface {
	ScheduleStore
	ContentStore
	Close() error
}

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return newMemStore(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
