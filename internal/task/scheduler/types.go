package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/jobs"
	"catalogd/internal/recurrence"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Liveness of a job in the registry.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Event types published on the bus.
const (
	EventScheduleUpdated = "schedule.updated"
	EventScheduleDeleted = "schedule.deleted"
	EventRegistryStarted = "schedule.started"
	EventRegistryStopped = "schedule.stopped"
)

// JobCatalog resolves a job name to its body.
type JobCatalog interface {
	Lookup(name string) (jobs.Handler, error)
}

// Executor runs one job body to completion.
type Executor interface {
	Run(ctx context.Context, t engine.Task) error
}

// ScheduleInput is a create-or-replace request for one job's schedule.
// IsActive defaults to true when nil.
type ScheduleInput struct {
	JobName        string `json:"jobName"`
	Interval       string `json:"interval"`
	CustomInterval *int   `json:"customInterval,omitempty"`
	Hour           *int   `json:"hour,omitempty"`
	Minute         *int   `json:"minute,omitempty"`
	DayOfWeek      *int   `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int   `json:"dayOfMonth,omitempty"`
	IsActive       *bool  `json:"isActive,omitempty"`
	Description    string `json:"description"`
}

// validate checks required fields and ranges and returns the structured spec.
func (in *ScheduleInput) validate() (recurrence.Spec, error) {
	in.JobName = strings.TrimSpace(in.JobName)
	in.Description = strings.TrimSpace(in.Description)
	var missing []string
	if in.JobName == "" {
		missing = append(missing, "jobName")
	}
	if strings.TrimSpace(in.Interval) == "" {
		missing = append(missing, "interval")
	}
	if in.Description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return recurrence.Spec{}, errors.Wrapf(ErrInvalidSchedule, "%s required", strings.Join(missing, ", "))
	}
	kind, err := recurrence.ParseKind(in.Interval)
	if err != nil {
		return recurrence.Spec{}, errors.Mark(errors.Wrap(err, in.JobName), ErrInvalidSchedule)
	}
	spec := recurrence.Spec{
		Kind:           kind,
		CustomInterval: in.CustomInterval,
		Hour:           in.Hour,
		Minute:         in.Minute,
		DayOfWeek:      in.DayOfWeek,
		DayOfMonth:     in.DayOfMonth,
	}
	if err := spec.Validate(); err != nil {
		return recurrence.Spec{}, errors.Mark(errors.Wrap(err, in.JobName), ErrInvalidSchedule)
	}
	return spec, nil
}

// JobStatus is the read-only projection of one schedule plus its liveness.
type JobStatus struct {
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	LastRun        *time.Time      `json:"lastRun"`
	NextRun        *time.Time      `json:"nextRun"`
	Interval       recurrence.Kind `json:"interval"`
	RecurrenceRule string          `json:"recurrenceRule"`
	IsActive       bool            `json:"isActive"`
	Description    string          `json:"description"`
	LastStatus     string          `json:"lastStatus,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

func statusOf(r storage.ScheduleRecord, live bool) JobStatus {
	st := StatusStopped
	if live {
		st = StatusRunning
	}
	return JobStatus{
		Name:           r.JobName,
		Status:         st,
		LastRun:        r.LastRun,
		NextRun:        r.NextRun,
		Interval:       r.Interval,
		RecurrenceRule: r.RecurrenceRule,
		IsActive:       r.IsActive,
		Description:    r.Description,
		LastStatus:     r.LastStatus,
		LastError:      r.LastError,
	}
}

// ScheduleEvent is the payload of schedule events.
type ScheduleEvent struct {
	JobName  string `json:"jobName,omitempty"`
	IsActive bool   `json:"isActive"`
	Live     int    `json:"live"`
}
