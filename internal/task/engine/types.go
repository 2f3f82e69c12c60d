package engine

import (
	"context"
	"time"
)

// Config controls the job executor.
//
// The scheduler decides when a job fires; execution settings belong here.
// The app layer maps config.task_engine into this struct.
type Config struct {
	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

// Trigger says why a job ran.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Event types published on the bus.
const (
	EventStarted   = "job.started"
	EventSucceeded = "job.succeeded"
	EventFailed    = "job.failed"
)

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"job"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for job lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Task is one execution of a job body.
type Task struct {
	ID      string
	Name    string
	Trigger Trigger
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight       int           `json:"in_flight"`
	Started        uint64        `json:"started"`
	Failed         uint64        `json:"failed"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Stopped        bool          `json:"stopped"`
	History        []HistoryItem `json:"history,omitempty"`
}
