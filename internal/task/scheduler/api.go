package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/jobs"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	logx "catalogd/pkg/logx"
)

// StartAll drops every live timer, reloads the schedules and registers one
// timer per active record. Calling it repeatedly leaves the same end state.
// Records that cannot be started are logged and skipped.
func (s *Service) StartAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list schedules")
	}
	s.stopAllLocked()
	for _, r := range recs {
		if !r.IsActive {
			continue
		}
		if err := s.startLocked(r); err != nil {
			s.log.Warn("schedule not started", logx.String("job", r.JobName), logx.Err(err))
		}
	}
	n := len(s.entries)
	s.log.Info("started jobs", logx.Int("live", n), logx.Int("schedules", len(recs)))
	s.publish(EventRegistryStarted, ScheduleEvent{Live: n})
	return n, nil
}

// StopAll cancels every live timer. Persisted records are untouched and
// in-flight runs finish.
func (s *Service) StopAll() int {
	s.mu.Lock()
	n := s.stopAllLocked()
	s.mu.Unlock()
	s.log.Info("stopped jobs", logx.Int("stopped", n))
	s.publish(EventRegistryStopped, ScheduleEvent{})
	return n
}

func (s *Service) stopAllLocked() int {
	n := 0
	for name := range s.entries {
		if s.stopLocked(name) {
			n++
		}
	}
	return n
}

// RunNow executes a job immediately, whether or not it has a live timer, and
// returns its error. Success moves lastRun; nextRun is left alone.
func (s *Service) RunNow(ctx context.Context, name string) error {
	h, err := s.catalog.Lookup(name)
	if err != nil {
		return err
	}
	err = s.exec.Run(ctx, taskFor(name, h, false))
	if isStopped(err) {
		return err
	}
	run := storage.RunRecord{At: s.now(), OK: err == nil}
	if err != nil {
		run.Err = err.Error()
	}
	s.record(name, run)
	if err != nil {
		return errors.Wrapf(err, "run %s", name)
	}
	return nil
}

// UpsertSchedule validates and persists a schedule. A job with a live timer
// is restarted with the new timing, or stopped if it became inactive; any
// other job only has its record changed.
func (s *Service) UpsertSchedule(ctx context.Context, in ScheduleInput) (storage.ScheduleRecord, error) {
	spec, err := in.validate()
	if err != nil {
		return storage.ScheduleRecord{}, err
	}
	if _, err := s.catalog.Lookup(in.JobName); err != nil {
		return storage.ScheduleRecord{}, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	next := spec.Next(s.now())
	rec := storage.ScheduleRecord{
		JobName:        in.JobName,
		RecurrenceRule: spec.Expression(),
		Interval:       spec.Kind,
		CustomInterval: spec.CustomInterval,
		Hour:           spec.Hour,
		Minute:         spec.Minute,
		DayOfWeek:      spec.DayOfWeek,
		DayOfMonth:     spec.DayOfMonth,
		IsActive:       active,
		Description:    in.Description,
		NextRun:        &next,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.store.UpsertSchedule(ctx, rec)
	if err != nil {
		return storage.ScheduleRecord{}, errors.Wrapf(err, "save schedule %s", in.JobName)
	}
	if _, live := s.entries[saved.JobName]; live {
		if saved.IsActive {
			if err := s.startLocked(saved); err != nil {
				return saved, errors.Wrapf(err, "restart %s", saved.JobName)
			}
			s.log.Info("job restarted", logx.String("job", saved.JobName), logx.String("rule", saved.RecurrenceRule))
		} else {
			s.stopLocked(saved.JobName)
			s.log.Info("job stopped", logx.String("job", saved.JobName))
		}
	}
	s.log.Info("schedule updated", logx.String("job", saved.JobName), logx.String("rule", saved.RecurrenceRule), logx.Bool("active", saved.IsActive))
	s.publish(EventScheduleUpdated, ScheduleEvent{JobName: saved.JobName, IsActive: saved.IsActive, Live: len(s.entries)})
	return saved, nil
}

// ToggleActive flips isActive. Activating registers (or re-registers) the
// job's timer and refreshes nextRun; deactivating removes the timer.
func (s *Service) ToggleActive(ctx context.Context, name string, active bool) (storage.ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return storage.ScheduleRecord{}, err
	}
	var next *time.Time
	if active {
		n := cur.NextAfter(s.now())
		next = &n
	}
	saved, err := s.store.SetScheduleActive(ctx, name, active, next)
	if err != nil {
		return storage.ScheduleRecord{}, err
	}
	if active {
		if err := s.startLocked(saved); err != nil {
			return saved, errors.Wrapf(err, "start %s", name)
		}
	} else {
		s.stopLocked(name)
	}
	s.log.Info("schedule toggled", logx.String("job", name), logx.Bool("active", active))
	s.publish(EventScheduleUpdated, ScheduleEvent{JobName: name, IsActive: active, Live: len(s.entries)})
	return saved, nil
}

// DeleteSchedule stops the job and removes its record.
func (s *Service) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteSchedule(ctx, name); err != nil {
		return err
	}
	s.stopLocked(name)
	s.log.Info("schedule deleted", logx.String("job", name))
	s.publish(EventScheduleDeleted, ScheduleEvent{JobName: name, Live: len(s.entries)})
	return nil
}

// Status projects every schedule with its liveness. A timer registered while
// the cron loop is not running reports stopped. It never mutates state.
func (s *Service) Status(ctx context.Context) ([]JobStatus, error) {
	recs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	out := make([]JobStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, statusOf(r, s.isLive(r.JobName)))
	}
	return out, nil
}

func (s *Service) ListSchedules(ctx context.Context) ([]storage.ScheduleRecord, error) {
	return s.store.ListSchedules(ctx)
}

// InitializeDefaults creates the default schedule of every job that has no
// record yet and returns the names it created. Existing records are kept.
func (s *Service) InitializeDefaults(ctx context.Context) ([]string, error) {
	var created []string
	for _, d := range jobs.Defaults {
		_, err := s.store.GetSchedule(ctx, string(d.Name))
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return created, err
		}
		if _, err := s.UpsertSchedule(ctx, ScheduleInput{
			JobName:     string(d.Name),
			Interval:    string(d.Interval),
			Description: d.Description,
		}); err != nil {
			return created, err
		}
		created = append(created, string(d.Name))
	}
	if len(created) > 0 {
		s.log.Info("default schedules created", logx.Any("jobs", created))
	}
	return created, nil
}

func taskFor(name string, h jobs.Handler, scheduled bool) engine.Task {
	trig := engine.TriggerManual
	if scheduled {
		trig = engine.TriggerSchedule
	}
	return engine.Task{Name: name, Trigger: trig, Run: h}
}

func isStopped(err error) bool  { return errors.Is(err, engine.ErrStopped) }
func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
