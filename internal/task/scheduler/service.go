package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"catalogd/internal/eventbus"
	"catalogd/internal/recurrence"
	"catalogd/internal/storage"
	logx "catalogd/pkg/logx"
)

// recordTimeout bounds the store write that follows a run.
const recordTimeout = 10 * time.Second

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	store   storage.ScheduleStore
	catalog JobCatalog
	exec    Executor
	now     func() time.Time

	c       *cron.Cron
	entries map[string]cron.EntryID
	running bool

	// runCtx is the parent of every scheduled firing; Stop cancels it once
	// in-flight firings had their chance to finish.
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(store storage.ScheduleStore, catalog JobCatalog, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &Service{
		log:     log,
		bus:     bus,
		store:   store,
		catalog: catalog,
		exec:    exec,
		now:     time.Now,
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries:   map[string]cron.EntryID{},
		runCtx:    runCtx,
		runCancel: cancel,
	}
}

// Start starts the cron loop. Timers registered before Start fire only after it.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info("registry started", logx.Int("live", len(s.entries)))
}

// Stop stops the cron loop and waits for in-flight firings until ctx is
// done, then cancels whatever is still running. Timers stay registered.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("registry stop timed out; cancelling in-flight jobs")
		}
	}
	s.runCancel()
	s.log.Info("registry stopped", logx.Duration("took", time.Since(start)))
}

// Live returns the names of jobs with a registered timer.
func (s *Service) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TimerCount reports the number of timers the cron engine holds.
func (s *Service) TimerCount() int {
	return len(s.c.Entries())
}

// isLive reports whether name has a timer that can fire: registered, with
// the cron loop running.
func (s *Service) isLive(name string) bool {
	s.mu.Lock()
	_, ok := s.entries[name]
	running := s.running
	s.mu.Unlock()
	return ok && running
}

// scheduleFor derives the firing schedule of a record. Legacy records with
// an unknown interval kind fall back to their stored rule.
func scheduleFor(r storage.ScheduleRecord) (cron.Schedule, error) {
	if _, err := recurrence.ParseKind(string(r.Interval)); err == nil {
		return r.Spec().Schedule(), nil
	}
	return cron.ParseStandard("CRON_TZ=UTC " + r.RecurrenceRule)
}

// startLocked registers a timer for r, replacing any timer already held for
// the same name. Call with s.mu held.
func (s *Service) startLocked(r storage.ScheduleRecord) error {
	if _, err := s.catalog.Lookup(r.JobName); err != nil {
		return err
	}
	sched, err := scheduleFor(r)
	if err != nil {
		return err
	}
	s.stopLocked(r.JobName)

	name := r.JobName
	s.entries[name] = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	s.log.Debug("timer registered",
		logx.String("job", name),
		logx.String("rule", r.RecurrenceRule),
		logx.Time("next", sched.Next(s.now().UTC())),
	)
	return nil
}

// stopLocked removes the timer for name. Call with s.mu held.
func (s *Service) stopLocked(name string) bool {
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.entries, name)
	return true
}

// fire runs one scheduled execution. Failures are logged and recorded; the
// timer stays registered either way. nextRun is derived by the store from
// the record it holds when the run ends, not from the timer that fired.
func (s *Service) fire(name string) {
	ctx := s.runCtx
	if ctx.Err() != nil {
		return
	}
	log := s.log.With(logx.String("job", name))
	h, err := s.catalog.Lookup(name)
	if err == nil {
		err = s.exec.Run(ctx, taskFor(name, h, true))
	}
	if isStopped(err) {
		log.Debug("firing skipped; executor stopped")
		return
	}

	run := storage.RunRecord{At: s.now(), OK: err == nil, Advance: true}
	if err != nil {
		run.Err = err.Error()
	}
	rec, ok := s.record(name, run)
	var fields []logx.Field
	if ok && rec.NextRun != nil {
		fields = append(fields, logx.Time("next", *rec.NextRun))
	}
	if err != nil {
		log.Error("scheduled run failed", append(fields, logx.Err(err))...)
	} else {
		log.Info("scheduled run completed", fields...)
	}
}

func (s *Service) record(name string, run storage.RunRecord) (storage.ScheduleRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rec, err := s.store.RecordRun(ctx, name, run)
	if err != nil {
		// A schedule deleted mid-run has nothing to update.
		if !isNotFound(err) {
			s.log.Warn("record run failed", logx.String("job", name), logx.Err(err))
		}
		return storage.ScheduleRecord{}, false
	}
	return rec, true
}

func (s *Service) publish(typ string, ev ScheduleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(keysAndValues []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		k, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logx.Any(k, keysAndValues[i+1]))
	}
	return fields
}
