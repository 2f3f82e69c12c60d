// Package engine executes job bodies: it applies timeouts, recovers panics,
// keeps a bounded run history and publishes lifecycle events.
//
// Execution is synchronous. The caller's goroutine runs the job, so a manual
// run can report its result and scheduled firings of different jobs run in
// parallel on the scheduler's goroutines.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/eventbus"
	logx "catalogd/pkg/logx"
)

const defaultHistorySize = 200

type Service struct {
	mu      sync.Mutex
	cfg     Config
	stopped bool
	wg      sync.WaitGroup

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32
	started  uint64
	failed   uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: normalize(cfg),
		log: log,
		bus: bus,
		now: time.Now,
	}
}

func normalize(cfg Config) Config {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	return cfg
}

// Apply swaps the execution settings. Runs already in progress keep theirs.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.hmu.Lock()
	if len(s.history) > cfg.HistorySize {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-cfg.HistorySize:]...)
	}
	s.hmu.Unlock()
}

// Run executes t on the calling goroutine and returns its error.
// A panic in the body is returned as *PanicError.
func (s *Service) Run(ctx context.Context, t Task) error {
	if t.Run == nil {
		return errors.Wrap(ErrNoBody, t.Name)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := s.now()
	if t.ID == "" {
		t.ID = s.newTaskID(started)
	}
	if t.Trigger == "" {
		t.Trigger = TriggerManual
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	atomic.AddInt32(&s.inFlight, 1)
	atomic.AddUint64(&s.started, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	log := s.log.With(logx.String("job", t.Name), logx.String("task_id", t.ID), logx.String("trigger", string(t.Trigger)))
	log.Debug("job started")
	s.publish(EventStarted, TaskEvent{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: started})

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.runSafe(runCtx, t)
	dur := s.now().Sub(started)

	item := HistoryItem{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: started, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: started, Duration: dur}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("job failed", logx.Duration("duration", dur), logx.Err(err))
		s.publish(EventFailed, ev)
	} else {
		log.Info("job finished", logx.Duration("duration", dur))
		s.publish(EventSucceeded, ev)
	}
	s.record(item, cfg.HistorySize)
	return err
}

func (s *Service) runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: t.Name, Value: r, Stack: string(debug.Stack())}
			s.log.Error("job panicked", logx.String("job", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// Stop refuses new runs and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task engine stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
		return ctx.Err()
	}
}

// History returns the most recent runs, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	return h
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	stopped := s.stopped
	s.mu.Unlock()

	return Snapshot{
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Started:        atomic.LoadUint64(&s.started),
		Failed:         atomic.LoadUint64(&s.failed),
		DefaultTimeout: cfg.DefaultTimeout,
		Stopped:        stopped,
		History:        s.History(),
	}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique-ish across restarts.
	return fmt.Sprintf("run-%x-%x", now.UnixNano(), seq)
}
