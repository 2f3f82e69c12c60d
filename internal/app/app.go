// Package app wires the catalog daemon: config, storage, the AniList client,
// the job catalog, the executor, the job registry and the admin API.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"catalogd/internal/catalog"
	"catalogd/internal/config"
	"catalogd/internal/content"
	"catalogd/internal/eventbus"
	"catalogd/internal/httpapi"
	"catalogd/internal/jobs"
	"catalogd/internal/runtime/supervisor"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	"catalogd/internal/task/scheduler"
	logx "catalogd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client  *catalog.Client
	content *content.Service
	jobs    *jobs.Catalog
	engine  *engine.Service
	sched   *scheduler.Service
	api     *httpapi.Server

	startedAt time.Time
}

// NewApp loads and validates the config and builds every component. Nothing
// runs until Start; CLI commands use the components directly and then Close.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	cc, _ := mapCatalogConfig(cfg)
	client := catalog.New(cc, &http.Client{}, log.With(logx.String("comp", "catalog")))
	contentSvc := content.New(store, log.With(logx.String("comp", "content")))
	jobCatalog := jobs.New(contentSvc, client, mapJobsOptions(cfg), log.With(logx.String("comp", "jobs")))

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(store, jobCatalog, engineSvc, log.With(logx.String("comp", "registry")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		content: contentSvc,
		jobs:    jobCatalog,
		engine:  engineSvc,
		sched:   schedSvc,
	}

	hc, _ := mapHTTPConfig(cfg)
	a.api = httpapi.New(hc, httpapi.Deps{
		Registry: schedSvc,
		Runs:     engineSvc,
		Content:  contentSvc,
		Bus:      bus,
		Health:   a.health,
	}, log.With(logx.String("comp", "api")))
	return a, nil
}

// Registry is the job registry, for CLI commands.
func (a *App) Registry() *scheduler.Service { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type healthReport struct {
	Status     string              `json:"status"`
	Uptime     string              `json:"uptime"`
	Live       []string            `json:"liveJobs"`
	Engine     engine.Snapshot     `json:"engine"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (a *App) health() any {
	rep := healthReport{
		Status:     "ok",
		Live:       a.sched.Live(),
		Engine:     a.engine.Snapshot(),
		Supervisor: a.sup.Snapshot(),
	}
	// History is served by /api/cron/history.
	rep.Engine.History = nil
	if !a.startedAt.IsZero() {
		rep.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if rep.Supervisor.FirstError != "" {
		rep.Status = "degraded"
	}
	return rep
}

func (a *App) Start(ctx context.Context) error {
	if err := a.api.CheckBind(); err != nil {
		return err
	}
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	cfg := a.cfgm.Get()
	if cfg.Scheduler.SeedDefaults {
		created, err := a.sched.InitializeDefaults(ctx)
		if err != nil {
			return errors.Wrap(err, "seed default schedules")
		}
		a.log.Debug("default schedules checked", logx.Int("created", len(created)))
	}
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.Autostart {
			if _, err := a.sched.StartAll(ctx); err != nil {
				return errors.Wrap(err, "start jobs")
			}
		}
		a.sched.Start()
	} else {
		a.log.Info("scheduler disabled; manual runs only")
	}

	// The listener is restarted on failure; a persistent error surfaces in /healthz.
	a.sup.GoRestart("http.serve", a.api.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
		supervisor.WithPublishFirstError(true),
	)

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", a.api.Addr()), logx.Any("live", a.sched.Live()))
	return nil
}

// Stop shuts everything down in order: registry, executor, listener and
// background loops, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Scheduled runs finish before the app context goes away.
	a.step(ctx, "registry", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, a.engine.Stop)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 12*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage and log sinks. Safe to call without Start.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
