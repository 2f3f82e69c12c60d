package app

import (
	"context"
	"strings"

	"catalogd/internal/config"
	logx "catalogd/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan config.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce a burst into one change from the oldest base.
		drain:
			for {
				select {
				case next, ok := <-sub:
					if !ok {
						break drain
					}
					c = config.Diff(c.Old, next.New)
				default:
					break drain
				}
			}
			a.applyConfig(c)
		}
	}
}

// applyConfig pushes the live-reloadable sections into their components.
func (a *App) applyConfig(c config.Change) {
	if c.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	newCfg := c.New

	a.logs.Apply(mapLoggingConfig(newCfg))

	if cc, err := mapCatalogConfig(newCfg); err != nil {
		a.log.Warn("invalid catalog config; keeping previous", logx.Err(err))
	} else {
		a.client.Apply(cc)
	}
	a.jobs.Apply(mapJobsOptions(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	if c.Has("auth") {
		a.api.SetTokens(mapTokens(newCfg))
	}

	for _, s := range c.Restart {
		a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(c.Sections, ","))}, c.Fields...)
	a.log.Info("config reloaded", fields...)
}
