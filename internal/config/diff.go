package config

import (
	"reflect"
	"slices"
	"strings"

	logx "catalogd/pkg/logx"
)

// Change is one committed config transition as seen by subscribers.
type Change struct {
	Old *Config
	New *Config

	// Sections lists every top-level section that differs, sorted.
	Sections []string
	// Restart is the subset of Sections whose components are built once at
	// startup; edits there are stored but take effect after a restart.
	Restart []string
	// Fields summarises the new values for logging. Tokens are never included.
	Fields []logx.Field
}

// Empty reports whether nothing observable changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

type section struct {
	name    string
	restart bool
	changed func(o, n *Config) bool
	fields  func(n *Config) []logx.Field
}

// sections is sorted by name so Change.Sections comes out sorted.
var sections = []section{
	{
		name:    "auth",
		changed: func(o, n *Config) bool { return !reflect.DeepEqual(o.Auth, n.Auth) },
		fields: func(n *Config) []logx.Field {
			admins := 0
			for _, t := range n.Auth.Tokens {
				if strings.EqualFold(strings.TrimSpace(t.Role), RoleAdmin) {
					admins++
				}
			}
			return []logx.Field{
				logx.Int("auth.tokens", len(n.Auth.Tokens)),
				logx.Int("auth.admins", admins),
			}
		},
	},
	{
		name:    "catalog",
		changed: func(o, n *Config) bool { return o.Catalog != n.Catalog },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("catalog.endpoint", strings.TrimSpace(n.Catalog.Endpoint)),
				logx.Int("catalog.rate_per_minute", n.Catalog.RatePerMinute),
			}
		},
	},
	{
		name:    "http",
		restart: true,
		changed: func(o, n *Config) bool { return o.HTTP != n.HTTP },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("http.addr", strings.TrimSpace(n.HTTP.Addr)),
				logx.Bool("http.pprof", n.HTTP.Pprof),
			}
		},
	},
	{
		name:    "jobs",
		changed: func(o, n *Config) bool { return !reflect.DeepEqual(o.Jobs, n.Jobs) },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Int("jobs.genres", len(n.Jobs.Genres)),
				logx.Int("jobs.genre_concurrency", n.Jobs.GenreConcurrency),
			}
		},
	},
	{
		name:    "logging",
		changed: func(o, n *Config) bool { return o.Logging != n.Logging },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", n.Logging.Level),
				logx.Bool("logging.json", n.Logging.JSON),
				logx.Bool("logging.file", n.Logging.File.Enabled),
			}
		},
	},
	{
		name:    "scheduler",
		restart: true,
		changed: func(o, n *Config) bool { return o.Scheduler != n.Scheduler },
		fields: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
				logx.Bool("scheduler.autostart", n.Scheduler.Autostart),
			}
		},
	},
	{
		name:    "storage",
		restart: true,
		changed: func(o, n *Config) bool { return storageOf(o) != storageOf(n) },
		fields: func(n *Config) []logx.Field {
			s := storageOf(n)
			return []logx.Field{
				logx.String("storage.driver", s.Driver),
				logx.Bool("storage.path_set", s.Path != ""),
			}
		},
	},
	{
		name:    "task_engine",
		changed: func(o, n *Config) bool { return taskEngineOf(o) != taskEngineOf(n) },
		fields: func(n *Config) []logx.Field {
			te := taskEngineOf(n)
			return []logx.Field{
				logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
				logx.Int("task_engine.history_size", te.HistorySize),
			}
		},
	},
}

// Diff classifies the move from oldCfg to newCfg. Either side may be nil.
func Diff(oldCfg, newCfg *Config) Change {
	c := Change{Old: oldCfg, New: newCfg}
	o, n := oldCfg, newCfg
	if o == nil {
		o = &Config{}
	}
	if n == nil {
		n = &Config{}
	}
	for _, s := range sections {
		if !s.changed(o, n) {
			continue
		}
		c.Sections = append(c.Sections, s.name)
		c.Fields = append(c.Fields, s.fields(n)...)
		if s.restart {
			c.Restart = append(c.Restart, s.name)
		}
	}
	return c
}

// storageOf compares on trimmed values; nil means the in-memory default.
func storageOf(cfg *Config) StorageConfig {
	if cfg.Storage == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: strings.TrimSpace(cfg.Storage.BusyTimeout),
	}
}

func taskEngineOf(cfg *Config) TaskEngineConfig {
	if cfg.TaskEngine == nil {
		return TaskEngineConfig{}
	}
	return *cfg.TaskEngine
}
