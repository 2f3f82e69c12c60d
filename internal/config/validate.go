package config

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Roles understood by the admin API.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Validate checks a parsed config. It does not fill defaults; consumers do.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"http.read_timeout":     cfg.HTTP.ReadTimeout,
		"http.write_timeout":    cfg.HTTP.WriteTimeout,
		"http.idle_timeout":     cfg.HTTP.IdleTimeout,
		"http.shutdown_timeout": cfg.HTTP.ShutdownTimeout,
		"catalog.timeout":       cfg.Catalog.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if cfg.TaskEngine != nil {
		_, err := ParseDurationField("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
		add(err)
		if cfg.TaskEngine.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
	}

	seen := map[string]string{}
	for i, t := range cfg.Auth.Tokens {
		tok := strings.TrimSpace(t.Token)
		if tok == "" {
			add(errors.Newf("auth.tokens[%d]: token is required", i))
			continue
		}
		if prev, dup := seen[tok]; dup {
			add(errors.Newf("auth.tokens[%d]: token reused (also %q)", i, prev))
		}
		seen[tok] = t.Name
		switch strings.ToLower(strings.TrimSpace(t.Role)) {
		case RoleAdmin, RoleViewer:
		default:
			add(errors.Newf("auth.tokens[%d]: unknown role %q", i, t.Role))
		}
	}

	if sc := cfg.Storage; sc != nil {
		switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add(errors.Newf("storage.path is required when storage.driver=%s", d))
			}
		default:
			add(errors.Newf("unknown storage.driver: %s", sc.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		add(err)
	}

	if cfg.Catalog.RatePerMinute < 0 {
		add(errors.New("catalog.rate_per_minute must be >= 0"))
	}
	if cfg.Jobs.GenreConcurrency < 0 {
		add(errors.New("jobs.genre_concurrency must be >= 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
