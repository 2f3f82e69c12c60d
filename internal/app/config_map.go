package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/catalog"
	"catalogd/internal/config"
	"catalogd/internal/httpapi"
	"catalogd/internal/jobs"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	logx "catalogd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig resolves the storage section. Omitted means memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil || cfg.TaskEngine == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{DefaultTimeout: timeout, HistorySize: cfg.TaskEngine.HistorySize}, nil
}

func mapCatalogConfig(cfg *config.Config) (catalog.Config, error) {
	cc := cfg.Catalog
	timeout, err := config.ParseDurationOrDefault("catalog.timeout", cc.Timeout, 0)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		Endpoint:         cc.Endpoint,
		RatePerMinute:    cc.RatePerMinute,
		Timeout:          timeout,
		TrendingPageSize: cc.TrendingPageSize,
		GenrePageSize:    cc.GenrePageSize,
		MaxAttempts:      cc.MaxAttempts,
	}, nil
}

func mapJobsOptions(cfg *config.Config) jobs.Options {
	return jobs.Options{Genres: cfg.Jobs.Genres, GenreConcurrency: cfg.Jobs.GenreConcurrency}
}

func mapTokens(cfg *config.Config) []httpapi.Token {
	out := make([]httpapi.Token, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		out = append(out, httpapi.Token{Name: t.Name, Secret: t.Token, Role: t.Role})
	}
	return out
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	var (
		out httpapi.Config
		err error
	)
	out.Addr = h.Addr
	out.Pprof = h.Pprof
	out.Tokens = mapTokens(cfg)
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	// Zero keeps long-lived websocket streams open; handlers set their own deadlines.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// validateMapped runs every mapping so a hot reload is rejected before commit.
func validateMapped(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapCatalogConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
