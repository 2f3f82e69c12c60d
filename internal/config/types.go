package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls how job bodies execute. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage is optional; omitted means the in-memory store.
	Storage *StorageConfig `json:"storage,omitempty"`

	Catalog CatalogConfig `json:"catalog"`
	Jobs    JobsConfig    `json:"jobs"`
}

// HTTPConfig controls the admin API server.
//
// Security note:
//   - Every /api route requires a bearer token from auth.tokens.
//   - pprof is mounted under /debug/pprof/ behind admin auth when enabled.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}

type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig is one API credential. Role is "admin" or "viewer".
type TokenConfig struct {
	Name  string `json:"name"`
	Token string `json:"token"` // do not log
	Role  string `json:"role"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job registry.
//
// Enabled=false keeps the cron loop off; manual runs still work.
// Autostart registers every active schedule at boot.
// SeedDefaults creates missing default schedules before autostart.
type SchedulerConfig struct {
	Enabled      bool `json:"enabled"`
	Autostart    bool `json:"autostart"`
	SeedDefaults bool `json:"seed_defaults"`
}

// TaskEngineConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "0s" (no timeout)
//   - history_size: 200
type TaskEngineConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./catalogd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// CatalogConfig controls the AniList client. Zero values take client defaults.
type CatalogConfig struct {
	Endpoint         string `json:"endpoint,omitempty"`
	RatePerMinute    int    `json:"rate_per_minute,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	TrendingPageSize int    `json:"trending_page_size,omitempty"`
	GenrePageSize    int    `json:"genre_page_size,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
}

type JobsConfig struct {
	Genres           []string `json:"genres,omitempty"`
	GenreConcurrency int      `json:"genre_concurrency,omitempty"`
}
