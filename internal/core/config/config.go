package config

import (
	"time"

	redisclient "github.com/vietddude/recoverd/internal/infra/redis"
	"github.com/vietddude/recoverd/internal/infra/storage/postgres"
	"github.com/vietddude/recoverd/internal/infra/transport"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Storage    StorageConfig      `yaml:"storage"`
	Transport  transport.Config   `yaml:"transport"`
	Retries    RetriesConfig      `yaml:"retries"`
	Reclassify ReclassifyConfig   `yaml:"reclassify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	MarkersStore = "store"
	MarkersRedis = "redis"
)

// StorageConfig selects where documents live.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, postgres
	Markers string `yaml:"markers"` // store, redis
}

// RetriesConfig holds retry processor and pruning settings.
type RetriesConfig struct {
	Interval          time.Duration `yaml:"interval"`
	OrphanTimeout     time.Duration `yaml:"orphan_timeout"`
	ForwardTimeout    time.Duration `yaml:"forward_timeout"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	UseLock           bool          `yaml:"use_lock"` // requires redis
	StagingInactivity time.Duration `yaml:"staging_inactivity"`
	DoneRetention     time.Duration `yaml:"done_retention"` // 0 = keep forever
	PruneInterval     time.Duration `yaml:"prune_interval"`
}

// ReclassifyConfig holds reclassification settings.
type ReclassifyConfig struct {
	BatchSize    int  `yaml:"batch_size"`
	Parallelism  int  `yaml:"parallelism"`
	RunOnStartup bool `yaml:"run_on_startup"`
}
