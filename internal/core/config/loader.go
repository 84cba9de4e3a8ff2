package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables and
// filling defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.Markers == "" {
		cfg.Storage.Markers = MarkersStore
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "memory"
	}
	if cfg.Transport.LocalAddress == "" {
		cfg.Transport.LocalAddress = "recoverd"
	}

	r := &cfg.Retries
	if r.Interval == 0 {
		r.Interval = 30 * time.Second
	}
	if r.OrphanTimeout == 0 {
		r.OrphanTimeout = 5 * time.Minute
	}
	if r.ForwardTimeout == 0 {
		r.ForwardTimeout = 2 * time.Minute
	}
	if r.LockTTL == 0 {
		r.LockTTL = 2 * r.ForwardTimeout
	}
	if r.StagingInactivity == 0 {
		r.StagingInactivity = 5 * time.Second
	}
	if r.DoneRetention == 0 {
		r.DoneRetention = 24 * time.Hour
	}
	if r.PruneInterval == 0 {
		r.PruneInterval = time.Hour
	}

	if cfg.Reclassify.BatchSize == 0 {
		cfg.Reclassify.BatchSize = 1000
	}
	if cfg.Reclassify.Parallelism == 0 {
		cfg.Reclassify.Parallelism = 8
	}
}

// Validate rejects combinations the service cannot assemble.
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("storage backend %q requires database.url", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Storage.Markers {
	case MarkersStore:
	case MarkersRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("storage markers %q requires redis.url", c.Storage.Markers)
		}
	default:
		return fmt.Errorf("unknown marker store %q", c.Storage.Markers)
	}

	if (c.Transport.Kind == "redis" || c.Retries.UseLock) && c.Redis.URL == "" {
		return fmt.Errorf("transport %q with use_lock=%t requires redis.url", c.Transport.Kind, c.Retries.UseLock)
	}
	if c.Retries.StagingInactivity >= c.Retries.ForwardTimeout {
		return fmt.Errorf("retries.staging_inactivity (%s) must be shorter than retries.forward_timeout (%s)",
			c.Retries.StagingInactivity, c.Retries.ForwardTimeout)
	}
	return nil
}

// NeedsRedis reports whether any component is configured to use redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Storage.Markers == MarkersRedis || c.Transport.Kind == "redis" || c.Retries.UseLock
}
