package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	s3adapter "github.com/pinstack/pinstack/internal/storage/s3"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// Configuration is the full daemon configuration.
type Configuration struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	WAL struct {
		Dir             string `yaml:"dir"`
		MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
	} `yaml:"wal"`

	Index struct {
		Dir              string `yaml:"dir"`
		CompactThreshold int    `yaml:"compact_threshold"`
	} `yaml:"index"`

	Cache struct {
		MaxHotEntries    int    `yaml:"max_hot_entries"`
		OverflowDir      string `yaml:"overflow_dir"`
		MaxOverflowBytes int64  `yaml:"max_overflow_bytes"`
	} `yaml:"cache"`

	Replication struct {
		Interval time.Duration           `yaml:"interval"`
		Policy   types.ReplicationPolicy `yaml:"policy"`
	} `yaml:"replication"`

	Health struct {
		ProbeInterval time.Duration `yaml:"probe_interval"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Port    int    `yaml:"port"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"api"`

	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig declares one storage backend.
type BackendConfig struct {
	ID            string           `yaml:"id"`
	Type          string           `yaml:"type"` // "memory", "local" or "s3"
	Path          string           `yaml:"path"` // local only
	S3            s3adapter.Config `yaml:"s3"`   // s3 only
	CapacityBytes int64            `yaml:"capacity_bytes"`
	Priority      int              `yaml:"priority"`
}

// NewDefault returns a configuration with sane single-node defaults. The
// default backend set is empty; a deployment must declare where replicas
// go.
func NewDefault() *Configuration {
	cfg := &Configuration{}
	cfg.LogLevel = "info"
	cfg.DataDir = "/var/lib/pinstack"
	cfg.WAL.MaxSegmentBytes = 64 * 1024 * 1024
	cfg.Index.CompactThreshold = 4096
	cfg.Cache.MaxHotEntries = 4096
	cfg.Cache.MaxOverflowBytes = 1 * 1024 * 1024 * 1024
	cfg.Replication.Interval = 30 * time.Second
	cfg.Replication.Policy = types.ReplicationPolicy{
		Version:        1,
		MinReplicas:    1,
		TargetReplicas: 2,
		MaxReplicas:    3,
		Strategy:       types.StrategyBalanced,
	}
	cfg.Health.ProbeInterval = 15 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9650
	cfg.Metrics.Path = "/metrics"
	cfg.API.Enabled = true
	cfg.API.Address = "localhost:9651"
	return cfg
}

// LoadFromFile reads a YAML configuration over the defaults.
func LoadFromFile(path string) (*Configuration, error) {
	cfg := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to read config file").
			WithCause(err).WithDetail("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithCause(err).WithDetail("path", path)
	}

	cfg.applyDerivedPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays PINSTACK_* environment variables onto cfg.
func (c *Configuration) LoadFromEnv() {
	if v := os.Getenv("PINSTACK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PINSTACK_DATA_DIR"); v != "" {
		c.DataDir = v
		c.WAL.Dir = ""
		c.Index.Dir = ""
		c.Cache.OverflowDir = ""
	}
	if v := os.Getenv("PINSTACK_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("PINSTACK_REPLICATION_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Replication.Policy.TargetReplicas = n
		}
	}
	c.applyDerivedPaths()
}

// applyDerivedPaths fills component dirs left empty from DataDir.
func (c *Configuration) applyDerivedPaths() {
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.Index.Dir == "" {
		c.Index.Dir = filepath.Join(c.DataDir, "index")
	}
	if c.Cache.OverflowDir == "" {
		c.Cache.OverflowDir = filepath.Join(c.DataDir, "cache")
	}
}

// Validate checks internal consistency. Called after all sources are
// merged.
func (c *Configuration) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "data_dir must be set")
	}
	if err := c.Replication.Policy.Validate(); err != nil {
		return errors.New(errors.ErrCodeInvalidConfig, "replication policy rejected").WithCause(err)
	}
	if c.Replication.Interval <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "replication interval must be positive")
	}
	if c.Health.ProbeInterval <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "health probe interval must be positive")
	}

	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.ID == "" {
			return errors.Newf(errors.ErrCodeInvalidConfig, "backend %d has no id", i)
		}
		if seen[b.ID] {
			return errors.Newf(errors.ErrCodeInvalidConfig, "backend id %s declared twice", b.ID)
		}
		seen[b.ID] = true

		switch b.Type {
		case "memory":
		case "local":
			if b.Path == "" {
				return errors.Newf(errors.ErrCodeInvalidConfig, "local backend %s needs a path", b.ID)
			}
		case "s3":
			if b.S3.Bucket == "" {
				return errors.Newf(errors.ErrCodeInvalidConfig, "s3 backend %s needs a bucket", b.ID)
			}
		default:
			return errors.Newf(errors.ErrCodeInvalidConfig, "backend %s has unknown type %q", b.ID, b.Type)
		}
	}
	return nil
}
