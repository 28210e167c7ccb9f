// Package config loads the engine configuration from defaults, an optional
// JSON or YAML file and RUNENGINE_ environment variables, in that order of
// priority.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/inngest/runengine/pkg/consts"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "RUNENGINE_"

type Config struct {
	Redis      Redis      `koanf:"redis"`
	RunQueue   RunQueue   `koanf:"runqueue"`
	FairQueue  FairQueue  `koanf:"fairqueue"`
	BatchQueue BatchQueue `koanf:"batchqueue"`
	Schedule   Schedule   `koanf:"schedule"`
	Database   Database   `koanf:"database"`
	Metrics    Metrics    `koanf:"metrics"`
	Log        Log        `koanf:"log"`
}

type Redis struct {
	URI string `koanf:"uri"`
}

type RunQueue struct {
	KeyPrefix                  string        `koanf:"key-prefix"`
	ShardCount                 int           `koanf:"shard-count"`
	DefaultEnvConcurrencyLimit int           `koanf:"default-env-concurrency-limit"`
	VisibilityTimeout          time.Duration `koanf:"visibility-timeout"`
	SelectionCount             int           `koanf:"selection-count"`
	ReclaimInterval            time.Duration `koanf:"reclaim-interval"`
	// MasterQueue is the shared master queue consumed by the start command.
	MasterQueue string `koanf:"master-queue"`
}

type FairQueue struct {
	KeyPrefix         string        `koanf:"key-prefix"`
	ShardCount        int           `koanf:"shard-count"`
	VisibilityTimeout time.Duration `koanf:"visibility-timeout"`
	ReclaimInterval   time.Duration `koanf:"reclaim-interval"`
}

type BatchQueue struct {
	KeyPrefix    string        `koanf:"key-prefix"`
	Quantum      int           `koanf:"quantum"`
	MaxDeficit   int           `koanf:"max-deficit"`
	PollInterval time.Duration `koanf:"poll-interval"`
	Concurrency  int           `koanf:"concurrency"`
}

type Schedule struct {
	QueueName          string        `koanf:"queue-name"`
	DistributionWindow time.Duration `koanf:"distribution-window"`
	UpcomingCount      int           `koanf:"upcoming-count"`
	Concurrency        int           `koanf:"concurrency"`
	PollInterval       time.Duration `koanf:"poll-interval"`
	MaxAttempts        int           `koanf:"max-attempts"`
}

type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type Metrics struct {
	// Exporter is "prometheus", "otlp" or "stdout".
	Exporter string `koanf:"exporter"`
	Addr     string `koanf:"addr"`
}

type Log struct {
	Level   string `koanf:"level"`
	Handler string `koanf:"handler"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Redis: Redis{URI: "redis://localhost:6379"},
		RunQueue: RunQueue{
			ShardCount:                 consts.DefaultShardCount,
			DefaultEnvConcurrencyLimit: consts.DefaultEnvConcurrencyLimit,
			VisibilityTimeout:          consts.DefaultVisibilityTimeout,
			SelectionCount:             consts.DefaultSelectionCount,
			ReclaimInterval:            consts.DefaultReclaimInterval,
			MasterQueue:                consts.DefaultMasterQueue,
		},
		FairQueue: FairQueue{
			ShardCount:        consts.DefaultShardCount,
			VisibilityTimeout: consts.DefaultVisibilityTimeout,
			ReclaimInterval:   consts.DefaultReclaimInterval,
		},
		BatchQueue: BatchQueue{
			Quantum:      consts.DefaultDRRQuantum,
			MaxDeficit:   consts.DefaultDRRMaxDeficit,
			PollInterval: consts.DefaultDRRPollInterval,
			Concurrency:  consts.DefaultWorkerConcurrency,
		},
		Schedule: Schedule{
			QueueName:          consts.ScheduleQueueName,
			DistributionWindow: consts.DefaultScheduleDistributionWindow,
			UpcomingCount:      consts.DefaultUpcomingOccurrences,
			Concurrency:        consts.DefaultWorkerConcurrency,
			PollInterval:       consts.DefaultWorkerPollInterval,
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "file:runengine.db?_pragma=busy_timeout(5000)",
		},
		Metrics: Metrics{
			Exporter: "prometheus",
			Addr:     consts.DefaultMetricsAddr,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the file at path, if any, then the environment.  Keys missing
// from both keep their default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	c := Default()
	if err := k.Unmarshal("", c); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch filepath.Ext(path) {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("config file must be JSON or YAML")
	}
	return k.Load(file.Provider(path), parser)
}

// envKey maps RUNENGINE_RUNQUEUE__SHARD_COUNT to runqueue.shard-count.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.Split(s, "__")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "_", "-")
	}
	return strings.Join(parts, ".")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.RunQueue.ShardCount < 1 || c.FairQueue.ShardCount < 1 {
		return fmt.Errorf("shard count must be at least 1")
	}
	if c.BatchQueue.Quantum < 1 {
		return fmt.Errorf("batch queue quantum must be at least 1")
	}
	if c.BatchQueue.MaxDeficit < c.BatchQueue.Quantum {
		return fmt.Errorf("batch queue max deficit must be at least the quantum")
	}
	if c.Schedule.DistributionWindow < 0 {
		return fmt.Errorf("schedule distribution window must not be negative")
	}
	return nil
}
