// Package boot builds the engine components shared by the CLI commands from
// the loaded configuration.
package boot

import (
	"context"
	"fmt"

	"github.com/inngest/runengine/cmd/internal/envflags"
	"github.com/inngest/runengine/pkg/config"
	"github.com/inngest/runengine/pkg/coredata/sqlstore"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/fairqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/redis/rueidis"
	"github.com/urfave/cli/v3"
)

type Deps struct {
	Config *config.Config
	Log    logger.Logger
	Redis  rueidis.Client
}

// Load reads the configuration named by --config or RUNENGINE_CONFIG and
// connects to Redis.
func Load(ctx context.Context, cmd *cli.Command) (*Deps, error) {
	l := logger.StdlibLogger(ctx)

	path := envflags.GetEnvOrFlag(cmd, "config", config.EnvPrefix+"CONFIG")
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !cmd.IsSet("log-level") && (c.Log.Level != "" || c.Log.Handler != "") {
		l = newLogger(c.Log)
	}
	if path != "" {
		l.Info("using config", "file", path)
	}

	opt, err := rueidis.ParseURL(c.Redis.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	opt.DisableCache = true
	rc, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	return &Deps{Config: c, Log: l, Redis: rc}, nil
}

func newLogger(c config.Log) logger.Logger {
	opts := []logger.LoggerOpt{logger.WithLoggerLevel(logger.ParseLevel(c.Level))}
	if c.Handler != "" {
		opts = append(opts, logger.WithHandler(logger.ParseHandler(c.Handler)))
	}
	return logger.New(opts...)
}

func (d *Deps) Close() {
	d.Redis.Close()
}

func (d *Deps) OpenStore(ctx context.Context) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Options{
		Driver: d.Config.Database.Driver,
		DSN:    d.Config.Database.DSN,
	})
}

func (d *Deps) RunQueue(opts ...runqueue.QueueOpt) *runqueue.RunQueue {
	c := d.Config.RunQueue
	return runqueue.New(d.Redis, append([]runqueue.QueueOpt{
		runqueue.WithLogger(d.Log),
		runqueue.WithKeyPrefix(c.KeyPrefix),
		runqueue.WithShardCount(c.ShardCount),
		runqueue.WithDefaultEnvConcurrencyLimit(c.DefaultEnvConcurrencyLimit),
		runqueue.WithVisibilityTimeout(c.VisibilityTimeout),
		runqueue.WithSelectionCount(c.SelectionCount),
	}, opts...)...)
}

func (d *Deps) VisibilityManager() *fairqueue.VisibilityManager {
	c := d.Config.FairQueue
	return fairqueue.NewVisibilityManager(d.Redis,
		fairqueue.WithLogger(d.Log),
		fairqueue.WithKeyPrefix(c.KeyPrefix),
		fairqueue.WithShardCount(c.ShardCount),
		fairqueue.WithDefaultVisibilityTimeout(c.VisibilityTimeout),
	)
}

func (d *Deps) BatchQueue(opts ...batchqueue.Opt) *batchqueue.BatchQueue {
	c := d.Config.BatchQueue
	return batchqueue.New(d.Redis, append([]batchqueue.Opt{
		batchqueue.WithLogger(d.Log),
		batchqueue.WithKeyPrefix(c.KeyPrefix),
		batchqueue.WithQuantum(c.Quantum),
		batchqueue.WithMaxDeficit(c.MaxDeficit),
		batchqueue.WithPollInterval(c.PollInterval),
		batchqueue.WithConsumerConcurrency(c.Concurrency),
	}, opts...)...)
}
