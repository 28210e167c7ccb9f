package start

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inngest/runengine/cmd/internal/boot"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/schedule"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:        "start",
		Usage:       "Run the queue reclaimers, batch consumer and schedule worker",
		UsageText:   "runengine start [options]",
		Description: "Example: runengine start --config runengine.yaml",
		Action:      action,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Address to serve metrics and debug endpoints on",
			},
			&cli.BoolFlag{
				Name:  "dev-connected",
				Value: true,
				Usage: "Treat development environments as connected when firing schedules",
			},
		},
	}
}

func action(ctx context.Context, cmd *cli.Command) error {
	deps, err := boot.Load(ctx, cmd)
	if err != nil {
		return err
	}
	defer deps.Close()
	c, l := deps.Config, deps.Log

	mtype, err := metrics.ParseMeterType(c.Metrics.Exporter)
	if err != nil {
		return err
	}
	shutdown, err := metrics.MeterSetup("runengine", mtype)
	if err != nil {
		return err
	}
	defer shutdown()

	store, err := deps.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rq := deps.RunQueue()
	vm := deps.VisibilityManager()
	envs := newEnvCache(store, time.Minute)
	defer envs.Stop()
	runs := runCreator{runs: rq, envs: envs, masterQueue: c.RunQueue.MasterQueue}

	bq := deps.BatchQueue(batchqueue.WithOnBatchComplete(func(ctx context.Context, res batchqueue.CompletionResult) error {
		l.Info("batch completed",
			"batch_id", res.BatchID,
			"friendly_id", res.FriendlyID,
			"env_id", res.EnvID,
			"successes", len(res.Successes),
			"failures", len(res.Failures),
		)
		return nil
	}))

	devConnected := cmd.Bool("dev-connected")
	engine, err := schedule.New(deps.Redis, store,
		schedule.WithLogger(l),
		schedule.WithQueueName(c.Schedule.QueueName),
		schedule.WithDistributionWindow(c.Schedule.DistributionWindow),
		schedule.WithUpcomingCount(c.Schedule.UpcomingCount),
		schedule.WithWorkerConcurrency(c.Schedule.Concurrency),
		schedule.WithPollInterval(c.Schedule.PollInterval),
		schedule.WithMaxAttempts(c.Schedule.MaxAttempts),
		schedule.WithOnTrigger(runs.triggerScheduledTask),
		schedule.WithDevEnvironmentConnected(func(ctx context.Context, envID string) bool {
			return devConnected
		}),
		schedule.WithRunEnqueuer(rq),
	)
	if err != nil {
		return err
	}

	addr := c.Metrics.Addr
	if cmd.IsSet("metrics-addr") {
		addr = cmd.String("metrics-addr")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		every(ctx, c.RunQueue.ReclaimInterval, func(ctx context.Context) {
			for shard := 0; shard < rq.ShardCount(); shard++ {
				if _, err := rq.ReclaimTimedOut(ctx, shard); err != nil {
					l.Error("error reclaiming run queue shard", "shard", shard, "error", err)
				}
			}
			if n, err := rq.LengthOfMasterQueue(ctx, c.RunQueue.MasterQueue); err == nil {
				metrics.GaugeQueueLength(ctx, n, metrics.GaugeOpt{
					PkgName: "runengine",
					Tags:    map[string]any{"master_queue": c.RunQueue.MasterQueue},
				})
			}
		})
		return nil
	})
	eg.Go(func() error {
		every(ctx, c.FairQueue.ReclaimInterval, func(ctx context.Context) {
			for shard := 0; shard < vm.ShardCount(); shard++ {
				if _, err := vm.ReclaimTimedOut(ctx, shard, nil); err != nil {
					l.Error("error reclaiming fair queue shard", "shard", shard, "error", err)
				}
			}
		})
		return nil
	})
	eg.Go(func() error {
		return bq.Run(ctx, runs.processBatchItem)
	})
	eg.Go(func() error {
		if err := engine.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		engine.Stop()
		return nil
	})
	eg.Go(func() error {
		return serve(ctx, addr, router(rq, bq, l), l)
	})

	l.Info("runengine started", "master_queue", c.RunQueue.MasterQueue)
	err = eg.Wait()
	l.Info("runengine stopped")
	return err
}

// every calls f each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, f func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f(ctx)
		}
	}
}
