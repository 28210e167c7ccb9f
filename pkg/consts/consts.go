package consts

import "time"

const (
	// DefaultEnvConcurrencyLimit is used for environments without a stored or
	// configured concurrency limit.
	DefaultEnvConcurrencyLimit = 10

	// DefaultVisibilityTimeout is how long a claimed message stays hidden before
	// it may be reclaimed.
	DefaultVisibilityTimeout = 5 * time.Minute

	// DefaultShardCount is the number of in-flight shards used by the visibility
	// manager and the run queue.  Changing it only remaps a small share of
	// queues, but in-flight items on remapped queues are only reclaimed by a
	// sweep of their old shard.
	DefaultShardCount = 2

	// ReclaimBatchSize bounds the number of timed out messages reclaimed by a
	// single sweep call.
	ReclaimBatchSize = 100

	// DefaultReclaimInterval is how often the reclaim sweeps run.
	DefaultReclaimInterval = 5 * time.Second

	// DefaultSelectionCount is the number of candidate queues peeked from a
	// master queue for each shared dequeue.
	DefaultSelectionCount = 12

	// DefaultDRRQuantum is the deficit added per environment per DRR
	// iteration.
	DefaultDRRQuantum = 5

	// DefaultDRRMaxDeficit caps accumulated deficit.
	DefaultDRRMaxDeficit = 50

	// DefaultDRRPollInterval is how long the batch consumer sleeps after an
	// iteration that dequeued nothing.
	DefaultDRRPollInterval = time.Second

	// DefaultScheduleDistributionWindow is the jitter window added to
	// scheduled task firings.
	DefaultScheduleDistributionWindow = 30 * time.Second

	// DefaultUpcomingOccurrences is the number of future timestamps included
	// in a scheduled trigger payload.
	DefaultUpcomingOccurrences = 10

	// ScheduleQueueName is the simple queue used for schedule timers.
	ScheduleQueueName = "schedule"

	// DefaultWorkerConcurrency is the number of schedule jobs handled at once.
	DefaultWorkerConcurrency = 10

	// DefaultWorkerPollInterval is how often an idle schedule worker polls.
	DefaultWorkerPollInterval = time.Second

	// DefaultMasterQueue is the shared master queue name used by the CLI.
	DefaultMasterQueue = "main"

	// DefaultMetricsAddr is where the start command serves metrics.
	DefaultMetricsAddr = ":9090"
)
