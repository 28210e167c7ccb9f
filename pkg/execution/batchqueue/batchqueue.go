// Package batchqueue drains per-environment batches of items fairly using
// deficit round robin.
//
// Every environment with an active batch gains a quantum of deficit per
// iteration, capped at a maximum, and spends one unit per item dequeued.  An
// environment with one huge batch is therefore serviced at the same rate as an
// environment with many small ones, and neither can starve the other.
package batchqueue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/inngest/runengine/pkg/consts"
	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/inngest/runengine/pkg/util"
	"github.com/inngest/runengine/pkg/util/luascript"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/rueidis"
)

const pkgName = "execution.batchqueue"

//go:embed lua/*
var embedded embed.FS

var scripts = luascript.Load(embedded, "lua")

var (
	ErrBatchExists   = fmt.Errorf("batch already exists")
	ErrBatchNotFound = fmt.Errorf("batch not found")
	ErrEmptyBatch    = fmt.Errorf("batch has no items")
	ErrInvalidEnvID  = fmt.Errorf("invalid environment id")
)

// Item is a single unit of work within a batch.
type Item struct {
	TaskIdentifier string          `json:"taskIdentifier"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type EnqueueBatchOpts struct {
	// BatchID defaults to a new ULID.
	BatchID string
	// FriendlyID is the user facing batch id.
	FriendlyID      string
	OrganizationID  string
	ProjectID       string
	EnvID           string
	EnvironmentType queue.EnvType
	Items           []Item
	// CreatedAt orders the env's batches.  Zero means now.
	CreatedAt time.Time
}

// DequeuedItem is an item popped from a batch.
type DequeuedItem struct {
	BatchID string
	EnvID   string
	Index   int
	Item    Item
	// IsBatchComplete is set on the item that emptied the batch.
	IsBatchComplete bool

	envBatchesRemaining int
}

// Failure records an item that could not be processed.
type Failure struct {
	Index          int             `json:"index"`
	TaskIdentifier string          `json:"taskIdentifier"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error"`
	ErrorCode      string          `json:"errorCode,omitempty"`
}

// Meta is the stored description of a batch.
type Meta struct {
	BatchID         string
	FriendlyID      string
	OrganizationID  string
	ProjectID       string
	EnvID           string
	EnvironmentType queue.EnvType
	CreatedAt       time.Time
	ItemCount       int
}

func parseMeta(batchID string, m map[string]string) Meta {
	meta := Meta{
		BatchID:        batchID,
		FriendlyID:     m["friendlyId"],
		OrganizationID: m["orgId"],
		ProjectID:      m["projectId"],
		EnvID:          m["envId"],
	}
	if t, err := queue.EnvTypeString(m["envType"]); err == nil {
		meta.EnvironmentType = t
	}
	if ms, err := strconv.ParseInt(m["createdAt"], 10, 64); err == nil {
		meta.CreatedAt = time.UnixMilli(ms)
	}
	meta.ItemCount, _ = strconv.Atoi(m["itemCount"])
	return meta
}

// CompletionResult summarizes a batch once all of its items were dequeued.
type CompletionResult struct {
	Meta
	Successes []string
	Failures  []Failure
}

// BatchInfo describes an active batch.
type BatchInfo struct {
	Meta
	Remaining int64
}

type Opt func(b *BatchQueue)

func WithClock(c clockwork.Clock) Opt {
	return func(b *BatchQueue) {
		b.clock = c
	}
}

func WithLogger(l logger.Logger) Opt {
	return func(b *BatchQueue) {
		b.log = l
	}
}

func WithKeyPrefix(prefix string) Opt {
	return func(b *BatchQueue) {
		b.kg = keys.NewBatchKeyGenerator(prefix)
	}
}

// WithQuantum sets the deficit each active environment gains per iteration.
func WithQuantum(n int) Opt {
	return func(b *BatchQueue) {
		if n > 0 {
			b.quantum = n
		}
	}
}

// WithMaxDeficit caps an environment's deficit.
func WithMaxDeficit(n int) Opt {
	return func(b *BatchQueue) {
		if n > 0 {
			b.maxDeficit = n
		}
	}
}

func WithPollInterval(d time.Duration) Opt {
	return func(b *BatchQueue) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithConsumerConcurrency sets how many items Run processes at once.
func WithConsumerConcurrency(n int) Opt {
	return func(b *BatchQueue) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithOnBatchComplete sets the callback Run invokes with each completed
// batch's results before cleaning the batch up.
func WithOnBatchComplete(f CompletionFunc) Opt {
	return func(b *BatchQueue) {
		b.onComplete = f
	}
}

type BatchQueue struct {
	client       rueidis.Client
	kg           keys.BatchKeyGenerator
	clock        clockwork.Clock
	log          logger.Logger
	quantum      int
	maxDeficit   int
	pollInterval time.Duration
	concurrency  int
	onComplete   CompletionFunc
}

func New(client rueidis.Client, opts ...Opt) *BatchQueue {
	b := &BatchQueue{
		client:       client,
		kg:           keys.NewBatchKeyGenerator(""),
		clock:        clockwork.NewRealClock(),
		log:          logger.VoidLogger(),
		quantum:      consts.DefaultDRRQuantum,
		maxDeficit:   consts.DefaultDRRMaxDeficit,
		pollInterval: consts.DefaultDRRPollInterval,
		concurrency:  consts.DefaultWorkerConcurrency,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *BatchQueue) KeyGenerator() keys.BatchKeyGenerator {
	return b.kg
}

// EnqueueBatch stores a batch and makes it available to DRR iterations.
func (b *BatchQueue) EnqueueBatch(ctx context.Context, opts EnqueueBatchOpts) (string, error) {
	if opts.EnvID == "" || strings.Contains(opts.EnvID, ":") {
		return "", ErrInvalidEnvID
	}
	if len(opts.Items) == 0 {
		return "", ErrEmptyBatch
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = b.clock.Now()
	}
	batchID := opts.BatchID
	if batchID == "" {
		batchID = ulid.MustNew(ulid.Timestamp(createdAt), ulid.DefaultEntropy()).String()
	}

	args := []any{
		batchID,
		opts.EnvID,
		createdAt.UnixMilli(),
		b.kg.MasterQueueMember(opts.EnvID, batchID),
		len(opts.Items),
		opts.FriendlyID,
		opts.OrganizationID,
		opts.ProjectID,
		opts.EnvironmentType.String(),
	}
	for i, item := range opts.Items {
		byt, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("error marshalling batch item %d: %w", i, err)
		}
		args = append(args, i, byt)
	}

	strArgs, err := util.StrSlice(args)
	if err != nil {
		return "", err
	}

	status, err := scripts["enqueueBatch"].Exec(
		ctx,
		b.client,
		[]string{
			b.kg.BatchMetaKey(batchID),
			b.kg.BatchItemsKey(batchID),
			b.kg.BatchItemsDataKey(batchID),
			b.kg.MasterQueueKey(),
			b.kg.EnvBatchesKey(opts.EnvID),
		},
		strArgs,
	).AsInt64()
	if err != nil {
		return "", fmt.Errorf("error enqueueing batch: %w", err)
	}
	if status == 0 {
		return "", ErrBatchExists
	}

	b.log.Debug("enqueued batch", "batch_id", batchID, "env_id", opts.EnvID, "items", len(opts.Items))
	return batchID, nil
}

// DequeueItem pops the lowest indexed remaining item of the batch.  It
// returns nil once the batch is empty.
func (b *BatchQueue) DequeueItem(ctx context.Context, batchID, envID string) (*DequeuedItem, error) {
	res, err := scripts["dequeueItem"].Exec(
		ctx,
		b.client,
		[]string{
			b.kg.BatchItemsKey(batchID),
			b.kg.BatchItemsDataKey(batchID),
			b.kg.MasterQueueKey(),
			b.kg.EnvBatchesKey(envID),
		},
		[]string{batchID, b.kg.MasterQueueMember(envID, batchID)},
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error dequeueing batch item: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("malformed dequeue item response of length %d", len(res))
	}

	index, err := strconv.Atoi(res[0])
	if err != nil {
		return nil, fmt.Errorf("invalid batch item index %q: %w", res[0], err)
	}
	remaining, _ := strconv.Atoi(res[3])

	item := &DequeuedItem{
		BatchID:             batchID,
		EnvID:               envID,
		Index:               index,
		IsBatchComplete:     res[2] == "1",
		envBatchesRemaining: remaining,
	}
	if res[1] != "" {
		if err := json.Unmarshal([]byte(res[1]), &item.Item); err != nil {
			// Already popped; returned with an empty Item so it is recorded.
			b.log.Warn("error decoding batch item", "batch_id", batchID, "index", index, "error", err)
		}
	}
	return item, nil
}

// RecordSuccess appends the run created for an item to the batch's results.
func (b *BatchQueue) RecordSuccess(ctx context.Context, batchID, runID string) error {
	cmd := b.client.B().Rpush().Key(b.kg.BatchSuccessesKey(batchID)).Element(runID).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error recording batch success: %w", err)
	}
	return nil
}

// RecordFailure appends a failed item to the batch's results.
func (b *BatchQueue) RecordFailure(ctx context.Context, batchID string, f Failure) error {
	byt, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("error marshalling batch failure: %w", err)
	}
	cmd := b.client.B().Rpush().Key(b.kg.BatchFailuresKey(batchID)).Element(string(byt)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error recording batch failure: %w", err)
	}
	return nil
}

// GetMeta returns the batch's stored description.
func (b *BatchQueue) GetMeta(ctx context.Context, batchID string) (*Meta, error) {
	m, err := b.client.Do(ctx, b.client.B().Hgetall().Key(b.kg.BatchMetaKey(batchID)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("error reading batch: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrBatchNotFound
	}
	meta := parseMeta(batchID, m)
	return &meta, nil
}

// GetCompletionResult aggregates the batch's recorded successes and failures.
func (b *BatchQueue) GetCompletionResult(ctx context.Context, batchID string) (*CompletionResult, error) {
	meta, err := b.GetMeta(ctx, batchID)
	if err != nil {
		return nil, err
	}
	result := &CompletionResult{Meta: *meta}

	result.Successes, err = b.client.Do(ctx, b.client.B().Lrange().Key(b.kg.BatchSuccessesKey(batchID)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error reading batch successes: %w", err)
	}

	failures, err := b.client.Do(ctx, b.client.B().Lrange().Key(b.kg.BatchFailuresKey(batchID)).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error reading batch failures: %w", err)
	}
	for _, s := range failures {
		f := Failure{}
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return nil, fmt.Errorf("error decoding batch failure: %w", err)
		}
		result.Failures = append(result.Failures, f)
	}
	return result, nil
}

// CleanupBatch removes every key of the batch.  It returns false if the batch
// was already clean.
func (b *BatchQueue) CleanupBatch(ctx context.Context, batchID string) (bool, error) {
	envID, err := b.client.Do(ctx, b.client.B().Hget().Key(b.kg.BatchMetaKey(batchID)).Field("envId").Build()).ToString()
	if err != nil && !rueidis.IsRedisNil(err) {
		return false, fmt.Errorf("error reading batch: %w", err)
	}

	deleted, err := scripts["cleanupBatch"].Exec(
		ctx,
		b.client,
		[]string{
			b.kg.BatchMetaKey(batchID),
			b.kg.BatchItemsKey(batchID),
			b.kg.BatchItemsDataKey(batchID),
			b.kg.BatchSuccessesKey(batchID),
			b.kg.BatchFailuresKey(batchID),
			b.kg.MasterQueueKey(),
			b.kg.EnvBatchesKey(envID),
		},
		[]string{batchID, b.kg.MasterQueueMember(envID, batchID)},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error cleaning up batch: %w", err)
	}
	return deleted > 0, nil
}

// Batches lists the batches that still have items, oldest first.
func (b *BatchQueue) Batches(ctx context.Context) ([]BatchInfo, error) {
	cmd := b.client.B().Zrange().Key(b.kg.MasterQueueKey()).Min("0").Max("-1").Withscores().Build()
	members, err := b.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, fmt.Errorf("error reading batch master queue: %w", err)
	}

	batches := make([]BatchInfo, 0, len(members))
	for _, m := range members {
		envID, batchID, err := b.kg.ParseMasterQueueMember(m.Member)
		if err != nil {
			b.log.Warn("skipping malformed batch master queue member", "member", m.Member, "error", err)
			continue
		}
		remaining, err := b.client.Do(ctx, b.client.B().Zcard().Key(b.kg.BatchItemsKey(batchID)).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("error reading batch size: %w", err)
		}
		meta, err := b.GetMeta(ctx, batchID)
		if errors.Is(err, ErrBatchNotFound) {
			meta = &Meta{BatchID: batchID, EnvID: envID}
		} else if err != nil {
			return nil, err
		}
		meta.CreatedAt = time.UnixMilli(int64(m.Score))
		batches = append(batches, BatchInfo{
			Meta:      *meta,
			Remaining: remaining,
		})
	}
	return batches, nil
}

// Deficit returns an environment's current deficit.
func (b *BatchQueue) Deficit(ctx context.Context, envID string) (int, error) {
	n, err := b.client.Do(ctx, b.client.B().Hget().Key(b.kg.DeficitKey()).Field(envID).Build()).AsInt64()
	if rueidis.IsRedisNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading deficit: %w", err)
	}
	return int(n), nil
}

// ResetDeficit clears an environment's deficit.
func (b *BatchQueue) ResetDeficit(ctx context.Context, envID string) error {
	if err := b.client.Do(ctx, b.client.B().Hdel().Key(b.kg.DeficitKey()).Field(envID).Build()).Error(); err != nil {
		return fmt.Errorf("error resetting deficit: %w", err)
	}
	return nil
}
