// Package fairqueue implements sharded queues whose messages move through an
// in-flight set with a visibility deadline.
//
// A consumer claims a message, heartbeats while working on it, and either
// completes or releases it.  A message whose deadline passes is reclaimed by
// a sweep of its shard and returns to its queue at its original position.
// Every transition is a single Lua script, so concurrent consumers never
// observe a message in two places at once.
package fairqueue

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inngest/runengine/pkg/consts"
	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/inngest/runengine/pkg/util"
	"github.com/inngest/runengine/pkg/util/luascript"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/rueidis"
)

const pkgName = "execution.fairqueue"

//go:embed lua/*
var embedded embed.FS

var scripts = luascript.Load(embedded, "lua")

var (
	ErrEmptyQueueID = fmt.Errorf("queue id is required")
	ErrMessageGone  = fmt.Errorf("message is no longer in flight")
)

// Message is a single queued unit of work.
type Message struct {
	ID      string          `json:"id"`
	QueueID string          `json:"queueId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// EnqueuedAt is the score the message was enqueued with, in unix ms.
	EnqueuedAt int64 `json:"enqueuedAt"`
	Attempt    int   `json:"attempt"`
	// DeduplicationKey, when set, is used as the message ID so that a second
	// enqueue replaces the first.
	DeduplicationKey string `json:"deduplicationKey,omitempty"`
}

// ClaimResult is returned from Claim.  Message is nil unless Claimed.
type ClaimResult struct {
	Claimed  bool
	Message  *Message
	Deadline time.Time
}

// QueueKeys are the keys a message is released back into.
type QueueKeys struct {
	Queue  string
	Items  string
	Master string
}

// QueueKeysFunc resolves a queue id into its keys.
type QueueKeysFunc func(queueID string) QueueKeys

// Stats are process-local counters.
type Stats struct {
	Claimed   int64
	Completed int64
	Released  int64
	Reclaimed int64
	Corrupted int64
}

type Opt func(v *VisibilityManager)

func WithClock(c clockwork.Clock) Opt {
	return func(v *VisibilityManager) {
		v.clock = c
	}
}

func WithLogger(l logger.Logger) Opt {
	return func(v *VisibilityManager) {
		v.log = l
	}
}

func WithShardCount(n int) Opt {
	return func(v *VisibilityManager) {
		if n > 0 {
			v.shards = n
		}
	}
}

func WithKeyPrefix(prefix string) Opt {
	return func(v *VisibilityManager) {
		v.kg = keys.NewFairQueueKeyGenerator(prefix)
	}
}

func WithDefaultVisibilityTimeout(d time.Duration) Opt {
	return func(v *VisibilityManager) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// VisibilityManager owns the claim, heartbeat, complete, release and reclaim
// lifecycle of fair queue messages.
type VisibilityManager struct {
	client  rueidis.Client
	kg      keys.FairQueueKeyGenerator
	shards  int
	timeout time.Duration
	clock   clockwork.Clock
	log     logger.Logger

	// mu guards local stats only; queue state lives in Redis.
	mu    sync.Mutex
	stats Stats
}

func NewVisibilityManager(client rueidis.Client, opts ...Opt) *VisibilityManager {
	v := &VisibilityManager{
		client:  client,
		kg:      keys.NewFairQueueKeyGenerator(""),
		shards:  consts.DefaultShardCount,
		timeout: consts.DefaultVisibilityTimeout,
		clock:   clockwork.NewRealClock(),
		log:     logger.VoidLogger(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *VisibilityManager) KeyGenerator() keys.FairQueueKeyGenerator {
	return v.kg
}

func (v *VisibilityManager) ShardCount() int {
	return v.shards
}

// ShardFor returns the shard that holds the queue's master pointer and its
// in-flight messages.
func (v *VisibilityManager) ShardFor(queueID string) int {
	return util.ShardFor(queueID, v.shards)
}

// QueueKeys is the default QueueKeysFunc.
func (v *VisibilityManager) QueueKeys(queueID string) QueueKeys {
	return QueueKeys{
		Queue:  v.kg.QueueKey(queueID),
		Items:  v.kg.QueueItemsKey(queueID),
		Master: v.kg.MasterQueueKey(v.ShardFor(queueID)),
	}
}

type EnqueueOpts struct {
	Payload          any
	DeduplicationKey string
	// At is the message's score.  Zero means now.
	At time.Time
}

// Enqueue adds a message to the queue.
func (v *VisibilityManager) Enqueue(ctx context.Context, queueID string, opts EnqueueOpts) (*Message, error) {
	if queueID == "" {
		return nil, ErrEmptyQueueID
	}

	now := v.clock.Now()
	at := opts.At
	if at.IsZero() {
		at = now
	}

	msg := &Message{
		ID:               opts.DeduplicationKey,
		QueueID:          queueID,
		EnqueuedAt:       at.UnixMilli(),
		DeduplicationKey: opts.DeduplicationKey,
	}
	if msg.ID == "" {
		msg.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if strings.Contains(msg.ID, ":") {
		return nil, fmt.Errorf("message id %q must not contain ':'", msg.ID)
	}
	if opts.Payload != nil {
		byt, err := json.Marshal(opts.Payload)
		if err != nil {
			return nil, fmt.Errorf("error marshalling message payload: %w", err)
		}
		msg.Payload = byt
	}

	byt, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("error marshalling message: %w", err)
	}

	args, err := util.StrSlice([]any{msg.ID, byt, msg.EnqueuedAt, queueID})
	if err != nil {
		return nil, err
	}

	qk := v.QueueKeys(queueID)
	_, err = scripts["enqueue"].Exec(
		ctx,
		v.client,
		[]string{qk.Queue, qk.Items, qk.Master},
		args,
	).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("error enqueueing message: %w", err)
	}

	metrics.IncrMessagesEnqueuedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
	return msg, nil
}

// Claim moves the oldest ready message of the queue in flight until
// now+timeout.  A zero timeout uses the manager's default.  Messages with
// payloads that cannot be decoded are purged and reported as not claimed.
func (v *VisibilityManager) Claim(ctx context.Context, queueID, consumerID string, timeout time.Duration) (ClaimResult, error) {
	if queueID == "" {
		return ClaimResult{}, ErrEmptyQueueID
	}
	if timeout <= 0 {
		timeout = v.timeout
	}

	now := v.clock.Now()
	deadline := now.Add(timeout)
	shard := v.ShardFor(queueID)
	qk := v.QueueKeys(queueID)

	args, err := util.StrSlice([]any{queueID, now.UnixMilli(), deadline.UnixMilli(), consumerID})
	if err != nil {
		return ClaimResult{}, err
	}

	res, err := scripts["claim"].Exec(
		ctx,
		v.client,
		[]string{qk.Queue, qk.Items, qk.Master, v.kg.InflightKey(shard), v.kg.InflightDataKey(shard)},
		args,
	).AsStrSlice()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("error claiming message: %w", err)
	}
	if len(res) < 3 {
		return ClaimResult{}, nil
	}

	messageID := res[0]
	msg := &Message{}
	if err := json.Unmarshal([]byte(res[1]), msg); err != nil {
		v.log.Error("purging corrupted in-flight message",
			"queue_id", queueID,
			"message_id", messageID,
			"error", err,
		)
		if err := v.Complete(ctx, messageID, queueID); err != nil {
			v.log.Error("error purging corrupted message", "queue_id", queueID, "message_id", messageID, "error", err)
		}
		metrics.IncrClaimErrorCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
		v.incr(func(s *Stats) { s.Corrupted++ })
		return ClaimResult{}, nil
	}

	metrics.IncrMessagesDequeuedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
	if score, err := strconv.ParseFloat(res[2], 64); err == nil {
		metrics.HistogramQueueItemLatency(ctx, now.UnixMilli()-int64(score), metrics.HistogramOpt{PkgName: pkgName})
	}
	v.incr(func(s *Stats) { s.Claimed++ })

	return ClaimResult{
		Claimed:  true,
		Message:  msg,
		Deadline: time.UnixMilli(deadline.UnixMilli()),
	}, nil
}

func member(messageID, queueID string) string {
	return messageID + ":" + queueID
}

// ParseInflightMember splits an in-flight member into message and queue id.
// Message ids never contain ':' while queue ids may.
func ParseInflightMember(m string) (string, string, error) {
	messageID, queueID, ok := strings.Cut(m, ":")
	if !ok || messageID == "" || queueID == "" {
		return "", "", fmt.Errorf("malformed in-flight member %q", m)
	}
	return messageID, queueID, nil
}

// Heartbeat extends the message's deadline to now+extend.  It returns false
// if the message is no longer in flight.
func (v *VisibilityManager) Heartbeat(ctx context.Context, messageID, queueID string, extend time.Duration) (bool, error) {
	if extend <= 0 {
		extend = v.timeout
	}
	shard := v.ShardFor(queueID)
	deadline := v.clock.Now().Add(extend)

	args, err := util.StrSlice([]any{member(messageID, queueID), deadline.UnixMilli()})
	if err != nil {
		return false, err
	}

	status, err := scripts["heartbeat"].Exec(
		ctx,
		v.client,
		[]string{v.kg.InflightKey(shard)},
		args,
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error heartbeating message: %w", err)
	}
	return status == 1, nil
}

// Complete removes the message from flight permanently.  Completing twice is
// a no-op.
func (v *VisibilityManager) Complete(ctx context.Context, messageID, queueID string) error {
	shard := v.ShardFor(queueID)
	removed, err := scripts["complete"].Exec(
		ctx,
		v.client,
		[]string{v.kg.InflightKey(shard), v.kg.InflightDataKey(shard)},
		[]string{member(messageID, queueID)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("error completing message: %w", err)
	}
	if removed == 1 {
		metrics.IncrMessagesAckedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
		v.incr(func(s *Stats) { s.Completed++ })
	}
	return nil
}

// Release returns an in-flight message to its queue, available now.
func (v *VisibilityManager) Release(ctx context.Context, messageID, queueID string) (bool, error) {
	return v.ReleaseAt(ctx, messageID, queueID, v.clock.Now())
}

// ReleaseAt returns an in-flight message to its queue with the given score.
func (v *VisibilityManager) ReleaseAt(ctx context.Context, messageID, queueID string, at time.Time) (bool, error) {
	ok, err := v.release(ctx, messageID, queueID, strconv.FormatInt(at.UnixMilli(), 10), "", v.QueueKeys(queueID))
	if err == nil && ok {
		metrics.IncrMessagesNackedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
		v.incr(func(s *Stats) { s.Released++ })
	}
	return ok, err
}

// release moves an in-flight message back to its queue.  A non-empty
// reclaimAt only releases it if its deadline is not after reclaimAt.
func (v *VisibilityManager) release(ctx context.Context, messageID, queueID, score, reclaimAt string, qk QueueKeys) (bool, error) {
	shard := v.ShardFor(queueID)
	status, err := scripts["release"].Exec(
		ctx,
		v.client,
		[]string{v.kg.InflightKey(shard), v.kg.InflightDataKey(shard), qk.Queue, qk.Items, qk.Master},
		[]string{member(messageID, queueID), messageID, queueID, score, strconv.FormatInt(v.clock.Now().UnixMilli(), 10), reclaimAt},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error releasing message: %w", err)
	}
	return status == 1, nil
}

// ReclaimTimedOut releases up to consts.ReclaimBatchSize messages of the shard
// whose deadline has passed, restoring their original score.  Individual
// failures are logged and skipped.  A nil getQueueKeys uses QueueKeys.
func (v *VisibilityManager) ReclaimTimedOut(ctx context.Context, shard int, getQueueKeys QueueKeysFunc) (int, error) {
	if getQueueKeys == nil {
		getQueueKeys = v.QueueKeys
	}

	now := strconv.FormatInt(v.clock.Now().UnixMilli(), 10)
	cmd := v.client.B().Zrangebyscore().
		Key(v.kg.InflightKey(shard)).
		Min("-inf").
		Max(now).
		Limit(0, consts.ReclaimBatchSize).
		Build()
	members, err := v.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("error reading timed out messages: %w", err)
	}

	var (
		count  int
		result *multierror.Error
	)
	for _, m := range members {
		messageID, queueID, err := ParseInflightMember(m)
		if err != nil {
			result = multierror.Append(result, err)
			// Malformed members can never be released.
			cmd := v.client.B().Zrem().Key(v.kg.InflightKey(shard)).Member(m).Build()
			if err := v.client.Do(ctx, cmd).Error(); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		ok, err := v.release(ctx, messageID, queueID, "", now, getQueueKeys(queueID))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("message %s: %w", messageID, err))
			continue
		}
		if ok {
			count++
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		v.log.Error("error reclaiming timed out messages", "shard", shard, "error", err)
	}
	if count > 0 {
		v.log.Debug("reclaimed timed out messages", "shard", shard, "count", count)
		metrics.IncrMessagesReclaimedCounter(ctx, int64(count), metrics.CounterOpt{PkgName: pkgName})
		v.incr(func(s *Stats) { s.Reclaimed += int64(count) })
	}
	return count, nil
}

// ReadyQueues returns up to limit queue ids of the shard with a message ready
// now, oldest first.
func (v *VisibilityManager) ReadyQueues(ctx context.Context, shard int, limit int64) ([]string, error) {
	cmd := v.client.B().Zrangebyscore().
		Key(v.kg.MasterQueueKey(shard)).
		Min("-inf").
		Max(strconv.FormatInt(v.clock.Now().UnixMilli(), 10)).
		Limit(0, limit).
		Build()
	ids, err := v.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error reading master queue: %w", err)
	}
	return ids, nil
}

// Length returns the number of queued, not in-flight, messages.
func (v *VisibilityManager) Length(ctx context.Context, queueID string) (int64, error) {
	n, err := v.client.Do(ctx, v.client.B().Zcard().Key(v.kg.QueueKey(queueID)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading queue length: %w", err)
	}
	return n, nil
}

// InflightCount returns the number of in-flight messages in the shard.
func (v *VisibilityManager) InflightCount(ctx context.Context, shard int) (int64, error) {
	n, err := v.client.Do(ctx, v.client.B().Zcard().Key(v.kg.InflightKey(shard)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading in-flight count: %w", err)
	}
	return n, nil
}

func (v *VisibilityManager) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

func (v *VisibilityManager) incr(f func(s *Stats)) {
	v.mu.Lock()
	f(&v.stats)
	v.mu.Unlock()
}
