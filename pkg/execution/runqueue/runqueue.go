// Package runqueue is a multi-tenant run queue with hierarchical concurrency
// limits.
//
// Every queue belongs to an organization, project and environment.  Queues
// with ready messages are discoverable through one or more shared master
// queues and a per-environment master queue.  A dequeue picks candidate
// queues from a master queue with a SelectionStrategy and moves the oldest
// ready message in flight while recording it against the task, queue,
// environment, project and organization concurrency sets, all inside one Lua
// script.
//
// Concurrency is tracked as sets of message IDs rather than counters, so acks
// and nacks are idempotent and can never double-decrement.
package runqueue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inngest/runengine/pkg/consts"
	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/inngest/runengine/pkg/util"
	"github.com/inngest/runengine/pkg/util/luascript"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
)

const pkgName = "execution.runqueue"

//go:embed lua/*
var embedded embed.FS

var scripts = luascript.Load(embedded, "lua")

var (
	ErrMessageNotFound = fmt.Errorf("message not found")
	ErrMissingRunID    = fmt.Errorf("message run id is required")
	ErrMissingQueue    = fmt.Errorf("message queue is required")
	ErrInvalidName     = fmt.Errorf("queue, task and concurrency key names must not contain ':'")
)

// Message is the stored form of a queued run.
type Message struct {
	RunID           string          `json:"runId"`
	TaskIdentifier  string          `json:"taskIdentifier"`
	OrgID           string          `json:"orgId"`
	ProjectID       string          `json:"projectId"`
	EnvironmentID   string          `json:"environmentId"`
	EnvironmentType queue.EnvType   `json:"environmentType"`
	Queue           string          `json:"queue"`
	ConcurrencyKey  string          `json:"concurrencyKey,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	Attempt         int             `json:"attempt"`
	Data            json.RawMessage `json:"data,omitempty"`
	// MasterQueues are the master queue keys the message's queue is listed in,
	// besides its env queue.
	MasterQueues []string `json:"masterQueues"`
}

func (m Message) Descriptor() queue.Descriptor {
	return queue.Descriptor{
		OrganizationID: m.OrgID,
		ProjectID:      m.ProjectID,
		EnvironmentID:  m.EnvironmentID,
		Queue:          m.Queue,
		ConcurrencyKey: m.ConcurrencyKey,
	}
}

func (m Message) Env() queue.Env {
	return queue.Env{
		ID:             m.EnvironmentID,
		Type:           m.EnvironmentType,
		OrganizationID: m.OrgID,
		ProjectID:      m.ProjectID,
	}
}

// InputMessage is the caller supplied part of a Message.
type InputMessage struct {
	RunID          string
	TaskIdentifier string
	Queue          string
	ConcurrencyKey string
	// Timestamp is the message's score.  Zero means now.
	Timestamp time.Time
	Attempt   int
	Data      any
}

// ReserveConcurrency reserves a concurrency slot for MessageID at enqueue
// time, eg. for a parent run waiting on the enqueued child.
type ReserveConcurrency struct {
	MessageID string
	// RecursiveQueue also reserves a slot in the enqueued message's queue.
	// The enqueue fails if the queue has no room.
	RecursiveQueue bool
}

type EnqueueOpts struct {
	Env     queue.Env
	Message InputMessage
	// MasterQueues are the names of shared master queues to list the queue in.
	MasterQueues       []string
	ReserveConcurrency *ReserveConcurrency
}

// DequeuedMessage is a message moved in flight by a dequeue.
type DequeuedMessage struct {
	MessageID string
	QueueKey  string
	Message   Message
	// Deadline is when the message may be reclaimed unless heartbeated.
	Deadline time.Time
}

type QueueOpt func(q *RunQueue)

func WithClock(c clockwork.Clock) QueueOpt {
	return func(q *RunQueue) {
		q.clock = c
	}
}

func WithLogger(l logger.Logger) QueueOpt {
	return func(q *RunQueue) {
		q.log = l
	}
}

func WithKeyPrefix(prefix string) QueueOpt {
	return func(q *RunQueue) {
		q.kg = keys.NewRunQueueKeyGenerator(prefix)
	}
}

func WithDefaultEnvConcurrencyLimit(n int) QueueOpt {
	return func(q *RunQueue) {
		if n > 0 {
			q.defaultEnvLimit = n
		}
	}
}

func WithShardCount(n int) QueueOpt {
	return func(q *RunQueue) {
		if n > 0 {
			q.shards = n
		}
	}
}

func WithVisibilityTimeout(d time.Duration) QueueOpt {
	return func(q *RunQueue) {
		if d > 0 {
			q.visibilityTimeout = d
		}
	}
}

func WithSelectionStrategy(s SelectionStrategy) QueueOpt {
	return func(q *RunQueue) {
		q.strategy = s
	}
}

// WithSelectionCount sets how many candidate queues a shared dequeue peeks.
func WithSelectionCount(n int) QueueOpt {
	return func(q *RunQueue) {
		if n > 0 {
			q.selectionCount = n
		}
	}
}

type RunQueue struct {
	client            rueidis.Client
	kg                keys.RunQueueKeyGenerator
	clock             clockwork.Clock
	log               logger.Logger
	strategy          SelectionStrategy
	selectionCount    int
	defaultEnvLimit   int
	shards            int
	visibilityTimeout time.Duration
}

func New(client rueidis.Client, opts ...QueueOpt) *RunQueue {
	q := &RunQueue{
		client:            client,
		kg:                keys.NewRunQueueKeyGenerator(""),
		clock:             clockwork.NewRealClock(),
		log:               logger.VoidLogger(),
		selectionCount:    consts.DefaultSelectionCount,
		defaultEnvLimit:   consts.DefaultEnvConcurrencyLimit,
		shards:            consts.DefaultShardCount,
		visibilityTimeout: consts.DefaultVisibilityTimeout,
	}
	for _, o := range opts {
		o(q)
	}
	if q.strategy == nil {
		q.strategy = NewWeightedRandomStrategy()
	}
	return q
}

func (q *RunQueue) KeyGenerator() keys.RunQueueKeyGenerator {
	return q.kg
}

func (q *RunQueue) ShardCount() int {
	return q.shards
}

func (q *RunQueue) shardFor(queueKey string) int {
	return util.ShardFor(queueKey, q.shards)
}

// EnqueueMessage adds a message to its queue and lists the queue in the env
// queue and every given master queue.  It returns false without writing
// anything when a recursive reservation does not fit in the queue.
func (q *RunQueue) EnqueueMessage(ctx context.Context, opts EnqueueOpts) (bool, error) {
	in := opts.Message
	if in.RunID == "" {
		return false, ErrMissingRunID
	}
	if in.Queue == "" {
		return false, ErrMissingQueue
	}
	if !keys.ValidName(in.Queue) || !keys.ValidName(in.TaskIdentifier) || !keys.ValidName(in.ConcurrencyKey) {
		return false, ErrInvalidName
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = q.clock.Now()
	}

	masterKeys := make([]string, 0, len(opts.MasterQueues))
	for _, name := range opts.MasterQueues {
		masterKeys = append(masterKeys, q.kg.MasterQueueKey(name))
	}

	msg := Message{
		RunID:           in.RunID,
		TaskIdentifier:  in.TaskIdentifier,
		OrgID:           opts.Env.OrganizationID,
		ProjectID:       opts.Env.ProjectID,
		EnvironmentID:   opts.Env.ID,
		EnvironmentType: opts.Env.Type,
		Queue:           in.Queue,
		ConcurrencyKey:  in.ConcurrencyKey,
		Timestamp:       ts.UnixMilli(),
		Attempt:         in.Attempt,
		MasterQueues:    masterKeys,
	}
	if in.Data != nil {
		byt, err := json.Marshal(in.Data)
		if err != nil {
			return false, fmt.Errorf("error marshalling message data: %w", err)
		}
		msg.Data = byt
	}
	byt, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("error marshalling message: %w", err)
	}

	d := msg.Descriptor()
	queueKey := q.kg.QueueKeyFromDescriptor(d)

	// A stored message with the same id is replaced, releasing whatever it
	// holds under its own descriptor.
	prev := &msg
	existing, err := q.ReadMessage(ctx, msg.OrgID, msg.RunID)
	switch {
	case err == nil:
		prev = existing
	case !errors.Is(err, ErrMessageNotFound):
		return false, err
	}
	pd := prev.Descriptor()
	prevQueueKey := q.kg.QueueKeyFromDescriptor(pd)

	redisKeys := []string{
		queueKey,
		q.kg.MessageKey(msg.OrgID, msg.RunID),
		q.kg.QueueCurrentConcurrencyKey(d),
		q.kg.QueueReserveConcurrencyKey(d),
		q.kg.QueueConcurrencyLimitKey(d),
		q.kg.EnvReserveConcurrencyKey(d),
		q.kg.EnvConcurrencyLimitKey(d),
		q.kg.EnvQueueKey(opts.Env),
		q.kg.InflightKey(q.shardFor(prevQueueKey)),
		prevQueueKey,
		q.kg.QueueCurrentConcurrencyKey(pd),
		q.kg.EnvCurrentConcurrencyKey(pd),
		q.kg.ProjectCurrentConcurrencyKey(pd),
		q.kg.OrgCurrentConcurrencyKey(pd.OrganizationID),
		q.kg.TaskCurrentConcurrencyKey(pd, prev.TaskIdentifier),
		q.kg.EnvQueueKey(prev.Env()),
	}
	redisKeys = append(redisKeys, masterKeys...)

	var (
		reserveID string
		recursive bool
	)
	if opts.ReserveConcurrency != nil {
		reserveID = opts.ReserveConcurrency.MessageID
		recursive = opts.ReserveConcurrency.RecursiveQueue
	}

	args, err := util.StrSlice([]any{
		queueKey,
		msg.RunID,
		byt,
		msg.Timestamp,
		reserveID,
		recursive,
		q.defaultEnvLimit,
		opts.Env.BurstFactor(),
		opts.Env.MaximumConcurrencyLimit,
		prevQueueKey,
	})
	if err != nil {
		return false, err
	}

	status, err := scripts["enqueue"].Exec(ctx, q.client, redisKeys, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error enqueueing message: %w", err)
	}

	switch status {
	case 0:
		q.log.Debug("recursive reservation exceeds queue limit, message not enqueued",
			"run_id", msg.RunID,
			"queue", queueKey,
			"reserve_id", reserveID,
		)
		return false, nil
	case 2:
		q.log.Debug("env reservation cap reached, enqueued without reservation",
			"run_id", msg.RunID,
			"env_id", msg.EnvironmentID,
			"reserve_id", reserveID,
		)
	}

	metrics.IncrMessagesEnqueuedCounter(ctx, metrics.CounterOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"env_type": opts.Env.Type.String()},
	})
	return true, nil
}

// ReadMessage returns the stored message.
func (q *RunQueue) ReadMessage(ctx context.Context, orgID, messageID string) (*Message, error) {
	byt, err := q.client.Do(ctx, q.client.B().Get().Key(q.kg.MessageKey(orgID, messageID)).Build()).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading message: %w", err)
	}
	msg := &Message{}
	if err := json.Unmarshal(byt, msg); err != nil {
		return nil, fmt.Errorf("error decoding message: %w", err)
	}
	return msg, nil
}

// AcknowledgeMessage removes the message and releases every concurrency slot
// it held.  It returns false if the message was already acknowledged.
func (q *RunQueue) AcknowledgeMessage(ctx context.Context, orgID, messageID string) (bool, error) {
	msg, err := q.ReadMessage(ctx, orgID, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d := msg.Descriptor()
	queueKey := q.kg.QueueKeyFromDescriptor(d)
	status, err := scripts["ack"].Exec(
		ctx,
		q.client,
		[]string{
			q.kg.MessageKey(orgID, messageID),
			queueKey,
			q.kg.QueueCurrentConcurrencyKey(d),
			q.kg.EnvCurrentConcurrencyKey(d),
			q.kg.ProjectCurrentConcurrencyKey(d),
			q.kg.OrgCurrentConcurrencyKey(d.OrganizationID),
			q.kg.TaskCurrentConcurrencyKey(d, msg.TaskIdentifier),
			q.kg.QueueReserveConcurrencyKey(d),
			q.kg.EnvReserveConcurrencyKey(d),
			q.kg.EnvQueueKey(msg.Env()),
			q.kg.InflightKey(q.shardFor(queueKey)),
		},
		[]string{messageID, queueKey},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error acknowledging message: %w", err)
	}
	if status == 1 {
		metrics.IncrMessagesAckedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
	}
	return status == 1, nil
}

// NackMessage returns a dequeued message to its queue at its original
// timestamp, so it is available immediately without losing its place,
// increments its attempt and releases its concurrency slots.  It returns false
// if the message is not in flight.
func (q *RunQueue) NackMessage(ctx context.Context, orgID, messageID string) (bool, error) {
	msg, err := q.ReadMessage(ctx, orgID, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return q.nack(ctx, msg, nil)
}

// nack requeues an in-flight message.  A non-nil reclaimAt only requeues it if
// its deadline is not after reclaimAt.
func (q *RunQueue) nack(ctx context.Context, msg *Message, reclaimAt *time.Time) (bool, error) {
	msg.Attempt++
	byt, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("error marshalling message: %w", err)
	}

	d := msg.Descriptor()
	queueKey := q.kg.QueueKeyFromDescriptor(d)
	bound := ""
	if reclaimAt != nil {
		bound = strconv.FormatInt(reclaimAt.UnixMilli(), 10)
	}
	args, err := util.StrSlice([]any{msg.RunID, queueKey, byt, msg.Timestamp, bound})
	if err != nil {
		return false, err
	}

	status, err := scripts["nack"].Exec(
		ctx,
		q.client,
		[]string{
			q.kg.MessageKey(msg.OrgID, msg.RunID),
			queueKey,
			q.kg.QueueCurrentConcurrencyKey(d),
			q.kg.EnvCurrentConcurrencyKey(d),
			q.kg.ProjectCurrentConcurrencyKey(d),
			q.kg.OrgCurrentConcurrencyKey(d.OrganizationID),
			q.kg.TaskCurrentConcurrencyKey(d, msg.TaskIdentifier),
			q.kg.EnvQueueKey(msg.Env()),
			q.kg.InflightKey(q.shardFor(queueKey)),
		},
		args,
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error nacking message: %w", err)
	}
	if status == 1 {
		metrics.IncrMessagesNackedCounter(ctx, metrics.CounterOpt{PkgName: pkgName})
	}
	return status == 1, nil
}

// HeartbeatMessage extends a dequeued message's visibility deadline to
// now+extend.  It returns false if the message is not in flight.
func (q *RunQueue) HeartbeatMessage(ctx context.Context, orgID, messageID string, extend time.Duration) (bool, error) {
	msg, err := q.ReadMessage(ctx, orgID, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if extend <= 0 {
		extend = q.visibilityTimeout
	}

	queueKey := q.kg.QueueKeyFromDescriptor(msg.Descriptor())
	args, err := util.StrSlice([]any{q.kg.MessageKey(orgID, messageID), q.clock.Now().Add(extend).UnixMilli()})
	if err != nil {
		return false, err
	}

	status, err := scripts["heartbeat"].Exec(
		ctx,
		q.client,
		[]string{q.kg.InflightKey(q.shardFor(queueKey))},
		args,
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error heartbeating message: %w", err)
	}
	return status == 1, nil
}

// ReclaimTimedOut nacks up to consts.ReclaimBatchSize in-flight messages of
// the shard whose deadline has passed.  Individual failures are logged and
// skipped.
func (q *RunQueue) ReclaimTimedOut(ctx context.Context, shard int) (int, error) {
	inflightKey := q.kg.InflightKey(shard)
	now := q.clock.Now()
	cmd := q.client.B().Zrangebyscore().
		Key(inflightKey).
		Min("-inf").
		Max(strconv.FormatInt(now.UnixMilli(), 10)).
		Limit(0, consts.ReclaimBatchSize).
		Build()
	members, err := q.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("error reading timed out messages: %w", err)
	}

	var (
		count  int
		result *multierror.Error
	)
	for _, messageKey := range members {
		byt, err := q.client.Do(ctx, q.client.B().Get().Key(messageKey).Build()).AsBytes()
		if rueidis.IsRedisNil(err) {
			// Acked between the scan and the read, or lost.
			_ = q.client.Do(ctx, q.client.B().Zrem().Key(inflightKey).Member(messageKey).Build()).Error()
			continue
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", messageKey, err))
			continue
		}
		msg := &Message{}
		if err := json.Unmarshal(byt, msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", messageKey, err))
			_ = q.client.Do(ctx, q.client.B().Zrem().Key(inflightKey).Member(messageKey).Build()).Error()
			continue
		}
		ok, err := q.nack(ctx, msg, &now)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", messageKey, err))
			continue
		}
		if ok {
			count++
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		q.log.Error("error reclaiming timed out run queue messages", "shard", shard, "error", err)
	}
	if count > 0 {
		metrics.IncrMessagesReclaimedCounter(ctx, int64(count), metrics.CounterOpt{PkgName: pkgName})
	}
	return count, nil
}
