// Package simplequeue is a minimal durable queue on top of a Redis sorted set
// and hash, with a dead letter queue.
//
// Items are claimed by pushing their score forward by their visibility
// timeout; there is no separate in-flight set and no heartbeat.  It serves
// low-stakes background jobs such as schedule timers.
package simplequeue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/inngest/runengine/pkg/execution/keys"
	"github.com/inngest/runengine/pkg/logger"
	"github.com/inngest/runengine/pkg/util"
	"github.com/inngest/runengine/pkg/util/luascript"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/rueidis"
)

const (
	pkgName = "execution.simplequeue"

	DefaultVisibilityTimeout = 30 * time.Second
)

//go:embed lua/*
var embedded embed.FS

var scripts = luascript.Load(embedded, "lua")

var (
	ErrItemExists   = fmt.Errorf("queue item already exists")
	ErrItemNotFound = fmt.Errorf("queue item not found")
	ErrEmptyQueue   = fmt.Errorf("queue name is required")
)

// Item is a single queued job.
type Item struct {
	ID string `json:"id"`
	// Kind names the job type, used by workers to decode Payload.
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Attempt is the zero-based number of failed attempts so far.
	Attempt int `json:"attempt"`
	// VisibilityTimeoutMs hides a dequeued item for this long.  Zero uses the
	// queue default.
	VisibilityTimeoutMs int64  `json:"visibilityTimeoutMs,omitempty"`
	EnqueuedAt          int64  `json:"enqueuedAt"`
	LastError           string `json:"lastError,omitempty"`

	// InvisibleUntil is set on dequeued items: the time at which the item
	// becomes visible again unless it is acked or rescheduled.
	InvisibleUntil time.Time `json:"-"`
}

func (i Item) VisibilityTimeout() time.Duration {
	return time.Duration(i.VisibilityTimeoutMs) * time.Millisecond
}

// EnqueueOpts configures a single enqueue.
type EnqueueOpts struct {
	// ID identifies the item.  A ULID is generated when empty.
	ID      string
	Kind    string
	Payload any
	// AvailableAt is when the item becomes visible.  Zero means now.
	AvailableAt       time.Time
	VisibilityTimeout time.Duration
}

type QueueOpt func(q *Queue)

func WithClock(c clockwork.Clock) QueueOpt {
	return func(q *Queue) {
		q.clock = c
	}
}

func WithLogger(l logger.Logger) QueueOpt {
	return func(q *Queue) {
		q.log = l
	}
}

func WithDefaultVisibilityTimeout(d time.Duration) QueueOpt {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// Queue is a named simple queue.  Multiple queues with different names may
// share one Redis client.
type Queue struct {
	name       string
	client     rueidis.Client
	kg         keys.SimpleQueueKeyGenerator
	clock      clockwork.Clock
	log        logger.Logger
	visibility time.Duration
}

func New(name string, client rueidis.Client, opts ...QueueOpt) (*Queue, error) {
	if name == "" {
		return nil, ErrEmptyQueue
	}
	q := &Queue{
		name:       name,
		client:     client,
		kg:         keys.NewSimpleQueueKeyGenerator(name),
		clock:      clockwork.NewRealClock(),
		log:        logger.VoidLogger(),
		visibility: DefaultVisibilityTimeout,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) newItem(opts EnqueueOpts) (Item, time.Time, error) {
	now := q.clock.Now()
	item := Item{
		ID:                  opts.ID,
		Kind:                opts.Kind,
		VisibilityTimeoutMs: opts.VisibilityTimeout.Milliseconds(),
		EnqueuedAt:          now.UnixMilli(),
	}
	if item.ID == "" {
		item.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if opts.Payload != nil {
		byt, err := json.Marshal(opts.Payload)
		if err != nil {
			return item, now, fmt.Errorf("error marshalling queue item payload: %w", err)
		}
		item.Payload = byt
	}
	at := opts.AvailableAt
	if at.IsZero() {
		at = now
	}
	return item, at, nil
}

// Enqueue adds an item, replacing any existing item with the same ID.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOpts) (Item, error) {
	item, at, err := q.newItem(opts)
	if err != nil {
		return item, err
	}
	byt, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("error marshalling queue item: %w", err)
	}
	_, err = scripts["enqueue"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items()},
		[]string{item.ID, string(byt), strconv.FormatInt(at.UnixMilli(), 10)},
	).AsInt64()
	if err != nil {
		return item, fmt.Errorf("error enqueueing item: %w", err)
	}
	return item, nil
}

// EnqueueOnce adds an item only if no item with the same ID is queued,
// returning ErrItemExists otherwise.
func (q *Queue) EnqueueOnce(ctx context.Context, opts EnqueueOpts) (Item, error) {
	if opts.ID == "" {
		return Item{}, fmt.Errorf("enqueue once requires an item id")
	}
	item, at, err := q.newItem(opts)
	if err != nil {
		return item, err
	}
	byt, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("error marshalling queue item: %w", err)
	}
	status, err := scripts["enqueueOnce"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items()},
		[]string{item.ID, string(byt), strconv.FormatInt(at.UnixMilli(), 10)},
	).AsInt64()
	if err != nil {
		return item, fmt.Errorf("error enqueueing item: %w", err)
	}
	if status == 0 {
		return item, ErrItemExists
	}
	return item, nil
}

// Dequeue claims up to count visible items.  Claimed items become visible
// again after their visibility timeout unless acked or rescheduled.
func (q *Queue) Dequeue(ctx context.Context, count int) ([]Item, error) {
	if count <= 0 {
		return nil, nil
	}

	now := q.clock.Now()
	args, err := util.StrSlice([]any{now.UnixMilli(), count, q.visibility})
	if err != nil {
		return nil, err
	}

	res, err := scripts["dequeue"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items()},
		args,
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error dequeueing items: %w", err)
	}

	items := make([]Item, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		item := Item{}
		if err := json.Unmarshal([]byte(res[i+1]), &item); err != nil {
			// Keep the corrupt payload for inspection instead of looping on it.
			q.log.Error("error decoding simple queue item",
				"queue", q.name,
				"id", res[i],
				"error", err,
			)
			if _, dlqErr := q.moveToDeadLetterQueue(ctx, res[i], ""); dlqErr != nil {
				q.log.Error("error dead lettering corrupt item", "queue", q.name, "id", res[i], "error", dlqErr)
			}
			continue
		}
		ms, err := strconv.ParseInt(res[i+2], 10, 64)
		if err == nil {
			item.InvisibleUntil = time.UnixMilli(ms)
		}
		items = append(items, item)
	}
	return items, nil
}

// Ack removes an item.  It returns false if the item was already removed.
func (q *Queue) Ack(ctx context.Context, id string) (bool, error) {
	status, err := scripts["ack"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items()},
		[]string{id},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error acking item: %w", err)
	}
	return status == 1, nil
}

// Reschedule stores the given item and makes it visible at the given time.
// It returns ErrItemNotFound if the item is no longer queued.
func (q *Queue) Reschedule(ctx context.Context, item Item, at time.Time) error {
	byt, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("error marshalling queue item: %w", err)
	}
	status, err := scripts["reschedule"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items()},
		[]string{item.ID, string(byt), strconv.FormatInt(at.UnixMilli(), 10)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("error rescheduling item: %w", err)
	}
	if status == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MoveToDeadLetterQueue moves the item into the dead letter queue, storing
// the given item data in place of the queued copy.
func (q *Queue) MoveToDeadLetterQueue(ctx context.Context, item Item) error {
	byt, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("error marshalling queue item: %w", err)
	}
	ok, err := q.moveToDeadLetterQueue(ctx, item.ID, string(byt))
	if err != nil {
		return err
	}
	if !ok {
		return ErrItemNotFound
	}
	return nil
}

func (q *Queue) moveToDeadLetterQueue(ctx context.Context, id, item string) (bool, error) {
	status, err := scripts["moveToDeadLetterQueue"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items(), q.kg.DeadLetter(), q.kg.DeadLetterItems()},
		[]string{id, strconv.FormatInt(q.clock.Now().UnixMilli(), 10), item},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error moving item to dead letter queue: %w", err)
	}
	return status == 1, nil
}

// RedriveFromDeadLetterQueue moves a dead lettered item back into the queue,
// visible immediately with its attempt counter reset.
func (q *Queue) RedriveFromDeadLetterQueue(ctx context.Context, id string) error {
	cmd := q.client.B().Hget().Key(q.kg.DeadLetterItems()).Field(id).Build()
	byt, err := q.client.Do(ctx, cmd).AsBytes()
	if rueidis.IsRedisNil(err) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("error reading dead letter item: %w", err)
	}

	var data string
	item := Item{}
	if err := json.Unmarshal(byt, &item); err == nil {
		item.Attempt = 0
		item.LastError = ""
		if updated, err := json.Marshal(item); err == nil {
			data = string(updated)
		}
	}

	status, err := scripts["redriveFromDeadLetterQueue"].Exec(
		ctx,
		q.client,
		[]string{q.kg.Queue(), q.kg.Items(), q.kg.DeadLetter(), q.kg.DeadLetterItems()},
		[]string{id, strconv.FormatInt(q.clock.Now().UnixMilli(), 10), data},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("error redriving item: %w", err)
	}
	if status == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Size returns the number of queued items.  When includeFuture is false only
// items visible now are counted.
func (q *Queue) Size(ctx context.Context, includeFuture bool) (int64, error) {
	var cmd rueidis.Completed
	if includeFuture {
		cmd = q.client.B().Zcard().Key(q.kg.Queue()).Build()
	} else {
		cmd = q.client.B().Zcount().Key(q.kg.Queue()).Min("-inf").Max(strconv.FormatInt(q.clock.Now().UnixMilli(), 10)).Build()
	}
	n, err := q.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading queue size: %w", err)
	}
	return n, nil
}

func (q *Queue) SizeOfDeadLetterQueue(ctx context.Context) (int64, error) {
	n, err := q.client.Do(ctx, q.client.B().Zcard().Key(q.kg.DeadLetter()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading dead letter queue size: %w", err)
	}
	return n, nil
}

// Get returns a queued item without claiming it.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	byt, err := q.client.Do(ctx, q.client.B().Hget().Key(q.kg.Items()).Field(id).Build()).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading queue item: %w", err)
	}
	item := &Item{}
	if err := json.Unmarshal(byt, item); err != nil {
		return nil, fmt.Errorf("error decoding queue item: %w", err)
	}
	return item, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}
