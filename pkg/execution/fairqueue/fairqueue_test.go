package fairqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts ...Opt) (*VisibilityManager, *miniredis.Miniredis, clockwork.FakeClock) {
	t.Helper()

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	clock := clockwork.NewFakeClock()
	v := NewVisibilityManager(rc, append([]Opt{
		WithClock(clock),
		WithDefaultVisibilityTimeout(10 * time.Second),
	}, opts...)...)
	return v, r, clock
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	v, r, clock := newManager(t)

	t.Run("empty queue", func(t *testing.T) {
		res, err := v.Claim(ctx, "empty", "c1", 0)
		require.NoError(t, err)
		require.False(t, res.Claimed)
		require.Nil(t, res.Message)
	})

	t.Run("claims the oldest message once", func(t *testing.T) {
		first, err := v.Enqueue(ctx, "q1", EnqueueOpts{Payload: map[string]any{"n": 1}})
		require.NoError(t, err)

		res, err := v.Claim(ctx, "q1", "c1", 0)
		require.NoError(t, err)
		require.True(t, res.Claimed)
		require.Equal(t, first.ID, res.Message.ID)
		require.Equal(t, "q1", res.Message.QueueID)
		require.JSONEq(t, `{"n":1}`, string(res.Message.Payload))
		require.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), res.Deadline.UnixMilli())

		res, err = v.Claim(ctx, "q1", "c2", 0)
		require.NoError(t, err)
		require.False(t, res.Claimed)

		length, err := v.Length(ctx, "q1")
		require.NoError(t, err)
		require.EqualValues(t, 0, length)

		inflight, err := v.InflightCount(ctx, v.ShardFor("q1"))
		require.NoError(t, err)
		require.EqualValues(t, 1, inflight)

		// The emptied queue leaves the master queue.
		require.False(t, r.Exists(v.kg.MasterQueueKey(v.ShardFor("q1"))))
	})

	t.Run("future messages are not claimable", func(t *testing.T) {
		_, err := v.Enqueue(ctx, "q2", EnqueueOpts{At: clock.Now().Add(time.Minute)})
		require.NoError(t, err)

		res, err := v.Claim(ctx, "q2", "c1", 0)
		require.NoError(t, err)
		require.False(t, res.Claimed)
	})

	t.Run("corrupted messages are purged", func(t *testing.T) {
		kg := v.KeyGenerator()
		_, err := r.ZAdd(kg.QueueKey("q3"), float64(clock.Now().UnixMilli()), "bad")
		require.NoError(t, err)
		r.HSet(kg.QueueItemsKey("q3"), "bad", "{nope")

		before, err := v.InflightCount(ctx, v.ShardFor("q3"))
		require.NoError(t, err)

		res, err := v.Claim(ctx, "q3", "c1", 0)
		require.NoError(t, err)
		require.False(t, res.Claimed)

		after, err := v.InflightCount(ctx, v.ShardFor("q3"))
		require.NoError(t, err)
		require.Equal(t, before, after)
		require.EqualValues(t, 1, v.Stats().Corrupted)

		length, err := v.Length(ctx, "q3")
		require.NoError(t, err)
		require.EqualValues(t, 0, length)
	})

	t.Run("deduplication key replaces the message", func(t *testing.T) {
		_, err := v.Enqueue(ctx, "q4", EnqueueOpts{DeduplicationKey: "dedupe", Payload: 1})
		require.NoError(t, err)
		_, err = v.Enqueue(ctx, "q4", EnqueueOpts{DeduplicationKey: "dedupe", Payload: 2})
		require.NoError(t, err)

		length, err := v.Length(ctx, "q4")
		require.NoError(t, err)
		require.EqualValues(t, 1, length)

		_, err = v.Enqueue(ctx, "q4", EnqueueOpts{DeduplicationKey: "a:b"})
		require.Error(t, err)
	})

	t.Run("queue id is required", func(t *testing.T) {
		_, err := v.Enqueue(ctx, "", EnqueueOpts{})
		require.ErrorIs(t, err, ErrEmptyQueueID)
		_, err = v.Claim(ctx, "", "c1", 0)
		require.ErrorIs(t, err, ErrEmptyQueueID)
	})
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newManager(t)

	ok, err := v.Heartbeat(ctx, "never-claimed", "q1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = v.Enqueue(ctx, "q1", EnqueueOpts{})
	require.NoError(t, err)
	res, err := v.Claim(ctx, "q1", "c1", 0)
	require.NoError(t, err)
	require.True(t, res.Claimed)

	ok, err = v.Heartbeat(ctx, res.Message.ID, "q1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Past the original deadline, before the extended one.
	clock.Advance(30 * time.Second)
	n, err := v.ReclaimTimedOut(ctx, v.ShardFor("q1"), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	clock.Advance(31 * time.Second)
	n, err = v.ReclaimTimedOut(ctx, v.ShardFor("q1"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err = v.Heartbeat(ctx, res.Message.ID, "q1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newManager(t)

	_, err := v.Enqueue(ctx, "q1", EnqueueOpts{})
	require.NoError(t, err)
	res, err := v.Claim(ctx, "q1", "c1", 0)
	require.NoError(t, err)

	require.NoError(t, v.Complete(ctx, res.Message.ID, "q1"))
	require.NoError(t, v.Complete(ctx, res.Message.ID, "q1"))
	require.EqualValues(t, 1, v.Stats().Completed)

	ok, err := v.Release(ctx, res.Message.ID, "q1")
	require.NoError(t, err)
	require.False(t, ok)

	inflight, err := v.InflightCount(ctx, v.ShardFor("q1"))
	require.NoError(t, err)
	require.EqualValues(t, 0, inflight)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	v, r, clock := newManager(t, WithShardCount(1))

	_, err := v.Enqueue(ctx, "q1", EnqueueOpts{})
	require.NoError(t, err)
	res, err := v.Claim(ctx, "q1", "c1", 0)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	ok, err := v.Release(ctx, res.Message.ID, "q1")
	require.NoError(t, err)
	require.True(t, ok)

	// The master queue points at the released message's new score.
	score, err := r.ZScore(v.kg.MasterQueueKey(0), "q1")
	require.NoError(t, err)
	require.EqualValues(t, clock.Now().UnixMilli(), score)

	ready, err := v.ReadyQueues(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"q1"}, ready)

	again, err := v.Claim(ctx, "q1", "c2", 0)
	require.NoError(t, err)
	require.True(t, again.Claimed)
	require.Equal(t, res.Message.ID, again.Message.ID)

	t.Run("release at a future score hides the message", func(t *testing.T) {
		ok, err := v.ReleaseAt(ctx, again.Message.ID, "q1", clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.True(t, ok)

		ready, err := v.ReadyQueues(ctx, 0, 10)
		require.NoError(t, err)
		require.Empty(t, ready)
	})
}

func TestReclaimPreservesOrder(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newManager(t)

	a, err := v.Enqueue(ctx, "q1", EnqueueOpts{Payload: "a"})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	b, err := v.Enqueue(ctx, "q1", EnqueueOpts{Payload: "b"})
	require.NoError(t, err)

	claimedA, err := v.Claim(ctx, "q1", "c1", 0)
	require.NoError(t, err)
	require.Equal(t, a.ID, claimedA.Message.ID)

	claimedB, err := v.Claim(ctx, "q1", "c2", 0)
	require.NoError(t, err)
	require.Equal(t, b.ID, claimedB.Message.ID)
	require.NoError(t, v.Complete(ctx, b.ID, "q1"))

	// A's consumer dies.
	clock.Advance(11 * time.Second)
	n, err := v.ReclaimTimedOut(ctx, v.ShardFor("q1"), v.QueueKeys)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = v.Enqueue(ctx, "q1", EnqueueOpts{Payload: "c"})
	require.NoError(t, err)

	next, err := v.Claim(ctx, "q1", "c3", 0)
	require.NoError(t, err)
	require.Equal(t, a.ID, next.Message.ID)
	require.Equal(t, a.EnqueuedAt, next.Message.EnqueuedAt)

	var payload string
	require.NoError(t, json.Unmarshal(next.Message.Payload, &payload))
	require.Equal(t, "a", payload)
}

func TestReclaimSkipsMalformedMembers(t *testing.T) {
	ctx := context.Background()
	v, r, clock := newManager(t, WithShardCount(1))

	_, err := r.ZAdd(v.kg.InflightKey(0), float64(clock.Now().UnixMilli()), "malformed")
	require.NoError(t, err)

	_, err = v.Enqueue(ctx, "q1", EnqueueOpts{})
	require.NoError(t, err)
	_, err = v.Claim(ctx, "q1", "c1", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	n, err := v.ReclaimTimedOut(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inflight, err := v.InflightCount(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, inflight)
}

func TestParseInflightMember(t *testing.T) {
	msg, queue, err := ParseInflightMember("01H:org:1:queue")
	require.NoError(t, err)
	require.Equal(t, "01H", msg)
	require.Equal(t, "org:1:queue", queue)

	_, _, err = ParseInflightMember("nope")
	require.Error(t, err)
}

func TestReclaimSkipsHeartbeatedMessages(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newManager(t)

	_, err := v.Enqueue(ctx, "q1", EnqueueOpts{})
	require.NoError(t, err)
	res, err := v.Claim(ctx, "q1", "c1", 0)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	scannedAt := strconv.FormatInt(clock.Now().UnixMilli(), 10)

	// A heartbeat lands after the sweep read the expired member.
	ok, err := v.Heartbeat(ctx, res.Message.ID, "q1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.release(ctx, res.Message.ID, "q1", "", scannedAt, v.QueueKeys("q1"))
	require.NoError(t, err)
	require.False(t, ok)

	inflight, err := v.InflightCount(ctx, v.ShardFor("q1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, inflight)
	length, err := v.Length(ctx, "q1")
	require.NoError(t, err)
	require.EqualValues(t, 0, length)
}
