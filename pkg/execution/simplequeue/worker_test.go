package simplequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inngest/runengine/pkg/backoff"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string `json:"name"`
}

func decodeGreeting(item Item) (greeting, error) {
	g := greeting{}
	if item.Kind != "greeting" {
		return g, fmt.Errorf("unknown job kind %q", item.Kind)
	}
	err := json.Unmarshal(item.Payload, &g)
	return g, err
}

func TestNewWorker(t *testing.T) {
	_, err := NewWorker(WorkerOpts[greeting]{})
	require.ErrorIs(t, err, ErrEmptyQueue)

	q, _, _ := newQueue(t, "worker")
	_, err = NewWorker(WorkerOpts[greeting]{Queue: q})
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newQueue(t, "worker")

	var attempts []Attempt
	w, err := NewWorker(WorkerOpts[greeting]{
		Queue:       q,
		Decode:      decodeGreeting,
		MaxAttempts: 2,
		Backoff:     backoff.GetLinearBackoffFunc(time.Second),
		Handle: func(ctx context.Context, job greeting, attempt Attempt) error {
			require.Equal(t, "ada", job.Name)
			attempts = append(attempts, attempt)
			return fmt.Errorf("nope")
		},
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, EnqueueOpts{ID: "g1", Kind: "greeting", Payload: greeting{Name: "ada"}})
	require.NoError(t, err)

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	item, err := q.Get(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempt)
	require.Equal(t, "nope", item.LastError)

	n, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	clock.Advance(time.Second)
	n, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, []Attempt{{Number: 0}, {Number: 1, Final: true}}, attempts)

	size, err := q.Size(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, size)
	dlq, err := q.SizeOfDeadLetterQueue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, dlq)
}

func TestWorkerDeadLettersUndecodableJobs(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, "worker")

	w, err := NewWorker(WorkerOpts[greeting]{
		Queue:  q,
		Decode: decodeGreeting,
		Handle: func(ctx context.Context, job greeting, attempt Attempt) error {
			t.Fatal("handler must not be called")
			return nil
		},
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, EnqueueOpts{ID: "x", Kind: "unknown"})
	require.NoError(t, err)

	_, err = w.ProcessOnce(ctx)
	require.NoError(t, err)

	dlq, err := q.SizeOfDeadLetterQueue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, dlq)
}

func TestWorkerStartStop(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, "worker")

	var handled int32
	done := make(chan struct{}, 3)
	w, err := NewWorker(WorkerOpts[greeting]{
		Queue:       q,
		Decode:      decodeGreeting,
		Concurrency: 2,
		Handle: func(ctx context.Context, job greeting, attempt Attempt) error {
			atomic.AddInt32(&handled, 1)
			done <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = q.Enqueue(ctx, EnqueueOpts{Kind: "greeting", Payload: greeting{Name: fmt.Sprintf("g%d", i)}})
		require.NoError(t, err)
	}

	require.NoError(t, w.Start(ctx))
	require.ErrorIs(t, w.Start(ctx), ErrWorkerStarted)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	w.Stop()
	w.Stop()

	require.EqualValues(t, 3, atomic.LoadInt32(&handled))
	size, err := q.Size(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, size)
}
