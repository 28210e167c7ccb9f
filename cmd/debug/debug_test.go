package debug

import (
	"bytes"
	"testing"
	"time"

	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/stretchr/testify/require"
)

func TestPrintQueueDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printQueueDetails(buf, runqueue.SharedQueueDetails{
		MasterQueue: "main",
		Choice:      runqueue.QueueChoice{Abort: true},
	}))
	require.Contains(t, buf.String(), "has no ready queues")

	buf.Reset()
	require.NoError(t, printQueueDetails(buf, runqueue.SharedQueueDetails{
		MasterQueue: "main",
		Candidates: []runqueue.QueueCandidate{
			{QueueKey: "q1", EnvironmentID: "env1", OldestMessage: time.Unix(0, 0), Age: time.Second},
		},
		Choice: runqueue.QueueChoice{Queues: []string{"q1"}},
	}))
	require.Contains(t, buf.String(), "env1")
	require.Contains(t, buf.String(), "1. q1")
}

func TestPrintBatches(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printBatches(buf, nil, nil))
	require.Equal(t, "no active batches\n", buf.String())

	buf.Reset()
	require.NoError(t, printBatches(buf, []batchqueue.BatchInfo{
		{Meta: batchqueue.Meta{BatchID: "b1", EnvID: "env1", CreatedAt: time.Unix(0, 0)}, Remaining: 3},
	}, map[string]int{"env1": 5}))
	require.Contains(t, buf.String(), "b1")
	require.Contains(t, buf.String(), "DEFICIT")
}
