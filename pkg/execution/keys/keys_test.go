package keys

import (
	"testing"

	"github.com/inngest/runengine/pkg/execution/queue"
	"github.com/stretchr/testify/require"
)

var env = queue.Env{
	ID:             "e1",
	Type:           queue.EnvTypeDevelopment,
	OrganizationID: "o1",
	ProjectID:      "p1",
}

func TestRunQueueKeys(t *testing.T) {
	kg := NewRunQueueKeyGenerator("")

	t.Run("queue keys are deterministic and hash tagged", func(t *testing.T) {
		require.Equal(t, "{runqueue}:org:o1:proj:p1:env:e1:queue:task/my-task", kg.QueueKey(env, "task/my-task", ""))
		require.Equal(t, kg.QueueKey(env, "q", ""), kg.QueueKey(env, "q", ""))
		require.Equal(t, "{runqueue}:org:o1:proj:p1:env:e1:queue:q:ck:user-1", kg.QueueKey(env, "q", "user-1"))
	})

	t.Run("descriptor round trips", func(t *testing.T) {
		for _, ck := range []string{"", "user-1"} {
			key := kg.QueueKey(env, "task/my-task", ck)
			d, err := kg.Descriptor(key)
			require.NoError(t, err)
			require.Equal(t, queue.Descriptor{
				OrganizationID: "o1",
				ProjectID:      "p1",
				EnvironmentID:  "e1",
				Queue:          "task/my-task",
				ConcurrencyKey: ck,
			}, d)
			require.Equal(t, key, kg.QueueKeyFromDescriptor(d))
		}
	})

	t.Run("malformed descriptors", func(t *testing.T) {
		_, err := kg.Descriptor("{other}:org:o1")
		require.Error(t, err)
		_, err = kg.Descriptor("{runqueue}:org:o1:proj:p1")
		require.Error(t, err)
	})

	t.Run("concurrency key sub-queues share limits and reservations", func(t *testing.T) {
		base, err := kg.Descriptor(kg.QueueKey(env, "q", ""))
		require.NoError(t, err)
		ck, err := kg.Descriptor(kg.QueueKey(env, "q", "user-1"))
		require.NoError(t, err)

		require.Equal(t, kg.QueueConcurrencyLimitKey(base), kg.QueueConcurrencyLimitKey(ck))
		require.Equal(t, kg.QueueReserveConcurrencyKey(base), kg.QueueReserveConcurrencyKey(ck))
		require.NotEqual(t, kg.QueueCurrentConcurrencyKey(base), kg.QueueCurrentConcurrencyKey(ck))
	})

	t.Run("task keys derive from the env prefix", func(t *testing.T) {
		d := EnvDescriptor(env)
		require.Equal(t, kg.EnvKeyPrefix(d)+"task:t1:currentConcurrency", kg.TaskCurrentConcurrencyKey(d, "t1"))
		require.Equal(t, kg.EnvKeyPrefix(d)+"task:t1:concurrency", kg.TaskConcurrencyLimitKey(d, "t1"))
	})

	t.Run("custom prefix", func(t *testing.T) {
		custom := NewRunQueueKeyGenerator("{tenant-a}")
		require.Equal(t, "{tenant-a}:masterQueue:main", custom.MasterQueueKey("main"))
		require.Equal(t, "{tenant-a}:org:o1:message:r1", custom.MessageKey("o1", "r1"))
		require.Equal(t, "{tenant-a}:inflight:3", custom.InflightKey(3))
	})
}

func TestBatchKeys(t *testing.T) {
	kg := NewBatchKeyGenerator("")
	member := kg.MasterQueueMember("env1", "batch1")
	envID, batchID, err := kg.ParseMasterQueueMember(member)
	require.NoError(t, err)
	require.Equal(t, "env1", envID)
	require.Equal(t, "batch1", batchID)

	_, _, err = kg.ParseMasterQueueMember("nope")
	require.Error(t, err)

	require.Equal(t, "{batchqueue}:batch:b:items", kg.BatchItemsKey("b"))
}

func TestFairAndSimpleKeys(t *testing.T) {
	fq := NewFairQueueKeyGenerator("")
	require.Equal(t, "{fairqueue}:queue:q1:items", fq.QueueItemsKey("q1"))
	require.Equal(t, "{fairqueue}:inflight:2:data", fq.InflightDataKey(2))

	sq := NewSimpleQueueKeyGenerator("schedule")
	require.Equal(t, "{simplequeue:schedule}:dlq:items", sq.DeadLetterItems())
}

func TestValidName(t *testing.T) {
	require.True(t, ValidName("task/send-email"))
	require.True(t, ValidName(""))
	require.False(t, ValidName("q:currentConcurrency"))
	require.False(t, ValidName("a:ck:b"))
}
