package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inngest/runengine/pkg/execution/queue"
)

const (
	DefaultRunQueuePrefix = "runqueue"

	currentConcurrencySuffix = "currentConcurrency"
	reserveConcurrencySuffix = "reserveConcurrency"
	concurrencyLimitSuffix   = "concurrency"
)

// RunQueueKeyGenerator produces keys for the multi-tenant run queue.
type RunQueueKeyGenerator interface {
	// Prefix returns the hash-tagged prefix shared by every key.
	Prefix() string

	// QueueKey is the sorted set of message IDs scored by enqueue time.
	// A non-empty concurrency key yields a sub-queue of the named queue.
	QueueKey(env queue.Env, name string, concurrencyKey string) string
	// QueueKeyFromDescriptor rebuilds QueueKey from a parsed descriptor.
	QueueKeyFromDescriptor(d queue.Descriptor) string
	// Descriptor parses a QueueKey back into its components.
	Descriptor(queueKey string) (queue.Descriptor, error)

	// MasterQueueKey is the shared sorted set of queue keys scored by their
	// oldest message.
	MasterQueueKey(name string) string
	// EnvQueueKey is the per-environment master queue.
	EnvQueueKey(env queue.Env) string
	// MessageKey stores the encoded message.
	MessageKey(orgID, messageID string) string
	// InflightKey is the per-shard sorted set of dequeued message keys, scored
	// by visibility deadline.
	InflightKey(shard int) string

	QueueConcurrencyLimitKey(d queue.Descriptor) string
	EnvConcurrencyLimitKey(d queue.Descriptor) string
	ProjectConcurrencyLimitKey(d queue.Descriptor) string
	OrgConcurrencyLimitKey(orgID string) string
	TaskConcurrencyLimitKey(d queue.Descriptor, task string) string

	QueueCurrentConcurrencyKey(d queue.Descriptor) string
	EnvCurrentConcurrencyKey(d queue.Descriptor) string
	ProjectCurrentConcurrencyKey(d queue.Descriptor) string
	OrgCurrentConcurrencyKey(orgID string) string
	TaskCurrentConcurrencyKey(d queue.Descriptor, task string) string

	QueueReserveConcurrencyKey(d queue.Descriptor) string
	EnvReserveConcurrencyKey(d queue.Descriptor) string

	// EnvKeyPrefix is used within scripts to derive task keys once the
	// message has been read.
	EnvKeyPrefix(d queue.Descriptor) string
}

func NewRunQueueKeyGenerator(prefix string) RunQueueKeyGenerator {
	return runQueueKeys{prefix: hashTag(prefix, DefaultRunQueuePrefix)}
}

type runQueueKeys struct {
	prefix string
}

func EnvDescriptor(env queue.Env) queue.Descriptor {
	return queue.Descriptor{
		OrganizationID: env.OrganizationID,
		ProjectID:      env.ProjectID,
		EnvironmentID:  env.ID,
	}
}

func (k runQueueKeys) Prefix() string {
	return k.prefix
}

func (k runQueueKeys) orgPrefix(orgID string) string {
	return fmt.Sprintf("%s:org:%s", k.prefix, orgID)
}

func (k runQueueKeys) projectPrefix(d queue.Descriptor) string {
	return fmt.Sprintf("%s:proj:%s", k.orgPrefix(d.OrganizationID), d.ProjectID)
}

func (k runQueueKeys) EnvKeyPrefix(d queue.Descriptor) string {
	return fmt.Sprintf("%s:env:%s:", k.projectPrefix(d), d.EnvironmentID)
}

// ValidName reports whether a queue, task or concurrency key name can be
// embedded in a run queue key.  Names must not contain the ':' separator.
func ValidName(name string) bool {
	return !strings.Contains(name, ":")
}

func (k runQueueKeys) baseQueueKey(d queue.Descriptor) string {
	return k.EnvKeyPrefix(d) + "queue:" + d.Queue
}

func (k runQueueKeys) QueueKey(env queue.Env, name string, concurrencyKey string) string {
	d := EnvDescriptor(env)
	d.Queue = name
	d.ConcurrencyKey = concurrencyKey
	return k.QueueKeyFromDescriptor(d)
}

func (k runQueueKeys) QueueKeyFromDescriptor(d queue.Descriptor) string {
	if d.ConcurrencyKey == "" {
		return k.baseQueueKey(d)
	}
	return k.baseQueueKey(d) + ":ck:" + d.ConcurrencyKey
}

func (k runQueueKeys) Descriptor(queueKey string) (queue.Descriptor, error) {
	rest, ok := strings.CutPrefix(queueKey, k.prefix+":")
	if !ok {
		return queue.Descriptor{}, fmt.Errorf("queue key %q does not have prefix %q", queueKey, k.prefix)
	}

	parts := strings.SplitN(rest, ":", 8)
	if len(parts) < 8 || parts[0] != "org" || parts[2] != "proj" || parts[4] != "env" || parts[6] != "queue" {
		return queue.Descriptor{}, fmt.Errorf("malformed queue key %q", queueKey)
	}

	d := queue.Descriptor{
		OrganizationID: parts[1],
		ProjectID:      parts[3],
		EnvironmentID:  parts[5],
		Queue:          parts[7],
	}
	if name, ck, found := strings.Cut(d.Queue, ":ck:"); found {
		d.Queue = name
		d.ConcurrencyKey = ck
	}
	if d.Queue == "" {
		return queue.Descriptor{}, fmt.Errorf("malformed queue key %q: empty queue name", queueKey)
	}
	return d, nil
}

func (k runQueueKeys) MasterQueueKey(name string) string {
	return k.prefix + ":masterQueue:" + name
}

func (k runQueueKeys) EnvQueueKey(env queue.Env) string {
	return k.EnvKeyPrefix(EnvDescriptor(env)) + "envQueue"
}

func (k runQueueKeys) MessageKey(orgID, messageID string) string {
	return k.orgPrefix(orgID) + ":message:" + messageID
}

func (k runQueueKeys) InflightKey(shard int) string {
	return k.prefix + ":inflight:" + strconv.Itoa(shard)
}

func (k runQueueKeys) QueueConcurrencyLimitKey(d queue.Descriptor) string {
	return k.baseQueueKey(d) + ":" + concurrencyLimitSuffix
}

func (k runQueueKeys) EnvConcurrencyLimitKey(d queue.Descriptor) string {
	return k.EnvKeyPrefix(d) + concurrencyLimitSuffix
}

func (k runQueueKeys) ProjectConcurrencyLimitKey(d queue.Descriptor) string {
	return k.projectPrefix(d) + ":" + concurrencyLimitSuffix
}

func (k runQueueKeys) OrgConcurrencyLimitKey(orgID string) string {
	return k.orgPrefix(orgID) + ":" + concurrencyLimitSuffix
}

func (k runQueueKeys) TaskConcurrencyLimitKey(d queue.Descriptor, task string) string {
	return k.EnvKeyPrefix(d) + "task:" + task + ":" + concurrencyLimitSuffix
}

func (k runQueueKeys) QueueCurrentConcurrencyKey(d queue.Descriptor) string {
	return k.QueueKeyFromDescriptor(d) + ":" + currentConcurrencySuffix
}

func (k runQueueKeys) EnvCurrentConcurrencyKey(d queue.Descriptor) string {
	return k.EnvKeyPrefix(d) + currentConcurrencySuffix
}

func (k runQueueKeys) ProjectCurrentConcurrencyKey(d queue.Descriptor) string {
	return k.projectPrefix(d) + ":" + currentConcurrencySuffix
}

func (k runQueueKeys) OrgCurrentConcurrencyKey(orgID string) string {
	return k.orgPrefix(orgID) + ":" + currentConcurrencySuffix
}

func (k runQueueKeys) TaskCurrentConcurrencyKey(d queue.Descriptor, task string) string {
	return k.EnvKeyPrefix(d) + "task:" + task + ":" + currentConcurrencySuffix
}

func (k runQueueKeys) QueueReserveConcurrencyKey(d queue.Descriptor) string {
	return k.baseQueueKey(d) + ":" + reserveConcurrencySuffix
}

func (k runQueueKeys) EnvReserveConcurrencyKey(d queue.Descriptor) string {
	return k.EnvKeyPrefix(d) + reserveConcurrencySuffix
}
