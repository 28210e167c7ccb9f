package keys

import "strconv"

const DefaultFairQueuePrefix = "fairqueue"

// FairQueueKeyGenerator produces keys for the fair queue and its visibility
// manager.  Queue IDs are opaque strings chosen by the caller.
type FairQueueKeyGenerator interface {
	Prefix() string
	QueueKey(queueID string) string
	QueueItemsKey(queueID string) string
	MasterQueueKey(shard int) string
	InflightKey(shard int) string
	InflightDataKey(shard int) string
}

func NewFairQueueKeyGenerator(prefix string) FairQueueKeyGenerator {
	return fairQueueKeys{prefix: hashTag(prefix, DefaultFairQueuePrefix)}
}

type fairQueueKeys struct {
	prefix string
}

func (k fairQueueKeys) Prefix() string {
	return k.prefix
}

func (k fairQueueKeys) QueueKey(queueID string) string {
	return k.prefix + ":queue:" + queueID
}

func (k fairQueueKeys) QueueItemsKey(queueID string) string {
	return k.QueueKey(queueID) + ":items"
}

func (k fairQueueKeys) MasterQueueKey(shard int) string {
	return k.prefix + ":master:" + strconv.Itoa(shard)
}

func (k fairQueueKeys) InflightKey(shard int) string {
	return k.prefix + ":inflight:" + strconv.Itoa(shard)
}

func (k fairQueueKeys) InflightDataKey(shard int) string {
	return k.InflightKey(shard) + ":data"
}
