package keys

import (
	"fmt"
	"strings"
)

const DefaultBatchQueuePrefix = "batchqueue"

// BatchKeyGenerator produces keys for the deficit round robin batch queue.
type BatchKeyGenerator interface {
	Prefix() string
	// MasterQueueKey is the sorted set of "envID:batchID" members scored by
	// batch creation time.
	MasterQueueKey() string
	MasterQueueMember(envID, batchID string) string
	ParseMasterQueueMember(member string) (envID string, batchID string, err error)

	BatchMetaKey(batchID string) string
	BatchItemsKey(batchID string) string
	BatchItemsDataKey(batchID string) string
	BatchSuccessesKey(batchID string) string
	BatchFailuresKey(batchID string) string

	// EnvBatchesKey is the sorted set of an environment's active batches.
	EnvBatchesKey(envID string) string
	// DeficitKey is the hash of envID to DRR deficit.
	DeficitKey() string
}

func NewBatchKeyGenerator(prefix string) BatchKeyGenerator {
	return batchKeys{prefix: hashTag(prefix, DefaultBatchQueuePrefix)}
}

type batchKeys struct {
	prefix string
}

func (k batchKeys) Prefix() string {
	return k.prefix
}

func (k batchKeys) MasterQueueKey() string {
	return k.prefix + ":master"
}

func (k batchKeys) MasterQueueMember(envID, batchID string) string {
	return envID + ":" + batchID
}

func (k batchKeys) ParseMasterQueueMember(member string) (string, string, error) {
	envID, batchID, ok := strings.Cut(member, ":")
	if !ok || envID == "" || batchID == "" {
		return "", "", fmt.Errorf("malformed batch master queue member %q", member)
	}
	return envID, batchID, nil
}

func (k batchKeys) batch(batchID string) string {
	return k.prefix + ":batch:" + batchID
}

func (k batchKeys) BatchMetaKey(batchID string) string {
	return k.batch(batchID) + ":meta"
}

func (k batchKeys) BatchItemsKey(batchID string) string {
	return k.batch(batchID) + ":items"
}

func (k batchKeys) BatchItemsDataKey(batchID string) string {
	return k.batch(batchID) + ":items:data"
}

func (k batchKeys) BatchSuccessesKey(batchID string) string {
	return k.batch(batchID) + ":successes"
}

func (k batchKeys) BatchFailuresKey(batchID string) string {
	return k.batch(batchID) + ":failures"
}

func (k batchKeys) EnvBatchesKey(envID string) string {
	return k.prefix + ":env:" + envID + ":batches"
}

func (k batchKeys) DeficitKey() string {
	return k.prefix + ":deficit"
}
