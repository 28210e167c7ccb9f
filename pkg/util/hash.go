package util

import (
	"github.com/cespare/xxhash/v2"
)

// JumpHash maps key onto one of buckets using Lamping & Veach's jump consistent
// hash.  Growing buckets from n to n+1 only moves 1/(n+1) of all keys.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// ShardFor returns the shard index for the given string key.  Every component
// that needs to agree on shard placement (eg. the producer writing an in-flight
// entry and the sweeper reclaiming it) must use this function.
func ShardFor(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	return JumpHash(xxhash.Sum64String(key), shards)
}
