// Package syncutil provides small synchronization helpers shared by the
// marketplace services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount is the fixed number of mutexes in a ShardedMutex.
const shardCount = 256

// ShardedMutex serializes work per string key using a fixed pool of
// mutexes. The market service uses one to order all mutations of a single
// RFP (and its bids and assignment): memory stays bounded no matter how
// many RFP ids pass through the process, at the cost of occasional false
// sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex shard for key and returns its unlock function.
//
//	unlock := locks.Lock(rfpID)
//	defer unlock()
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
