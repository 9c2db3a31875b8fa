// Package versionmap implements the LiveVersionMap: a sharded, two-
// generation map of docId -> VersionValue that lets the write path look up
// the most recent version of a document before it has been refreshed into
// the segment store, plus a separate TTL-pruned tombstone map for recently
// deleted docIds.
package versionmap

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/docshard/shardkernel/internal/types"
)

const defaultNumShards = 256
const defaultTombstoneCapacity = 1 << 20

type shard struct {
	mu      sync.RWMutex
	current map[string]types.VersionValue
	old     map[string]types.VersionValue
}

// Map is the LiveVersionMap. Both generations are sharded by a hash of the
// docId, which keeps per-docId locking cheap under concurrent writers.
type Map struct {
	shards     []*shard
	numShards  uint64
	tombstones *lru.LRU[string, types.VersionValue]
}

// New creates a LiveVersionMap with the default shard count and tombstone
// capacity.
func New() *Map {
	return NewWithOptions(defaultNumShards, defaultTombstoneCapacity)
}

func NewWithOptions(numShards, tombstoneCapacity int) *Map {
	m := &Map{
		numShards: uint64(numShards),
		shards:    make([]*shard, numShards),
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			current: make(map[string]types.VersionValue),
			old:     make(map[string]types.VersionValue),
		}
	}
	// ttl=0 disables the library's own timer-driven expiry: a tombstone may
	// only leave the map through PruneTombstones, which additionally gates
	// on the global checkpoint. The capacity bound still caps residency.
	m.tombstones = lru.NewLRU[string, types.VersionValue](tombstoneCapacity, nil, 0)
	return m
}

func (m *Map) shardFor(docID string) *shard {
	h := fnv64(docID)
	return m.shards[h%m.numShards]
}

func fnv64(s string) uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// Lookup returns the most recent version tracked for docID, checking the
// current generation, then the old generation, then the tombstone map, in
// that order.
func (m *Map) Lookup(docID string) (types.VersionValue, bool) {
	sh := m.shardFor(docID)
	sh.mu.RLock()
	if v, ok := sh.current[docID]; ok {
		sh.mu.RUnlock()
		return v, true
	}
	if v, ok := sh.old[docID]; ok {
		sh.mu.RUnlock()
		return v, true
	}
	sh.mu.RUnlock()

	if v, ok := m.tombstones.Get(docID); ok {
		return v, true
	}
	return types.VersionValue{}, false
}

// Put records a live version for docID in the current generation.
func (m *Map) Put(docID string, v types.VersionValue) {
	v.Kind = types.VersionLive
	sh := m.shardFor(docID)
	sh.mu.Lock()
	sh.current[docID] = v
	sh.mu.Unlock()
}

// PutTombstone moves docID out of the live generations and into the TTL
// tombstone map so CAS checks against a deleted docId still see a recent
// version until the tombstone expires.
func (m *Map) PutTombstone(docID string, v types.VersionValue, expireAtMillis int64) {
	v.Kind = types.VersionTombstone
	v.ExpireAtMillis = expireAtMillis

	sh := m.shardFor(docID)
	sh.mu.Lock()
	delete(sh.current, docID)
	delete(sh.old, docID)
	sh.mu.Unlock()

	m.tombstones.Add(docID, v)
}

// BeforeRefresh rotates current into old across all shards. Called at the
// start of a refresh cycle, before the segment store reader reopens.
func (m *Map) BeforeRefresh() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.old = sh.current
		sh.current = make(map[string]types.VersionValue)
		sh.mu.Unlock()
	}
}

// AfterRefresh drops the old generation: anything in it is now visible via
// the freshly refreshed segment store reader, so the version map no longer
// needs to hold it.
func (m *Map) AfterRefresh() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.old = make(map[string]types.VersionValue)
		sh.mu.Unlock()
	}
}

// PruneTombstones removes tombstones whose TTL has expired AND whose seqNo
// is already covered by the global checkpoint: a tombstone must outlive any
// in-flight read of the pre-delete version, and a seqNo not yet known to be
// durable everywhere cannot be safely forgotten even once its TTL lapses.
// This sweep is the only time-based eviction path; the underlying LRU's own
// expiry is disabled so nothing leaves the map without passing both gates.
func (m *Map) PruneTombstones(nowMillis int64, globalCheckpoint uint64) (pruned int) {
	for _, k := range m.tombstones.Keys() {
		v, ok := m.tombstones.Peek(k)
		if !ok {
			continue
		}
		if v.ExpireAtMillis < nowMillis && v.SeqNo <= globalCheckpoint {
			m.tombstones.Remove(k)
			pruned++
		}
	}
	return pruned
}

// TombstoneCount returns the number of tombstones currently tracked, for
// the Engine's Stats() surface.
func (m *Map) TombstoneCount() int {
	return m.tombstones.Len()
}
