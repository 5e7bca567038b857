package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
)

// memoryShard is a single sync.Map-backed partition: Get lazily evicts an
// expired entry on read, and a background cleanupLoop sweeps the rest,
// additionally enforcing maxEntries with FIFO eviction under pressure.
type memoryShard struct {
	data            sync.Map
	maxEntries      int
	cleanupInterval time.Duration
	stopCh          chan struct{}
}

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
}

func newMemoryShard(maxEntries int, cleanupInterval time.Duration) *memoryShard {
	s := &memoryShard{maxEntries: maxEntries, cleanupInterval: cleanupInterval, stopCh: make(chan struct{})}
	go s.cleanupLoop()
	return s
}

func (s *memoryShard) get(key string) ([]byte, bool) {
	val, ok := s.data.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		s.data.Delete(key)
		return nil, false
	}
	return entry.value, true
}

func (s *memoryShard) set(key string, value []byte, ttl time.Duration) {
	now := time.Now()
	s.data.Store(key, &memoryEntry{value: value, expiresAt: now.Add(ttl), insertedAt: now})
	s.evictOverflow()
}

func (s *memoryShard) touch(key string, ttl time.Duration) bool {
	val, ok := s.data.Load(key)
	if !ok {
		return false
	}
	entry := val.(*memoryEntry)
	s.data.Store(key, &memoryEntry{value: entry.value, expiresAt: time.Now().Add(ttl), insertedAt: entry.insertedAt})
	return true
}

// evictOverflow enforces maxEntries by deleting the oldest-inserted entries
// first once the shard is over budget. maxEntries <= 0 disables the bound.
func (s *memoryShard) evictOverflow() {
	if s.maxEntries <= 0 {
		return
	}
	type aged struct {
		key        string
		insertedAt time.Time
	}
	var entries []aged
	count := 0
	s.data.Range(func(k, v interface{}) bool {
		count++
		entries = append(entries, aged{key: k.(string), insertedAt: v.(*memoryEntry).insertedAt})
		return true
	})
	if count <= s.maxEntries {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].insertedAt.Before(entries[j].insertedAt) })
	for i := 0; i < count-s.maxEntries; i++ {
		s.data.Delete(entries[i].key)
	}
}

func (s *memoryShard) delete(key string) {
	s.data.Delete(key)
}

func (s *memoryShard) clearPrefix(prefix string) {
	s.data.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			s.data.Delete(k)
		}
		return true
	})
}

func (s *memoryShard) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *memoryShard) cleanup() {
	now := time.Now()
	s.data.Range(func(k, v interface{}) bool {
		if now.After(v.(*memoryEntry).expiresAt) {
			s.data.Delete(k)
		}
		return true
	})
	s.evictOverflow()
}

func (s *memoryShard) close() {
	close(s.stopCh)
}

// MemoryBackend implements Backend as a set of rendezvous-hashed shards, so
// a single global map doesn't become a contention point once it is shared
// by all seven namespaces. Shard placement uses rendezvous hashing so the
// shard count can change without remapping every existing key.
type MemoryBackend struct {
	shards map[string]*memoryShard
	nodes  []string
	hash   *rendezvous.Rendezvous
}

// NewMemoryBackend creates an in-memory backend with shardCount partitions,
// each swept every cleanupInterval and bounded to maxEntries/shardCount
// live entries, evicting the oldest-inserted entries first once a shard is
// over budget. shardCount <= 0 defaults to 16;
// maxEntries <= 0 disables the bound (unlimited growth).
func NewMemoryBackend(shardCount int, cleanupInterval time.Duration, maxEntries int) *MemoryBackend {
	if shardCount <= 0 {
		shardCount = 16
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	perShardMax := 0
	if maxEntries > 0 {
		perShardMax = maxEntries / shardCount
		if perShardMax < 1 {
			perShardMax = 1
		}
	}
	nodes := make([]string, shardCount)
	shards := make(map[string]*memoryShard, shardCount)
	for i := 0; i < shardCount; i++ {
		node := "shard-" + strings.Repeat("x", i+1)
		nodes[i] = node
		shards[node] = newMemoryShard(perShardMax, cleanupInterval)
	}
	return &MemoryBackend{
		shards: shards,
		nodes:  nodes,
		hash:   rendezvous.New(nodes, hashString),
	}
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (m *MemoryBackend) shardFor(key string) *memoryShard {
	return m.shards[m.hash.Lookup(key)]
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.shardFor(key).get(key)
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.shardFor(key).set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.shardFor(key).delete(key)
	return nil
}

func (m *MemoryBackend) Touch(_ context.Context, key string, ttl time.Duration) error {
	m.shardFor(key).touch(key, ttl)
	return nil
}

func (m *MemoryBackend) ClearPrefix(_ context.Context, prefix string) error {
	for _, s := range m.shards {
		s.clearPrefix(prefix)
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	for _, s := range m.shards {
		s.close()
	}
	return nil
}
