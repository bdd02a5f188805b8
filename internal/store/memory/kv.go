package memory

import (
	"context"
	"errors"
	"sync"

	"tokenguard/internal/store"
)

const defaultShardCount = 16

// KV 进程内 KV，用于 inprocess launcher 与测试。按 key 哈希分片加锁。
type KV struct {
	shards []kvShard
}

type kvShard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *KV {
	out := &KV{shards: make([]kvShard, defaultShardCount)}
	for i := range out.shards {
		out.shards[i] = kvShard{data: make(map[string][]byte)}
	}
	return out
}

func (s *KV) shardFor(key string) *kvShard {
	return &s.shards[hashKey(key)%uint32(len(s.shards))]
}

func (s *KV) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("key 不能为空")
	}
	sh := s.shardFor(key)
	buf := make([]byte, len(value))
	copy(buf, value)
	sh.mu.Lock()
	sh.data[key] = buf
	sh.mu.Unlock()
	return nil
}

func (s *KV) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur, ok := sh.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(cur))
	copy(out, cur)
	return out, nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.data, key)
	sh.mu.Unlock()
	return nil
}

func (s *KV) Take(_ context.Context, key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(sh.data, key)
	return cur, nil
}

func (s *KV) Close() error { return nil }

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
