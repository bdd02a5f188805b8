package redis

import (
	"context"
	"errors"
	"fmt"

	"tokenguard/internal/store"

	goredis "github.com/redis/go-redis/v9"
)

// KV stores shared state in Redis. SET replaces values atomically; Take uses GETDEL.
type KV struct {
	client *goredis.Client
	prefix string
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewKV(ctx context.Context, opts Options) (*KV, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &KV{client: client, prefix: opts.Prefix}, nil
}

// NewKVFromClient wraps an existing client.
func NewKVFromClient(client *goredis.Client, prefix string) *KV {
	return &KV{client: client, prefix: prefix}
}

func (s *KV) key(k string) string { return s.prefix + k }

func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("key 不能为空")
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return out, nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *KV) Take(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel %s: %w", key, err)
	}
	return out, nil
}

func (s *KV) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
