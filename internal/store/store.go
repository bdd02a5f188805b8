package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the shared state between the supervisor and agent processes.
// Put replaces the whole value atomically; readers never see a partial write.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Take reads and deletes the key in one step. Used for consume-once directives.
	Take(ctx context.Context, key string) ([]byte, error)
	Close() error
}

const (
	prefixRisk      = "risk/"
	prefixPosition  = "position/"
	prefixLiveRisk  = "liverisk/"
	prefixAnalysis  = "analysis/"
	prefixOverride  = "override/"
	prefixHeartbeat = "heartbeat/"
	prefixRegime    = "regime/"
	prefixDisabled  = "supervisor/disabled/"

	// HaltKey holds the persisted emergency halt flag.
	HaltKey = "supervisor/halt"
)

func assetKey(prefix, asset string) string {
	return prefix + strings.ToUpper(strings.TrimSpace(asset))
}

func RiskKey(asset string) string      { return assetKey(prefixRisk, asset) }
func PositionKey(asset string) string  { return assetKey(prefixPosition, asset) }
func LiveRiskKey(asset string) string  { return assetKey(prefixLiveRisk, asset) }
func AnalysisKey(asset string) string  { return assetKey(prefixAnalysis, asset) }
func OverrideKey(asset string) string  { return assetKey(prefixOverride, asset) }
func HeartbeatKey(asset string) string { return assetKey(prefixHeartbeat, asset) }
func RegimeKey(asset string) string    { return assetKey(prefixRegime, asset) }
func DisabledKey(asset string) string  { return assetKey(prefixDisabled, asset) }

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, kv KV, key string, v any) error {
	if kv == nil {
		return fmt.Errorf("kv store 未初始化")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Put(ctx, key, raw)
}

// GetJSON loads key into v. It returns ErrNotFound untouched so callers can errors.Is it.
func GetJSON(ctx context.Context, kv KV, key string, v any) error {
	if kv == nil {
		return fmt.Errorf("kv store 未初始化")
	}
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// TakeJSON consumes key into v.
func TakeJSON(ctx context.Context, kv KV, key string, v any) error {
	if kv == nil {
		return fmt.Errorf("kv store 未初始化")
	}
	raw, err := kv.Take(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func Exists(ctx context.Context, kv KV, key string) (bool, error) {
	_, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
