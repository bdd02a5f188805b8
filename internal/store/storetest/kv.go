// Package storetest holds the behaviour every store.KV backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"

	"tokenguard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunKV exercises a KV backend. The store must be empty.
func RunKV(t *testing.T, kv store.KV) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := kv.Get(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = kv.Take(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, kv.Delete(ctx, "nope"))
	})

	t.Run("last write wins", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "risk/SOL", []byte(`{"v":1}`)))
		require.NoError(t, kv.Put(ctx, "risk/SOL", []byte(`{"v":2}`)))
		got, err := kv.Get(ctx, "risk/SOL")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("take consumes", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "override/SOL", []byte(`{"action":"force_close"}`)))
		got, err := kv.Take(ctx, "override/SOL")
		require.NoError(t, err)
		assert.Contains(t, string(got), "force_close")
		_, err = kv.Get(ctx, "override/SOL")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "position/ETH", []byte(`{}`)))
		require.NoError(t, kv.Delete(ctx, "position/ETH"))
		ok, err := store.Exists(ctx, kv, "position/ETH")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("json helpers", func(t *testing.T) {
		type payload struct {
			Name string `json:"name"`
		}
		require.NoError(t, store.PutJSON(ctx, kv, "analysis/SOL", payload{Name: "x"}))
		var out payload
		require.NoError(t, store.GetJSON(ctx, kv, "analysis/SOL", &out))
		assert.Equal(t, "x", out.Name)
		var taken payload
		require.NoError(t, store.TakeJSON(ctx, kv, "analysis/SOL", &taken))
		assert.Equal(t, "x", taken.Name)
		assert.ErrorIs(t, store.GetJSON(ctx, kv, "analysis/SOL", &out), store.ErrNotFound)
	})

	t.Run("concurrent take delivers once", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "override/BTC", []byte(`{}`)))
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			hits int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := kv.Take(ctx, "override/BTC"); err == nil {
					mu.Lock()
					hits++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, hits)
	})
}
