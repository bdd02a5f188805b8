package regime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tokenguard/internal/gateway/provider"
	"tokenguard/internal/logger"
	"tokenguard/internal/market"
	"tokenguard/internal/pkg/circuit"
	"tokenguard/internal/pkg/text"
	"tokenguard/internal/types"

	"golang.org/x/sync/singleflight"
)

// Source 区分定时触发与运维手动触发。
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

type Request struct {
	Asset    string
	Snapshot *types.IndicatorSnapshot
	History  []market.PriceTick
	Source   Source
}

type Options struct {
	// MinInterval 是 auto 调用的每币种最小间隔，窗口内直接返回缓存。
	MinInterval time.Duration
	Timeout     time.Duration
	Breaker     *circuit.CircuitBreaker
	// OnAssess 在每次真正完成判定（非缓存命中）后回调。
	OnAssess func(types.Assessment)
}

// Classifier wraps the model call with a per-asset cache, single in-flight
// calls per asset and a heuristic fallback. Assess never returns an error for
// classification failures.
type Classifier struct {
	model provider.ModelProvider
	opts  Options

	mu    sync.RWMutex
	cache map[string]types.Assessment
	group singleflight.Group
	nowFn func() time.Time
}

func NewClassifier(model provider.ModelProvider, opts Options) *Classifier {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Classifier{
		model: model,
		opts:  opts,
		cache: make(map[string]types.Assessment),
		nowFn: time.Now,
	}
}

// Assess returns an assessment for req.Asset. Manual requests always reach the
// classifier; auto requests inside MinInterval of the cached result reuse it.
func (c *Classifier) Assess(ctx context.Context, req Request) (types.Assessment, error) {
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		return types.Assessment{}, fmt.Errorf("asset is required")
	}
	req.Asset = asset
	if req.Source == SourceManual {
		return c.classify(ctx, req), nil
	}
	if cached, ok := c.fresh(asset); ok {
		return cached, nil
	}
	v, err, _ := c.group.Do(asset, func() (any, error) {
		if cached, ok := c.fresh(asset); ok {
			return cached, nil
		}
		return c.classify(ctx, req), nil
	})
	if err != nil {
		return types.Assessment{}, err
	}
	return v.(types.Assessment), nil
}

// Cached returns the last assessment for asset regardless of age.
func (c *Classifier) Cached(asset string) (types.Assessment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.cache[strings.ToUpper(asset)]
	return a, ok
}

func (c *Classifier) fresh(asset string) (types.Assessment, bool) {
	a, ok := c.Cached(asset)
	if !ok {
		return types.Assessment{}, false
	}
	if c.nowFn().Sub(a.Timestamp) >= c.opts.MinInterval {
		return types.Assessment{}, false
	}
	return a, true
}

func (c *Classifier) classify(ctx context.Context, req Request) types.Assessment {
	a, err := c.callModel(ctx, req)
	if err != nil {
		logger.With("asset", req.Asset).Warnf("regime 模型判定失败，使用启发式兜底: %v", err)
		a = Heuristic(req.Asset, req.Snapshot, req.History, c.nowFn(), err.Error())
	}
	c.mu.Lock()
	c.cache[req.Asset] = a
	c.mu.Unlock()
	if c.opts.OnAssess != nil {
		c.opts.OnAssess(a)
	}
	return a
}

var errNoModel = errors.New("no model configured")

func (c *Classifier) callModel(ctx context.Context, req Request) (types.Assessment, error) {
	if c.model == nil || !c.model.Enabled() {
		return types.Assessment{}, errNoModel
	}
	system, user := buildPrompt(req.Asset, req.Snapshot, req.History)
	var raw string
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		out, err := c.model.Call(cctx, provider.ChatPayload{System: system, User: user, Tag: req.Asset, MaxTokens: 800})
		if err != nil {
			return err
		}
		raw = out
		return nil
	}
	var err error
	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return types.Assessment{}, err
	}
	a, err := ParseResponse(req.Asset, raw, c.nowFn())
	if err != nil {
		// 解析失败算作模型故障，计入熔断
		if c.opts.Breaker != nil {
			c.opts.Breaker.RecordFailure()
		}
		return types.Assessment{}, fmt.Errorf("parse model output: %w (raw=%q)", err, text.Truncate(raw, 160))
	}
	return a, nil
}
