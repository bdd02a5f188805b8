package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/logger"
	"tokenguard/internal/market"
	"tokenguard/internal/scheduler"
)

// PriceSource is the subset of the exchange the feed polls.
type PriceSource interface {
	LatestPrice(ctx context.Context, asset string) (float64, error)
}

// Handler consumes one tick. Ticks are delivered sequentially.
type Handler func(ctx context.Context, tick market.PriceTick)

type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	// OnError observes every failed poll; optional.
	OnError func(err error, wait time.Duration)
}

// Feed 按固定间隔轮询最新价。遇到限频指数退避（上限 MaxBackoff），成功一次即恢复正常间隔。
type Feed struct {
	asset string
	src   PriceSource
	opts  Options
	log   *logger.Entry

	nowFn func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(asset string, src PriceSource, opts Options) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = time.Hour
	}
	return &Feed{
		asset: asset,
		src:   src,
		opts:  opts,
		log:   logger.With("asset", asset, "component", "feed"),
		nowFn: time.Now,
		after: time.After,
	}
}

// Run polls immediately, then keeps polling until ctx ends.
func (f *Feed) Run(ctx context.Context, handle Handler) error {
	if f.src == nil || handle == nil {
		return fmt.Errorf("feed %s: source and handler are required", f.asset)
	}
	var backoff time.Duration
	for {
		wait := f.opts.Interval
		price, err := f.src.LatestPrice(ctx, f.asset)
		switch {
		case err == nil && price > 0:
			if backoff > 0 {
				f.log.Infof("行情恢复，回到正常轮询间隔 %s", f.opts.Interval)
			}
			backoff = 0
			handle(ctx, market.PriceTick{Asset: f.asset, Price: price, Timestamp: f.nowFn()})
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if err == nil {
				err = fmt.Errorf("invalid price %v", price)
			}
			wait, backoff = NextWait(err, backoff, f.opts.Interval, f.opts.MaxBackoff)
			if backoff > 0 {
				f.log.Warnf("价格接口限频，%s 后重试: %v", wait, err)
			} else {
				f.log.Warnf("获取价格失败，%s 后重试: %v", wait, err)
			}
			if f.opts.OnError != nil {
				f.opts.OnError(err, wait)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.after(wait):
		}
	}
}

// NextWait returns how long to wait after a failed poll and the new backoff state.
// Rate limits double the backoff (starting at twice the interval) up to max;
// other errors retry at the normal interval without touching the backoff.
func NextWait(err error, backoff, interval, max time.Duration) (wait, next time.Duration) {
	if !errors.Is(err, exchange.ErrRateLimited) {
		return interval, backoff
	}
	next = scheduler.Backoff(backoff, 2*interval, max)
	return next, next
}
