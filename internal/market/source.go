package market

import "context"

// Source 行情来源：最新价与历史 K 线。
type Source interface {
	LatestPrice(ctx context.Context, asset string) (float64, error)
	FetchHistory(ctx context.Context, asset, interval string, limit int) ([]Candle, error)
}
