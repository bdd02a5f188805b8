package exchange

import (
	"context"
	"errors"

	"tokenguard/internal/market"
)

var (
	// ErrRateLimited marks a request rejected by the exchange's rate limiter.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrNotFilled is returned when an IOC order expires without any fill.
	ErrNotFilled = errors.New("exchange: order not filled")
)

// Exchange is everything an agent needs from a futures venue.
type Exchange interface {
	market.Source

	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	ListOpenPositions(ctx context.Context) ([]Position, error)
}
