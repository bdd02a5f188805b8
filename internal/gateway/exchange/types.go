// Package exchange defines the venue abstraction the agents trade through.
package exchange

import (
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position represents a live position on the exchange.
type Position struct {
	Asset      string    // e.g., "SOL"
	Side       string    // "long" or "short"
	Amount     float64   // Absolute position size in base units
	EntryPrice float64   // Average entry price
	MarkPrice  float64   // Current mark price
	Leverage   float64   // Position leverage
	OpenedAt   time.Time // Zero when the venue does not report it
	UpdatedAt  time.Time
}

// OrderRequest is an IOC limit order sized either in base quantity or quote notional.
type OrderRequest struct {
	Asset         string
	Side          Side
	Quantity      float64 // Base units; derived from Notional when 0
	Notional      float64 // Quote amount
	Price         float64 // Limit price
	ReduceOnly    bool
	ClientOrderID string
	Tag           string
}

// OrderResult reports the fill of an IOC order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	ExecutedQty   float64
	AvgPrice      float64
	UpdatedAt     time.Time
}

// Filled reports whether any quantity was executed.
func (r *OrderResult) Filled() bool {
	return r != nil && r.ExecutedQty > 0
}
