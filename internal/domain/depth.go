package domain

import "github.com/shopspring/decimal"

// DepthChange reports the new total quantity resting at one price. A zero
// Quantity means the level is gone.
type DepthChange struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthLevel is an aggregated price level.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth is a point-in-time view of the top of a book. Bids are ordered
// highest price first, asks lowest price first.
type Depth struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
}
