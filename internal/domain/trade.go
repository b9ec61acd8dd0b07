package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents one execution between an incoming (taker) order and a
// resting (maker) order. Price is always the maker's price. A Trade is never
// modified after it is emitted.
type Trade struct {
	ID           string          `json:"trade_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"` // aggressor side
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerUserID  string          `json:"taker_user_id,omitempty"`
	MakerUserID  string          `json:"maker_user_id,omitempty"`
	ExecutedAt   time.Time       `json:"executed_at"`
}
