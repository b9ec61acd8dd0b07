package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound = errors.New("order_not_found")
	ErrInvalidSymbol = errors.New("invalid_symbol")
	ErrUnknownSymbol = errors.New("unknown_symbol")
)

// RejectReason explains why an order ended in the rejected state.
type RejectReason string

const (
	ReasonInvalidQuantity       RejectReason = "INVALID_QUANTITY"
	ReasonInvalidPrice          RejectReason = "INVALID_PRICE"
	ReasonInvalidSide           RejectReason = "INVALID_SIDE"
	ReasonInvalidSymbol         RejectReason = "INVALID_SYMBOL"
	ReasonInvalidTimeInForce    RejectReason = "INVALID_TIME_IN_FORCE"
	ReasonUnsupportedOrderType  RejectReason = "UNSUPPORTED_ORDER_TYPE"
	ReasonDuplicateOrderID      RejectReason = "DUPLICATE_ORDER_ID"
	ReasonExceedFiveLevels      RejectReason = "EXCEED_FIVE_LEVELS"
	ReasonSweepFiveLevels       RejectReason = "SWEEP_FIVE_LEVELS"
	ReasonInsufficientLiquidity RejectReason = "INSUFFICIENT_LIQUIDITY"
	ReasonFOKNotFillable        RejectReason = "FOK_NOT_FILLABLE"
	ReasonPostOnlyWouldTake     RejectReason = "POST_ONLY_WOULD_TAKE"
	ReasonSystemError           RejectReason = "SYSTEM_ERROR"
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
