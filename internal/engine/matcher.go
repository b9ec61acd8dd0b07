package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
)

// ProcessOrder admits an order, matches it against the opposite side and
// rests any eligible remainder. It returns the trades produced and updates
// the order's status, fill quantities and reject reason in place.
//
// The book assigns the acceptance timestamp unconditionally and generates
// an ID of the form <symbol>_<n> when the order has none.
//
// ProcessOrder never panics: an unexpected fault rejects the order with
// SYSTEM_ERROR, keeps any trades already produced and leaves nothing of the
// order resting.
func (ob *OrderBook) ProcessOrder(o *domain.Order) []domain.Trade {
	return ob.process(o, false)
}

// Replay re-applies an order exactly as it was originally processed,
// keeping its ID and acceptance timestamp. It is used by recovery.
func (ob *OrderBook) Replay(o *domain.Order) []domain.Trade {
	return ob.process(o, true)
}

func (ob *OrderBook) process(o *domain.Order, replay bool) (trades []domain.Trade) {
	defer func() {
		if r := recover(); r != nil {
			ob.logger.Error("order processing fault",
				zap.String("symbol", ob.symbol),
				zap.String("order_id", o.ID),
				zap.Any("panic", r),
			)
			if e, ok := ob.index[o.ID]; ok && e.order == o {
				lvl := e.level
				lvl.total = lvl.total.Sub(o.Remaining)
				ob.unlink(e)
				ob.dropIfEmpty(lvl)
				ob.touch(lvl)
			}
			o.Reject(domain.ReasonSystemError)
		}
		ob.emitTouched()
	}()

	// Step 1: Assign identity and reset engine-owned fields.
	if replay {
		ob.observe(o)
	} else {
		o.Timestamp = ob.nextTimestamp()
		if o.ID == "" {
			o.ID = ob.nextID()
		}
	}
	if o.Symbol == "" {
		o.Symbol = ob.symbol
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = ob.now()
	}
	o.Filled = decimal.Zero
	o.Remaining = o.Quantity
	o.Status = domain.OrderStatusNew
	o.RejectReason = ""

	// Step 2: Input validation.
	if reason, ok := ob.validate(o); !ok {
		o.Reject(reason)
		return nil
	}

	// Step 3: Match.
	if o.Type == domain.OrderTypeMarket {
		ob.matchMarket(o, &trades)
	} else {
		ob.matchLimit(o, &trades)
	}
	return trades
}

// validate checks the order before it can affect the book.
func (ob *OrderBook) validate(o *domain.Order) (domain.RejectReason, bool) {
	switch {
	case o.Quantity.Sign() <= 0:
		return domain.ReasonInvalidQuantity, false
	case o.Symbol != ob.symbol:
		return domain.ReasonInvalidSymbol, false
	case !o.Side.Valid():
		return domain.ReasonInvalidSide, false
	case !o.Type.Valid() || o.Type.IsConditional():
		// Trigger handling for stop and take-profit orders is not supported.
		return domain.ReasonUnsupportedOrderType, false
	case o.Type == domain.OrderTypeLimit && o.Price.Sign() <= 0:
		return domain.ReasonInvalidPrice, false
	case !o.TimeInForce.Valid():
		return domain.ReasonInvalidTimeInForce, false
	}
	if _, exists := ob.index[o.ID]; exists {
		return domain.ReasonDuplicateOrderID, false
	}
	return "", true
}

// matchMarket walks the opposite side from the best price outward until
// the order is filled. The order never rests: it ends filled or rejected.
func (ob *OrderBook) matchMarket(o *domain.Order, trades *[]domain.Trade) {
	tree := ob.sideTree(o.Side.Opposite())
	var cursor *priceLevel
	touched := 0

	for o.Remaining.Sign() > 0 {
		lvl, ok := nextLevel(tree, cursor)
		if !ok {
			o.Reject(domain.ReasonInsufficientLiquidity)
			return
		}
		touched++
		if ob.fiveLevelProtection && touched > maxLevels {
			o.Reject(domain.ReasonExceedFiveLevels)
			return
		}
		cursor = lvl
		ob.fillAtLevel(o, lvl, trades)
	}
}

// matchLimit runs the pre-checks, matches at prices no worse than the limit
// and rests the remainder according to the time in force.
func (ob *OrderBook) matchLimit(o *domain.Order, trades *[]domain.Trade) {
	if o.IsPostOnly() {
		if ob.crosses(o) {
			o.Reject(domain.ReasonPostOnlyWouldTake)
			return
		}
		ob.rest(o)
		return
	}

	if ob.fiveLevelProtection && ob.wouldSweepFiveLevels(o) {
		o.Reject(domain.ReasonSweepFiveLevels)
		return
	}
	if o.TimeInForce == domain.TimeInForceFOK && !ob.canFillCompletely(o) {
		o.Reject(domain.ReasonFOKNotFillable)
		return
	}

	tree := ob.sideTree(o.Side.Opposite())
	var cursor *priceLevel
	for o.Remaining.Sign() > 0 {
		lvl, ok := nextLevel(tree, cursor)
		if !ok || !acceptable(o, lvl.price) {
			break
		}
		cursor = lvl
		ob.fillAtLevel(o, lvl, trades)
	}

	if o.Remaining.Sign() == 0 {
		return
	}
	if o.TimeInForce == domain.TimeInForceIOC {
		o.Status = domain.OrderStatusCanceled
		return
	}
	ob.rest(o)
}

// fillAtLevel consumes makers at lvl in FIFO order, skipping makers owned
// by the taker's user. Fully filled makers leave the book, and so does the
// level once its queue is empty.
func (ob *OrderBook) fillAtLevel(taker *domain.Order, lvl *priceLevel, trades *[]domain.Trade) {
	ob.touch(lvl)
	for e := lvl.head; e != nil && taker.Remaining.Sign() > 0; {
		next := e.next
		maker := e.order
		if selfTrade(taker, maker) {
			e = next
			continue
		}

		qty := decimal.Min(taker.Remaining, maker.Remaining)
		trade := ob.newTrade(taker, maker, lvl.price, qty)
		taker.Fill(qty)
		maker.Fill(qty)
		lvl.total = lvl.total.Sub(qty)
		*trades = append(*trades, trade)

		if maker.Remaining.Sign() == 0 {
			ob.unlink(e)
		}
		e = next
	}
	ob.dropIfEmpty(lvl)
}

func (ob *OrderBook) newTrade(taker, maker *domain.Order, price, qty decimal.Decimal) domain.Trade {
	return domain.Trade{
		ID:           uuid.NewString(),
		Symbol:       ob.symbol,
		Side:         taker.Side,
		Price:        price,
		Quantity:     qty,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		ExecutedAt:   ob.now(),
	}
}

// selfTrade reports whether taker and maker belong to the same user.
// Orders without a user never match as self trades.
func selfTrade(taker, maker *domain.Order) bool {
	return taker.UserID != "" && taker.UserID == maker.UserID
}

// acceptable reports whether a limit order may execute at price.
func acceptable(o *domain.Order, price decimal.Decimal) bool {
	if o.Side == domain.SideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

// crosses reports whether the best opposite level is marketable for o.
func (ob *OrderBook) crosses(o *domain.Order) bool {
	lvl, ok := ob.sideTree(o.Side.Opposite()).Min()
	return ok && acceptable(o, lvl.price)
}

// wouldSweepFiveLevels reports whether a limit order would need more than
// five marketable opposite levels. It is true only when a sixth marketable
// level exists and the first five cannot absorb the full quantity. Makers
// owned by the taker's user count toward the five levels but not toward
// the quantity, since fillAtLevel skips them. An order that runs out of
// marketable levels first simply rests its remainder.
func (ob *OrderBook) wouldSweepFiveLevels(o *domain.Order) bool {
	acc := decimal.Zero
	count := 0
	swept := false
	ob.walkLevel(o.Side.Opposite(), func(lvl *priceLevel) bool {
		if !acceptable(o, lvl.price) {
			return false
		}
		if count == maxLevels {
			swept = true
			return false
		}
		count++
		acc = acc.Add(ob.fillableAt(o, lvl))
		return acc.LessThan(o.Quantity)
	})
	return swept
}

// fillableAt returns the quantity at lvl that o may trade against.
func (ob *OrderBook) fillableAt(o *domain.Order, lvl *priceLevel) decimal.Decimal {
	if o.UserID == "" {
		return lvl.total
	}
	acc := decimal.Zero
	for e := lvl.head; e != nil; e = e.next {
		if !selfTrade(o, e.order) {
			acc = acc.Add(e.order.Remaining)
		}
	}
	return acc
}

// canFillCompletely reports whether marketable liquidity from other users
// covers the order's full quantity.
func (ob *OrderBook) canFillCompletely(o *domain.Order) bool {
	acc := decimal.Zero
	ob.walkLevel(o.Side.Opposite(), func(lvl *priceLevel) bool {
		if !acceptable(o, lvl.price) {
			return false
		}
		acc = acc.Add(ob.fillableAt(o, lvl))
		return acc.LessThan(o.Quantity)
	})
	return acc.GreaterThanOrEqual(o.Quantity)
}

// CancelOrder removes a resting order from the book. It returns false when
// the ID is unknown or the order no longer rests, so repeated calls are
// harmless.
func (ob *OrderBook) CancelOrder(orderID string) bool {
	e, ok := ob.index[orderID]
	if !ok || e.order.Remaining.Sign() <= 0 {
		return false
	}
	lvl := e.level
	lvl.total = lvl.total.Sub(e.order.Remaining)
	ob.unlink(e)
	e.order.Status = domain.OrderStatusCanceled
	ob.touch(lvl)
	ob.dropIfEmpty(lvl)
	ob.emitTouched()
	return true
}

// CancelByClientID cancels the resting order admitted with the given
// client order ID and returns its order ID.
func (ob *OrderBook) CancelByClientID(clientOrderID string) (string, bool) {
	id, ok := ob.client[clientOrderID]
	if !ok {
		return "", false
	}
	return id, ob.CancelOrder(id)
}

// checkInvariants verifies that every level total equals the sum of its
// queue, that no empty level is kept and that the index matches the
// queues. It is used by tests.
func (ob *OrderBook) checkInvariants() error {
	seen := 0
	var err error
	check := func(lvl *priceLevel) bool {
		if lvl.empty() {
			err = fmt.Errorf("empty level %s kept on %s side", lvl.price, lvl.side)
			return false
		}
		sum := decimal.Zero
		n := 0
		var prevTS int64
		for e := lvl.head; e != nil; e = e.next {
			if e.order.Remaining.Sign() <= 0 {
				err = fmt.Errorf("order %s rests with remaining %s", e.order.ID, e.order.Remaining)
				return false
			}
			if n > 0 && e.order.Timestamp < prevTS {
				err = fmt.Errorf("level %s out of time order at %s", lvl.price, e.order.ID)
				return false
			}
			if ob.index[e.order.ID] != e {
				err = fmt.Errorf("order %s missing from index", e.order.ID)
				return false
			}
			prevTS = e.order.Timestamp
			sum = sum.Add(e.order.Remaining)
			n++
		}
		if !sum.Equal(lvl.total) {
			err = fmt.Errorf("level %s total %s, sum of queue %s", lvl.price, lvl.total, sum)
			return false
		}
		if n != lvl.count {
			err = fmt.Errorf("level %s count %d, queue length %d", lvl.price, lvl.count, n)
			return false
		}
		seen += n
		return true
	}
	ob.bids.Ascend(check)
	if err == nil {
		ob.asks.Ascend(check)
	}
	if err == nil && seen != len(ob.index) {
		err = fmt.Errorf("index has %d orders, queues hold %d", len(ob.index), seen)
	}
	return err
}
