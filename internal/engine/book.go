package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
)

// maxLevels is the number of opposite price levels an order may consume
// while five-level protection is enabled.
const maxLevels = 5

// DepthListener receives the new total quantity of every price level an
// operation touched. It is called synchronously from the matching goroutine
// and must not block for long.
type DepthListener interface {
	OnDepthChange(domain.DepthChange)
}

// DepthListenerFunc adapts a function to DepthListener.
type DepthListenerFunc func(domain.DepthChange)

// OnDepthChange calls f(change).
func (f DepthListenerFunc) OnDepthChange(change domain.DepthChange) {
	f(change)
}

// entry is a resting order's node in its level's FIFO queue. The order
// index maps order IDs to entries, which gives the side, the level and the
// queue position without a scan.
type entry struct {
	order      *domain.Order
	level      *priceLevel
	prev, next *entry
}

// priceLevel holds the orders resting at one price in acceptance order.
// total always equals the sum of Remaining over the queue.
type priceLevel struct {
	side  domain.Side
	price decimal.Decimal
	head  *entry
	tail  *entry
	count int
	total decimal.Decimal
}

func (l *priceLevel) pushBack(e *entry) {
	e.level = l
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.count++
}

func (l *priceLevel) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	l.count--
}

func (l *priceLevel) empty() bool {
	return l.head == nil
}

// bidLess orders bid levels by price descending, so Min() is the best bid.
func bidLess(a, b *priceLevel) bool {
	return a.price.GreaterThan(b.price)
}

// askLess orders ask levels by price ascending, so Min() is the best ask.
func askLess(a, b *priceLevel) bool {
	return a.price.LessThan(b.price)
}

// Option configures an OrderBook.
type Option func(*OrderBook)

// WithFiveLevelProtection enables or disables the five-level rules for
// market and limit orders. It is enabled by default.
func WithFiveLevelProtection(enabled bool) Option {
	return func(ob *OrderBook) { ob.fiveLevelProtection = enabled }
}

// WithDepthListener sets the receiver of depth changes.
func WithDepthListener(l DepthListener) Option {
	return func(ob *OrderBook) { ob.listener = l }
}

// WithLogger sets the logger used to report recovered faults.
func WithLogger(l *zap.Logger) Option {
	return func(ob *OrderBook) { ob.logger = logging.OrNop(l) }
}

// WithClock replaces the wall clock. Acceptance timestamps derived from it
// are still forced to be strictly increasing.
func WithClock(now func() time.Time) Option {
	return func(ob *OrderBook) { ob.now = now }
}

// OrderBook is the limit order book and matching engine for one symbol.
//
// It holds no locks. All methods must be called from a single goroutine,
// which in the running system is the symbol's pipeline shard.
type OrderBook struct {
	symbol string
	bids   *btree.BTreeG[*priceLevel]
	asks   *btree.BTreeG[*priceLevel]
	index  map[string]*entry  // order ID → resting entry
	client map[string]string  // client order ID → order ID, resting orders only

	fiveLevelProtection bool
	listener            DepthListener
	logger              *zap.Logger
	now                 func() time.Time

	lastTimestamp int64
	idSeq         uint64

	// Levels touched by the operation in progress, reported on completion.
	touched []*priceLevel
}

// NewOrderBook creates an empty order book for the given symbol.
func NewOrderBook(symbol string, opts ...Option) *OrderBook {
	const degree = 32
	ob := &OrderBook{
		symbol:              symbol,
		bids:                btree.NewG[*priceLevel](degree, bidLess),
		asks:                btree.NewG[*priceLevel](degree, askLess),
		index:               make(map[string]*entry),
		client:              make(map[string]string),
		fiveLevelProtection: true,
		logger:              zap.NewNop(),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

// Symbol returns the symbol this book trades.
func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

// sideTree returns the tree holding levels for the given side.
func (ob *OrderBook) sideTree(side domain.Side) *btree.BTreeG[*priceLevel] {
	if side == domain.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// level returns the level at price on side, if any.
func (ob *OrderBook) level(side domain.Side, price decimal.Decimal) (*priceLevel, bool) {
	return ob.sideTree(side).Get(&priceLevel{price: price})
}

// levelOrCreate returns the level at price on side, inserting an empty one
// if none exists.
func (ob *OrderBook) levelOrCreate(side domain.Side, price decimal.Decimal) *priceLevel {
	if lvl, ok := ob.level(side, price); ok {
		return lvl
	}
	lvl := &priceLevel{side: side, price: price}
	ob.sideTree(side).ReplaceOrInsert(lvl)
	return lvl
}

// nextLevel returns the first level on tree strictly after cursor in the
// tree's order, or the best level when cursor is nil. cursor may already
// have been deleted from the tree.
func nextLevel(tree *btree.BTreeG[*priceLevel], cursor *priceLevel) (*priceLevel, bool) {
	if cursor == nil {
		return tree.Min()
	}
	var found *priceLevel
	tree.AscendGreaterOrEqual(cursor, func(l *priceLevel) bool {
		if l.price.Equal(cursor.price) {
			return true
		}
		found = l
		return false
	})
	return found, found != nil
}

// rest appends the order to the tail of its price level and indexes it.
func (ob *OrderBook) rest(o *domain.Order) {
	lvl := ob.levelOrCreate(o.Side, o.Price)
	e := &entry{order: o}
	lvl.pushBack(e)
	lvl.total = lvl.total.Add(o.Remaining)
	ob.index[o.ID] = e
	if o.ClientOrderID != "" {
		ob.client[o.ClientOrderID] = o.ID
	}
	ob.touch(lvl)
}

// unlink removes an entry from its level queue and from both indexes. The
// level's total is left to the caller, and so is deleting an emptied level.
func (ob *OrderBook) unlink(e *entry) {
	e.level.remove(e)
	delete(ob.index, e.order.ID)
	if id, ok := ob.client[e.order.ClientOrderID]; ok && id == e.order.ID {
		delete(ob.client, e.order.ClientOrderID)
	}
}

// dropIfEmpty deletes lvl from its side once its queue is empty.
func (ob *OrderBook) dropIfEmpty(lvl *priceLevel) {
	if lvl.empty() {
		lvl.total = decimal.Zero
		ob.sideTree(lvl.side).Delete(lvl)
	}
}

// touch records that lvl changed during the current operation.
func (ob *OrderBook) touch(lvl *priceLevel) {
	for _, l := range ob.touched {
		if l == lvl {
			return
		}
	}
	ob.touched = append(ob.touched, lvl)
}

// emitTouched reports the final total of every touched level to the
// listener and resets the touched set.
func (ob *OrderBook) emitTouched() {
	if ob.listener != nil {
		for _, lvl := range ob.touched {
			ob.listener.OnDepthChange(domain.DepthChange{
				Symbol:   ob.symbol,
				Side:     lvl.side,
				Price:    lvl.price,
				Quantity: lvl.total,
			})
		}
	}
	clear(ob.touched)
	ob.touched = ob.touched[:0]
}

// nextTimestamp returns a nanosecond acceptance time strictly greater than
// any previously issued or replayed one.
func (ob *OrderBook) nextTimestamp() int64 {
	ts := ob.now().UnixNano()
	if ts <= ob.lastTimestamp {
		ts = ob.lastTimestamp + 1
	}
	ob.lastTimestamp = ts
	return ts
}

// nextID returns the next generated order ID, <symbol>_<counter>.
func (ob *OrderBook) nextID() string {
	for {
		ob.idSeq++
		id := ob.symbol + "_" + strconv.FormatUint(ob.idSeq, 10)
		if _, taken := ob.index[id]; !taken {
			return id
		}
	}
}

// observe advances the clock and ID counter past a replayed order so that
// orders admitted after recovery keep their priority and never reuse IDs.
func (ob *OrderBook) observe(o *domain.Order) {
	if o.Timestamp > ob.lastTimestamp {
		ob.lastTimestamp = o.Timestamp
	}
	if n, ok := ob.generatedSeq(o.ID); ok && n > ob.idSeq {
		ob.idSeq = n
	}
}

// Observe advances the clock and ID counter past an identity consumed by
// an order that never reached the book.
func (ob *OrderBook) Observe(orderID string, timestamp int64) {
	ob.observe(&domain.Order{ID: orderID, Timestamp: timestamp})
}

// generatedSeq extracts the counter from an ID produced by nextID.
func (ob *OrderBook) generatedSeq(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, ob.symbol+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Order returns the resting order with the given ID.
func (ob *OrderBook) Order(id string) (*domain.Order, bool) {
	e, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// OrderIDByClientID resolves a client order ID of a resting order.
func (ob *OrderBook) OrderIDByClientID(clientOrderID string) (string, bool) {
	id, ok := ob.client[clientOrderID]
	return id, ok
}

// BestBid returns the highest bid level.
func (ob *OrderBook) BestBid() (domain.DepthLevel, bool) {
	return best(ob.bids)
}

// BestAsk returns the lowest ask level.
func (ob *OrderBook) BestAsk() (domain.DepthLevel, bool) {
	return best(ob.asks)
}

func best(tree *btree.BTreeG[*priceLevel]) (domain.DepthLevel, bool) {
	lvl, ok := tree.Min()
	if !ok {
		return domain.DepthLevel{}, false
	}
	return domain.DepthLevel{Price: lvl.price, Quantity: lvl.total}, true
}

// OrderCount returns the number of resting orders on both sides.
func (ob *OrderBook) OrderCount() int {
	return len(ob.index)
}

// LevelCount returns the number of bid and ask price levels.
func (ob *OrderBook) LevelCount() (bids, asks int) {
	return ob.bids.Len(), ob.asks.Len()
}

// Depth returns up to levels aggregated price levels per side, bids first
// from the highest price and asks from the lowest. It never mutates the
// book.
func (ob *OrderBook) Depth(levels int) domain.Depth {
	return domain.Depth{
		Symbol: ob.symbol,
		Bids:   topLevels(ob.bids, levels),
		Asks:   topLevels(ob.asks, levels),
	}
}

// topLevels iterates the tree in order and collects at most n levels.
func topLevels(tree *btree.BTreeG[*priceLevel], n int) []domain.DepthLevel {
	if n <= 0 {
		return nil
	}
	levels := make([]domain.DepthLevel, 0, min(n, tree.Len()))
	tree.Ascend(func(lvl *priceLevel) bool {
		if lvl.total.Sign() > 0 {
			levels = append(levels, domain.DepthLevel{Price: lvl.price, Quantity: lvl.total})
		}
		return len(levels) < n
	})
	return levels
}

// walkLevel calls fn for each level of side in priority order until fn
// returns false.
func (ob *OrderBook) walkLevel(side domain.Side, fn func(*priceLevel) bool) {
	ob.sideTree(side).Ascend(fn)
}

func (ob *OrderBook) String() string {
	return fmt.Sprintf("OrderBook(%s bids=%d asks=%d orders=%d)", ob.symbol, ob.bids.Len(), ob.asks.Len(), len(ob.index))
}
