package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchengine/internal/domain"
)

// LevelImage is a detached copy of one price level: its total and its
// resting orders in queue order.
type LevelImage struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   []*domain.Order
}

// Image is a detached copy of a whole book, together with the clock and ID
// counter needed to continue issuing timestamps and IDs after a restore.
type Image struct {
	Bids      []LevelImage
	Asks      []LevelImage
	Timestamp int64
	IDSeq     uint64
}

// SnapshotBids copies the bid side, best price first.
func (ob *OrderBook) SnapshotBids() []LevelImage {
	return snapshotSide(ob, domain.SideBuy)
}

// SnapshotAsks copies the ask side, best price first.
func (ob *OrderBook) SnapshotAsks() []LevelImage {
	return snapshotSide(ob, domain.SideSell)
}

func snapshotSide(ob *OrderBook, side domain.Side) []LevelImage {
	tree := ob.sideTree(side)
	out := make([]LevelImage, 0, tree.Len())
	tree.Ascend(func(lvl *priceLevel) bool {
		img := LevelImage{
			Price:    lvl.price,
			Quantity: lvl.total,
			Orders:   make([]*domain.Order, 0, lvl.count),
		}
		for e := lvl.head; e != nil; e = e.next {
			img.Orders = append(img.Orders, e.order.Clone())
		}
		out = append(out, img)
		return true
	})
	return out
}

// Image copies the complete book state.
func (ob *OrderBook) Image() Image {
	return Image{
		Bids:      ob.SnapshotBids(),
		Asks:      ob.SnapshotAsks(),
		Timestamp: ob.lastTimestamp,
		IDSeq:     ob.idSeq,
	}
}

// Restore replaces the book's contents with img. Level totals are rebuilt
// from the orders; an image whose stored totals disagree is rejected and
// the book is left empty.
func (ob *OrderBook) Restore(img Image) error {
	ob.reset()
	ob.lastTimestamp = img.Timestamp
	ob.idSeq = img.IDSeq

	restoreSide := func(side domain.Side, levels []LevelImage) error {
		for _, li := range levels {
			for _, src := range li.Orders {
				o := src.Clone()
				if o.Symbol == "" {
					o.Symbol = ob.symbol
				}
				if o.Side != side || !o.Price.Equal(li.Price) || o.Remaining.Sign() <= 0 {
					return fmt.Errorf("order %s does not belong to %s level %s", o.ID, side, li.Price)
				}
				if _, dup := ob.index[o.ID]; dup {
					return fmt.Errorf("order %s appears twice", o.ID)
				}
				ob.rest(o)
				if o.Timestamp > ob.lastTimestamp {
					ob.lastTimestamp = o.Timestamp
				}
			}
			if lvl, ok := ob.level(side, li.Price); !ok || !lvl.total.Equal(li.Quantity) {
				return fmt.Errorf("%s level %s total does not match its orders", side, li.Price)
			}
		}
		return nil
	}

	err := restoreSide(domain.SideBuy, img.Bids)
	if err == nil {
		err = restoreSide(domain.SideSell, img.Asks)
	}
	ob.touched = ob.touched[:0]
	if err != nil {
		ob.reset()
		return err
	}
	return nil
}

// PublishDepth reports every level's current total to the depth listener.
func (ob *OrderBook) PublishDepth() {
	ob.bids.Ascend(func(lvl *priceLevel) bool { ob.touch(lvl); return true })
	ob.asks.Ascend(func(lvl *priceLevel) bool { ob.touch(lvl); return true })
	ob.emitTouched()
}

// Clear removes every resting order and reports each removed level with
// quantity zero. Removed orders are marked canceled.
func (ob *OrderBook) Clear() {
	clearSide := func(lvl *priceLevel) bool {
		for e := lvl.head; e != nil; e = e.next {
			e.order.Status = domain.OrderStatusCanceled
		}
		lvl.head, lvl.tail, lvl.count = nil, nil, 0
		lvl.total = decimal.Zero
		ob.touch(lvl)
		return true
	}
	ob.bids.Ascend(clearSide)
	ob.asks.Ascend(clearSide)
	ob.reset()
	ob.emitTouched()
}

// reset empties both sides and the indexes without reporting anything.
func (ob *OrderBook) reset() {
	ob.bids.Clear(false)
	ob.asks.Clear(false)
	clear(ob.index)
	clear(ob.client)
}
