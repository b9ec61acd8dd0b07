package snapshot

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/engine"
)

var errBadSlot = errors.New("snapshot: invalid slot")

const (
	flagPostOnly byte = 1 << iota
	flagReduceOnly
	flagHidden
)

// encodeSlot lays out one slot, big-endian:
//
//	version u32 | taken-at ms i64 | last seq u64 | clock i64 | id seq u64
//	bids: count u32, then per level price str | qty str | orders u32 | order...
//	asks: same layout
//	end marker u32 | crc32 u32 over everything before it
//
// Strings carry a u32 length prefix. Decimals are stored as strings.
func encodeSlot(img engine.Image, lastSeq uint64, takenAt time.Time) []byte {
	buf := make([]byte, 0, 4096)
	buf = binary.BigEndian.AppendUint32(buf, Version)
	buf = binary.BigEndian.AppendUint64(buf, uint64(takenAt.UnixMilli()))
	buf = binary.BigEndian.AppendUint64(buf, lastSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(img.Timestamp))
	buf = binary.BigEndian.AppendUint64(buf, img.IDSeq)

	buf = appendSide(buf, img.Bids)
	buf = appendSide(buf, img.Asks)
	buf = binary.BigEndian.AppendUint32(buf, EndMarker)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

func appendSide(buf []byte, levels []engine.LevelImage) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(levels)))
	for _, lvl := range levels {
		buf = appendString(buf, lvl.Price.String())
		buf = appendString(buf, lvl.Quantity.String())
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(lvl.Orders)))
		for _, o := range lvl.Orders {
			buf = appendOrder(buf, o)
		}
	}
	return buf
}

func appendOrder(buf []byte, o *domain.Order) []byte {
	buf = appendString(buf, o.ID)
	buf = appendString(buf, o.ClientOrderID)
	buf = appendString(buf, o.UserID)
	buf = appendString(buf, string(o.Type))
	buf = appendString(buf, string(o.TimeInForce))
	buf = appendString(buf, string(o.Status))
	buf = appendString(buf, o.Quantity.String())
	buf = appendString(buf, o.Filled.String())
	buf = appendString(buf, o.DisplayQuantity.String())
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Timestamp))
	var created int64
	if !o.CreatedAt.IsZero() {
		created = o.CreatedAt.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(created))

	var flags byte
	if o.PostOnly {
		flags |= flagPostOnly
	}
	if o.ReduceOnly {
		flags |= flagReduceOnly
	}
	if o.Hidden {
		flags |= flagHidden
	}
	return append(buf, flags)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// decodeSlot parses a slot written by encodeSlot and verifies its version,
// end marker and checksum.
func decodeSlot(b []byte) (Snapshot, error) {
	r := &reader{b: b}
	s := Snapshot{Version: r.u32()}
	if r.err != nil || s.Version != Version {
		return Snapshot{}, errBadSlot
	}
	s.TakenAt = time.UnixMilli(int64(r.u64())).UTC()
	s.LastSeq = r.u64()
	s.Image.Timestamp = int64(r.u64())
	s.Image.IDSeq = r.u64()
	s.Image.Bids = r.side(domain.SideBuy)
	s.Image.Asks = r.side(domain.SideSell)

	if r.u32() != EndMarker {
		return Snapshot{}, errBadSlot
	}
	sumAt := r.off
	sum := r.u32()
	if r.err != nil || sum != crc32.ChecksumIEEE(b[:sumAt]) {
		return Snapshot{}, errBadSlot
	}
	return s, nil
}

// reader decodes big-endian fields and records the first overrun.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.b) {
		r.err = errBadSlot
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *reader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *reader) u8() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) str() string {
	n := r.u32()
	if uint64(n) > uint64(len(r.b)) {
		r.err = errBadSlot
		return ""
	}
	return string(r.take(int(n)))
}

func (r *reader) dec() decimal.Decimal {
	s := r.str()
	if r.err != nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		r.err = errBadSlot
	}
	return v
}

// count reads a length and rejects values that could not fit in the
// remaining bytes, given at least minSize bytes per element.
func (r *reader) count(minSize int) int {
	n := int(r.u32())
	if r.err == nil && n*minSize > len(r.b)-r.off {
		r.err = errBadSlot
		return 0
	}
	return n
}

func (r *reader) side(side domain.Side) []engine.LevelImage {
	n := r.count(12)
	levels := make([]engine.LevelImage, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		lvl := engine.LevelImage{Price: r.dec(), Quantity: r.dec()}
		m := r.count(53)
		lvl.Orders = make([]*domain.Order, 0, m)
		for j := 0; j < m && r.err == nil; j++ {
			lvl.Orders = append(lvl.Orders, r.order(side, lvl.Price))
		}
		levels = append(levels, lvl)
	}
	return levels
}

func (r *reader) order(side domain.Side, price decimal.Decimal) *domain.Order {
	o := &domain.Order{
		ID:            r.str(),
		ClientOrderID: r.str(),
		UserID:        r.str(),
		Type:          domain.OrderType(r.str()),
		TimeInForce:   domain.TimeInForce(r.str()),
		Status:        domain.OrderStatus(r.str()),
		Quantity:      r.dec(),
		Filled:        r.dec(),
	}
	o.DisplayQuantity = r.dec()
	o.Timestamp = int64(r.u64())
	if created := int64(r.u64()); created != 0 {
		o.CreatedAt = time.Unix(0, created).UTC()
	}
	flags := r.u8()
	o.PostOnly = flags&flagPostOnly != 0
	o.ReduceOnly = flags&flagReduceOnly != 0
	o.Hidden = flags&flagHidden != 0

	o.Side = side
	o.Price = price
	o.Remaining = o.Quantity.Sub(o.Filled)
	return o
}
