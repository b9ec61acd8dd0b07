package wal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/matchengine/internal/domain"
)

// ErrCorrupt reports a record whose checksum or fields cannot be trusted.
var ErrCorrupt = errors.New("wal: corrupt record")

// Kind identifies what a record describes.
type Kind string

const (
	KindOrder  Kind = "ORDER"
	KindCancel Kind = "CANCEL"
	KindTrade  Kind = "TRADE"
	KindReject Kind = "REJECT"
)

const (
	fieldSep  = '\t'
	recordEnd = '\n'
)

// Cancel is the payload of a CANCEL record.
type Cancel struct {
	OrderID   string
	Timestamp int64
}

// Reject is the payload of a REJECT record. It keeps the identity a
// rejected order consumed so that recovery never hands it out again.
type Reject struct {
	OrderID   string
	Reason    domain.RejectReason
	Timestamp int64
}

// Record is one WAL line. Exactly one of Order, Cancel, Trade and Reject
// is set, matching Kind. Seq is assigned by Log.Append.
type Record struct {
	Seq    uint64
	Kind   Kind
	Order  *domain.Order
	Cancel *Cancel
	Trade  *domain.Trade
	Reject *Reject
}

// OrderRecord builds an ORDER record for an admitted order.
func OrderRecord(o *domain.Order) Record {
	return Record{Kind: KindOrder, Order: o}
}

// CancelRecord builds a CANCEL record.
func CancelRecord(orderID string, ts int64) Record {
	return Record{Kind: KindCancel, Cancel: &Cancel{OrderID: orderID, Timestamp: ts}}
}

// RejectRecord builds a REJECT record for an order that was rejected
// without trading.
func RejectRecord(o *domain.Order) Record {
	return Record{Kind: KindReject, Reject: &Reject{OrderID: o.ID, Reason: o.RejectReason, Timestamp: o.Timestamp}}
}

// TradeRecord builds a TRADE record.
func TradeRecord(t domain.Trade) Record {
	return Record{Kind: KindTrade, Trade: &t}
}

// encode renders the record as
//
//	seq \t kind \t field... \t crc32hex \n
//
// String fields are Go-quoted so they never contain the separators. The
// checksum covers every byte before its own separator.
func (r Record) encode() ([]byte, error) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(r.Seq, 10))
	b.WriteByte(fieldSep)
	b.WriteString(string(r.Kind))

	var fields []string
	switch r.Kind {
	case KindOrder:
		if r.Order == nil {
			return nil, fmt.Errorf("wal: %s record without order", r.Kind)
		}
		fields = orderFields(r.Order)
	case KindCancel:
		if r.Cancel == nil {
			return nil, fmt.Errorf("wal: %s record without cancel", r.Kind)
		}
		fields = []string{strconv.Quote(r.Cancel.OrderID), strconv.FormatInt(r.Cancel.Timestamp, 10)}
	case KindTrade:
		if r.Trade == nil {
			return nil, fmt.Errorf("wal: %s record without trade", r.Kind)
		}
		fields = tradeFields(r.Trade)
	case KindReject:
		if r.Reject == nil {
			return nil, fmt.Errorf("wal: %s record without reject", r.Kind)
		}
		fields = []string{
			strconv.Quote(r.Reject.OrderID),
			strconv.Quote(string(r.Reject.Reason)),
			strconv.FormatInt(r.Reject.Timestamp, 10),
		}
	default:
		return nil, fmt.Errorf("wal: unknown record kind %q", r.Kind)
	}
	for _, f := range fields {
		b.WriteByte(fieldSep)
		b.WriteString(f)
	}

	body := b.String()
	sum := crc32.ChecksumIEEE([]byte(body))
	return []byte(fmt.Sprintf("%s%c%08x%c", body, fieldSep, sum, recordEnd)), nil
}

// orderFields follows the admission layout: id, client id, symbol, side,
// type, price, stop price, quantity, user, timestamp, time in force,
// post-only, reduce-only, hidden, display quantity, created-at.
func orderFields(o *domain.Order) []string {
	return []string{
		strconv.Quote(o.ID),
		strconv.Quote(o.ClientOrderID),
		strconv.Quote(o.Symbol),
		string(o.Side),
		string(o.Type),
		o.Price.String(),
		o.StopPrice.String(),
		o.Quantity.String(),
		strconv.Quote(o.UserID),
		strconv.FormatInt(o.Timestamp, 10),
		string(o.TimeInForce),
		formatBool(o.PostOnly),
		formatBool(o.ReduceOnly),
		formatBool(o.Hidden),
		o.DisplayQuantity.String(),
		formatTime(o.CreatedAt),
	}
}

func tradeFields(t *domain.Trade) []string {
	return []string{
		strconv.Quote(t.ID),
		strconv.Quote(t.Symbol),
		string(t.Side),
		t.Price.String(),
		t.Quantity.String(),
		strconv.Quote(t.TakerOrderID),
		strconv.Quote(t.MakerOrderID),
		strconv.Quote(t.TakerUserID),
		strconv.Quote(t.MakerUserID),
		formatTime(t.ExecutedAt),
	}
}

// decode parses one line, without its trailing newline.
func decode(line string) (Record, error) {
	cut := strings.LastIndexByte(line, fieldSep)
	if cut < 0 {
		return Record{}, ErrCorrupt
	}
	body, sumHex := line[:cut], line[cut+1:]
	sum, err := strconv.ParseUint(sumHex, 16, 32)
	if err != nil || uint32(sum) != crc32.ChecksumIEEE([]byte(body)) {
		return Record{}, ErrCorrupt
	}

	parts := strings.Split(body, string(fieldSep))
	if len(parts) < 2 {
		return Record{}, ErrCorrupt
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Record{}, ErrCorrupt
	}
	rec := Record{Seq: seq, Kind: Kind(parts[1])}
	p := &fieldParser{fields: parts[2:]}

	switch rec.Kind {
	case KindOrder:
		o := &domain.Order{
			ID:            p.quoted(),
			ClientOrderID: p.quoted(),
			Symbol:        p.quoted(),
			Side:          domain.Side(p.raw()),
			Type:          domain.OrderType(p.raw()),
			Price:         p.decimal(),
			StopPrice:     p.decimal(),
			Quantity:      p.decimal(),
			UserID:        p.quoted(),
			Timestamp:     p.int(),
			TimeInForce:   domain.TimeInForce(p.raw()),
			PostOnly:      p.bool(),
			ReduceOnly:    p.bool(),
			Hidden:        p.bool(),
		}
		o.DisplayQuantity = p.decimal()
		o.CreatedAt = parseTime(p.int())
		rec.Order = o
	case KindCancel:
		rec.Cancel = &Cancel{OrderID: p.quoted(), Timestamp: p.int()}
	case KindTrade:
		t := &domain.Trade{
			ID:           p.quoted(),
			Symbol:       p.quoted(),
			Side:         domain.Side(p.raw()),
			Price:        p.decimal(),
			Quantity:     p.decimal(),
			TakerOrderID: p.quoted(),
			MakerOrderID: p.quoted(),
			TakerUserID:  p.quoted(),
			MakerUserID:  p.quoted(),
		}
		t.ExecutedAt = parseTime(p.int())
		rec.Trade = t
	case KindReject:
		rec.Reject = &Reject{
			OrderID:   p.quoted(),
			Reason:    domain.RejectReason(p.quoted()),
			Timestamp: p.int(),
		}
	default:
		return Record{}, ErrCorrupt
	}
	if err := p.done(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// fieldParser consumes fields in order and remembers the first failure.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) raw() string {
	if len(p.fields) == 0 {
		p.fail()
		return ""
	}
	f := p.fields[0]
	p.fields = p.fields[1:]
	return f
}

func (p *fieldParser) quoted() string {
	s, err := strconv.Unquote(p.raw())
	if err != nil {
		p.fail()
	}
	return s
}

func (p *fieldParser) decimal() decimal.Decimal {
	v, err := decimal.NewFromString(p.raw())
	if err != nil {
		p.fail()
	}
	return v
}

func (p *fieldParser) int() int64 {
	v, err := strconv.ParseInt(p.raw(), 10, 64)
	if err != nil {
		p.fail()
	}
	return v
}

func (p *fieldParser) bool() bool {
	switch p.raw() {
	case "1":
		return true
	case "0":
		return false
	}
	p.fail()
	return false
}

func (p *fieldParser) fail() {
	if p.err == nil {
		p.err = ErrCorrupt
	}
}

func (p *fieldParser) done() error {
	if p.err == nil && len(p.fields) != 0 {
		p.fail()
	}
	return p.err
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// formatTime encodes t as Unix nanoseconds, with 0 for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
