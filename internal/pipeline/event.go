package pipeline

import (
	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/persistence"
)

// Kind identifies the operation an event carries.
type Kind int

const (
	KindSubmit Kind = iota
	KindCancel
	KindCancelByClientID
	KindDepth
	KindCheckpoint
	KindDelist
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindCancel:
		return "cancel"
	case KindCancelByClientID:
		return "cancel_by_client_id"
	case KindDepth:
		return "depth"
	case KindCheckpoint:
		return "checkpoint"
	case KindDelist:
		return "delist"
	}
	return "unknown"
}

// Event is one unit of work for a symbol's book.
type Event struct {
	Kind   Kind
	Symbol string
	Order  *domain.Order
	// OrderID is the order ID for KindCancel and the client order ID for
	// KindCancelByClientID.
	OrderID string
	Levels  int

	// Reply, when set, receives exactly one Result. It must be buffered.
	Reply chan Result
}

// Result is the outcome of an event.
type Result struct {
	// Order is a copy of a submitted order as it stood after matching.
	Order      *domain.Order
	Trades     []domain.Trade
	OrderID    string
	OK         bool
	Depth      domain.Depth
	Checkpoint persistence.Checkpoint
	Err        error
}

// Respond delivers r to the event's reply channel, if any. Only the first
// response is kept.
func (e *Event) Respond(r Result) {
	if e.Reply == nil {
		return
	}
	select {
	case e.Reply <- r:
	default:
	}
}
