// Package marketdata coalesces per-level depth changes from every book and
// publishes bounded-rate top-of-book snapshots.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/metrics"
)

// ErrStopped is returned once the aggregator is no longer running.
var ErrStopped = errors.New("marketdata: aggregator stopped")

// Broadcaster delivers depth snapshots to subscribers.
type Broadcaster interface {
	Broadcast(symbol string, bids, asks []domain.DepthLevel, levels int)
}

// Options configures an Aggregator.
type Options struct {
	Levels        int
	QueueCapacity int
	FlushInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// mirror holds the latest quantity per price for one symbol.
type mirror struct {
	bids *btree.BTreeG[domain.DepthLevel]
	asks *btree.BTreeG[domain.DepthLevel]
}

func newMirror() *mirror {
	opts := btree.Options{NoLocks: true}
	return &mirror{
		bids: btree.NewBTreeGOptions(func(a, b domain.DepthLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b domain.DepthLevel) bool {
			return a.Price.LessThan(b.Price)
		}, opts),
	}
}

func (m *mirror) side(s domain.Side) *btree.BTreeG[domain.DepthLevel] {
	if s == domain.SideBuy {
		return m.bids
	}
	return m.asks
}

func (m *mirror) empty() bool {
	return m.bids.Len() == 0 && m.asks.Len() == 0
}

// Aggregator applies depth changes to per-symbol mirrors on a single
// goroutine and flushes the top levels of every touched symbol on a
// fixed interval.
type Aggregator struct {
	in       chan domain.DepthChange
	flushReq chan chan struct{}
	stopped  chan struct{}
	out      Broadcaster

	books map[string]*mirror
	dirty map[string]struct{}

	levels   int
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewAggregator creates an aggregator that flushes to out. Call Run to
// start it.
func NewAggregator(out Broadcaster, opts Options) *Aggregator {
	if opts.Levels <= 0 {
		opts.Levels = 20
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 65536
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	return &Aggregator{
		in:       make(chan domain.DepthChange, opts.QueueCapacity),
		flushReq: make(chan chan struct{}, 1),
		stopped:  make(chan struct{}),
		out:      out,
		books:    make(map[string]*mirror),
		dirty:    make(map[string]struct{}),
		levels:   opts.Levels,
		interval: opts.FlushInterval,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// Publish queues a change. It blocks while the queue is full.
func (a *Aggregator) Publish(ctx context.Context, c domain.DepthChange) error {
	select {
	case <-a.stopped:
		return ErrStopped
	default:
	}
	select {
	case a.in <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
}

// OnDepthChange lets the aggregator act as a book's depth listener.
// Changes published after the aggregator stopped are discarded.
func (a *Aggregator) OnDepthChange(c domain.DepthChange) {
	_ = a.Publish(context.Background(), c)
}

// RequestFlush asks for an early flush without waiting for it. Requests
// made while one is pending are merged.
func (a *Aggregator) RequestFlush() {
	select {
	case a.flushReq <- nil:
	default:
	}
}

// Flush applies every queued change, publishes the touched symbols and
// waits until that is done.
func (a *Aggregator) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case a.flushReq <- ack:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
}

// Run consumes changes until ctx is done, then applies what is still
// queued and flushes one last time.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	defer close(a.stopped)

	for {
		select {
		case c := <-a.in:
			a.apply(c)
		case ack := <-a.flushReq:
			a.drain()
			a.flush()
			if ack != nil {
				close(ack)
			}
		case <-ticker.C:
			a.flush()
		case <-ctx.Done():
			a.drain()
			a.flush()
			return
		}
	}
}

// drain applies the changes queued right now.
func (a *Aggregator) drain() {
	for {
		select {
		case c := <-a.in:
			a.apply(c)
		default:
			return
		}
	}
}

// apply records c in the symbol's mirror. A zero quantity removes the
// level; otherwise the latest quantity wins.
func (a *Aggregator) apply(c domain.DepthChange) {
	m, ok := a.books[c.Symbol]
	if !ok {
		m = newMirror()
		a.books[c.Symbol] = m
	}
	lvl := domain.DepthLevel{Price: c.Price, Quantity: c.Quantity}
	if c.Quantity.Sign() <= 0 {
		m.side(c.Side).Delete(lvl)
	} else {
		m.side(c.Side).Set(lvl)
	}
	a.dirty[c.Symbol] = struct{}{}
}

// flush broadcasts the top levels of every symbol touched since the last
// flush and clears the touched set.
func (a *Aggregator) flush() {
	if len(a.dirty) == 0 {
		return
	}
	for symbol := range a.dirty {
		m := a.books[symbol]
		a.broadcast(symbol, top(m.bids, a.levels), top(m.asks, a.levels))
		if m.empty() {
			delete(a.books, symbol)
		}
	}
	a.metrics.DepthFlushed(len(a.dirty))
	clear(a.dirty)
}

// broadcast hands a snapshot to the broadcaster. A failing broadcaster
// must not stop the aggregator.
func (a *Aggregator) broadcast(symbol string, bids, asks []domain.DepthLevel) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("depth broadcast fault", zap.String("symbol", symbol), zap.Any("panic", r))
		}
	}()
	a.out.Broadcast(symbol, bids, asks, a.levels)
}

// depth returns the mirrored top levels of symbol. It must only be called
// while Run is not running, and is meant for tests.
func (a *Aggregator) depth(symbol string) ([]domain.DepthLevel, []domain.DepthLevel) {
	m, ok := a.books[symbol]
	if !ok {
		return nil, nil
	}
	return top(m.bids, a.levels), top(m.asks, a.levels)
}

func top(tree *btree.BTreeG[domain.DepthLevel], n int) []domain.DepthLevel {
	out := make([]domain.DepthLevel, 0, min(n, tree.Len()))
	tree.Scan(func(lvl domain.DepthLevel) bool {
		if lvl.Quantity.Sign() > 0 {
			out = append(out, lvl)
		}
		return len(out) < n
	})
	return out
}
