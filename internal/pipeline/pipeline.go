// Package pipeline routes book events to a fixed set of shards. Every
// symbol hashes to one shard and every shard has exactly one consumer, so
// events for a symbol are handled one at a time in publish order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	tomb "gopkg.in/tomb.v2"

	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/metrics"
)

var (
	// ErrClosed is returned by Publish once Shutdown has started.
	ErrClosed = errors.New("pipeline: closed")
	// ErrHandlerFault is sent to an event's reply when its handler panicked.
	ErrHandlerFault = errors.New("pipeline: handler fault")
)

// Handler consumes events on a shard goroutine.
type Handler interface {
	Handle(ev *Event)
	// EndOfBatch is called when the shard's queue is momentarily empty.
	EndOfBatch(shard int)
}

// Options configures a Pipeline.
type Options struct {
	Shards        int
	QueueCapacity int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Pipeline is a set of bounded shard queues, each drained by one
// goroutine.
type Pipeline struct {
	shards  []chan *Event
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics

	t       tomb.Tomb
	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	once    sync.Once
}

// New starts a pipeline with one consumer per shard.
func New(h Handler, opts Options) (*Pipeline, error) {
	if opts.Shards <= 0 {
		return nil, fmt.Errorf("invalid shard count: %d", opts.Shards)
	}
	if opts.QueueCapacity <= 0 {
		return nil, fmt.Errorf("invalid queue capacity: %d", opts.QueueCapacity)
	}
	p := &Pipeline{
		shards:  make([]chan *Event, opts.Shards),
		handler: h,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		closing: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan *Event, opts.QueueCapacity)
	}
	for i := range p.shards {
		shard := i
		p.t.Go(func() error { return p.consume(shard) })
	}
	return p, nil
}

// Shards returns the number of shards.
func (p *Pipeline) Shards() int { return len(p.shards) }

// ShardFor returns the shard that owns symbol.
func (p *Pipeline) ShardFor(symbol string) int {
	return int(xxhash.Sum64String(symbol) % uint64(len(p.shards)))
}

// Publish enqueues ev on its symbol's shard. It blocks while the shard is
// full and returns ctx.Err() if ctx ends first, or ErrClosed once the
// pipeline is shutting down. Events are never dropped.
func (p *Pipeline) Publish(ctx context.Context, ev *Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	ch := p.shards[p.ShardFor(ev.Symbol)]
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrClosed
	}
}

func (p *Pipeline) consume(shard int) error {
	ch := p.shards[shard]
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			p.handle(ev)
			n := len(ch)
			p.metrics.SetQueueDepth(shard, n)
			if n == 0 {
				p.endOfBatch(shard)
			}
		case <-p.t.Dying():
			return nil
		}
	}
}

// handle runs the handler and keeps a panic from ending the shard.
func (p *Pipeline) handle(ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler fault",
				zap.String("symbol", ev.Symbol),
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", r),
			)
			ev.Respond(Result{Err: ErrHandlerFault})
		}
	}()
	p.handler.Handle(ev)
}

func (p *Pipeline) endOfBatch(shard int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("end of batch fault", zap.Int("shard", shard), zap.Any("panic", r))
		}
	}()
	p.handler.EndOfBatch(shard)
}

// Shutdown stops accepting events and waits for the shards to drain what
// was already queued. If ctx ends first the consumers are stopped and the
// remaining events are abandoned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
		p.mu.Unlock()
	})

	select {
	case <-p.t.Dead():
		return p.t.Err()
	case <-ctx.Done():
		p.t.Kill(ctx.Err())
		<-p.t.Dead()
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}
