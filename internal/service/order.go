package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/metrics"
	"github.com/efreitasn/matchengine/internal/persistence"
	"github.com/efreitasn/matchengine/internal/pipeline"
	"github.com/efreitasn/matchengine/internal/tradefeed"
)

// Flusher is the part of the depth aggregator the service drives at the
// end of each shard batch.
type Flusher interface {
	RequestFlush()
}

// Options configures an OrderService.
type Options struct {
	Shards          int
	QueueCapacity   int
	FlushOnBatchEnd bool
	Flusher         Flusher
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// OrderService is the entry point for order flow. Every operation is
// routed through the pipeline to the shard that owns the symbol, so a
// book is only ever touched by one goroutine.
type OrderService struct {
	registry *Registry
	pipeline *pipeline.Pipeline
	sink     tradefeed.Sink

	flushOnBatchEnd bool
	flusher         Flusher
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// NewOrderService creates the service and starts its pipeline. The
// registry's snapshot loops schedule their captures through the service.
func NewOrderService(registry *Registry, sink tradefeed.Sink, opts Options) (*OrderService, error) {
	if sink == nil {
		sink = tradefeed.NopSink{}
	}
	s := &OrderService{
		registry:        registry,
		sink:            sink,
		flushOnBatchEnd: opts.FlushOnBatchEnd,
		flusher:         opts.Flusher,
		logger:          logging.OrNop(opts.Logger),
		metrics:         opts.Metrics,
	}
	p, err := pipeline.New(s, pipeline.Options{
		Shards:        opts.Shards,
		QueueCapacity: opts.QueueCapacity,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	s.pipeline = p
	registry.scheduler = s
	return s, nil
}

// Registry returns the engine registry.
func (s *OrderService) Registry() *Registry { return s.registry }

// Submit processes o and waits for the result. The order is updated in
// place with its ID, status, fills and reject reason as they stood right
// after matching. The book keeps its own copy, so later fills of a resting
// order are not reflected in o. An order for a malformed symbol is
// rejected with INVALID_SYMBOL without reaching a book.
func (s *OrderService) Submit(ctx context.Context, o *domain.Order) ([]domain.Trade, error) {
	if err := domain.ValidateSymbol(o.Symbol); err != nil {
		o.Reject(domain.ReasonInvalidSymbol)
		s.metrics.ObserveOrder(string(o.Status), string(o.RejectReason))
		return nil, nil
	}
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindSubmit, Symbol: o.Symbol, Order: o.Clone()})
	if err != nil {
		return nil, err
	}
	if res.Order != nil {
		*o = *res.Order
	}
	return res.Trades, res.Err
}

// SubmitAsync queues o without waiting. The service takes ownership of
// o; the caller must not read or modify it afterwards.
func (s *OrderService) SubmitAsync(ctx context.Context, o *domain.Order) error {
	if err := domain.ValidateSymbol(o.Symbol); err != nil {
		return err
	}
	return s.pipeline.Publish(ctx, &pipeline.Event{Kind: pipeline.KindSubmit, Symbol: o.Symbol, Order: o})
}

// Cancel cancels a resting order. It returns false if the order is not
// resting on the symbol's book.
func (s *OrderService) Cancel(ctx context.Context, symbol, orderID string) (bool, error) {
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindCancel, Symbol: symbol, OrderID: orderID})
	if err != nil {
		return false, err
	}
	return res.OK, res.Err
}

// CancelByClientID cancels the resting order with the given client order
// ID and returns its order ID.
func (s *OrderService) CancelByClientID(ctx context.Context, symbol, clientOrderID string) (string, bool, error) {
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindCancelByClientID, Symbol: symbol, OrderID: clientOrderID})
	if err != nil {
		return "", false, err
	}
	return res.OrderID, res.OK, res.Err
}

// Depth returns up to levels price levels per side of the symbol's book.
func (s *OrderService) Depth(ctx context.Context, symbol string, levels int) (domain.Depth, error) {
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindDepth, Symbol: symbol, Levels: levels})
	if err != nil {
		return domain.Depth{}, err
	}
	return res.Depth, res.Err
}

// Delist removes the symbol's book after a final snapshot.
func (s *OrderService) Delist(ctx context.Context, symbol string) error {
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindDelist, Symbol: symbol})
	if err != nil {
		return err
	}
	return res.Err
}

// Checkpoint captures the symbol's book on its shard. It implements
// persistence.Scheduler.
func (s *OrderService) Checkpoint(ctx context.Context, symbol string) (persistence.Checkpoint, error) {
	res, err := s.call(ctx, &pipeline.Event{Kind: pipeline.KindCheckpoint, Symbol: symbol})
	if err != nil {
		return persistence.Checkpoint{}, err
	}
	return res.Checkpoint, res.Err
}

// Shutdown drains the pipeline and then closes every book with a final
// snapshot.
func (s *OrderService) Shutdown(ctx context.Context) error {
	perr := s.pipeline.Shutdown(ctx)
	if perr != nil {
		s.logger.Error("pipeline drain incomplete", zap.Error(perr))
	}
	rerr := s.registry.Close()
	return errors.Join(perr, rerr)
}

// call publishes ev and waits for its result.
func (s *OrderService) call(ctx context.Context, ev *pipeline.Event) (pipeline.Result, error) {
	ev.Reply = make(chan pipeline.Result, 1)
	if err := s.pipeline.Publish(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}
	select {
	case res := <-ev.Reply:
		return res, nil
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	}
}

// Handle runs one event on its shard goroutine.
func (s *OrderService) Handle(ev *pipeline.Event) {
	switch ev.Kind {
	case pipeline.KindSubmit:
		s.handleSubmit(ev)
	case pipeline.KindCancel, pipeline.KindCancelByClientID:
		s.handleCancel(ev)
	case pipeline.KindDepth:
		u, err := s.lookup(ev.Symbol)
		if err != nil {
			ev.Respond(pipeline.Result{Err: err})
			return
		}
		ev.Respond(pipeline.Result{OK: true, Depth: u.Depth(ev.Levels)})
	case pipeline.KindCheckpoint:
		u, ok := s.registry.Get(ev.Symbol)
		if !ok {
			ev.Respond(pipeline.Result{Err: domain.ErrUnknownSymbol})
			return
		}
		ev.Respond(pipeline.Result{OK: true, Checkpoint: u.Capture()})
	case pipeline.KindDelist:
		err := s.registry.Remove(ev.Symbol)
		if errors.Is(err, domain.ErrUnknownSymbol) {
			ev.Respond(pipeline.Result{Err: err})
			return
		}
		// The book is gone from the registry even if its files failed to close.
		if err != nil {
			s.logger.Error("delist close failed", zap.String("symbol", ev.Symbol), zap.Error(err))
		}
		ev.Respond(pipeline.Result{OK: true})
	default:
		ev.Respond(pipeline.Result{Err: fmt.Errorf("unknown event kind %d", ev.Kind)})
	}
}

func (s *OrderService) handleSubmit(ev *pipeline.Event) {
	o := ev.Order
	u, err := s.registry.GetOrCreate(ev.Symbol)
	if err != nil {
		s.logger.Error("book unavailable", zap.String("symbol", ev.Symbol), zap.Error(err))
		o.Reject(domain.ReasonSystemError)
		s.metrics.ObserveOrder(string(o.Status), string(o.RejectReason))
		ev.Respond(pipeline.Result{Order: o.Clone()})
		return
	}

	trades := u.Submit(o)
	s.metrics.ObserveOrder(string(o.Status), string(o.RejectReason))
	s.metrics.ObserveTrades(ev.Symbol, len(trades))
	if o.Status == domain.OrderStatusRejected {
		s.logger.Debug("order rejected",
			zap.String("symbol", ev.Symbol),
			zap.String("order_id", o.ID),
			zap.String("reason", string(o.RejectReason)),
		)
	}
	if len(trades) > 0 {
		if err := s.sink.Publish(context.Background(), trades); err != nil {
			s.logger.Error("trade hand-off failed", zap.String("symbol", ev.Symbol), zap.Int("trades", len(trades)), zap.Error(err))
		}
	}
	ev.Respond(pipeline.Result{
		Order:   o.Clone(),
		OK:      o.Status != domain.OrderStatusRejected,
		OrderID: o.ID,
		Trades:  trades,
	})
}

func (s *OrderService) handleCancel(ev *pipeline.Event) {
	u, err := s.lookup(ev.Symbol)
	if err != nil {
		s.metrics.ObserveCancel(false)
		ev.Respond(pipeline.Result{Err: err})
		return
	}
	var res pipeline.Result
	if ev.Kind == pipeline.KindCancelByClientID {
		res.OrderID, res.OK = u.CancelByClientID(ev.OrderID)
	} else {
		res.OrderID, res.OK = ev.OrderID, u.Cancel(ev.OrderID)
	}
	s.metrics.ObserveCancel(res.OK)
	ev.Respond(res)
}

// lookup returns the unit of a symbol that is live or has state on disk,
// without creating books for symbols that never traded.
func (s *OrderService) lookup(symbol string) (*persistence.Unit, error) {
	if u, ok := s.registry.Get(symbol); ok {
		return u, nil
	}
	if !s.registry.Known(symbol) {
		return nil, domain.ErrUnknownSymbol
	}
	return s.registry.GetOrCreate(symbol)
}

// EndOfBatch requests an early depth flush when configured to.
func (s *OrderService) EndOfBatch(int) {
	if s.flushOnBatchEnd && s.flusher != nil {
		s.flusher.RequestFlush()
	}
}
