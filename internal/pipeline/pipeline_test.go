package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingHandler keeps the order IDs seen per symbol. When gate is set,
// each Handle call waits on it first.
type recordingHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	batches int
	gate    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(map[string][]string)}
}

func (h *recordingHandler) Handle(ev *Event) {
	if h.gate != nil {
		<-h.gate
	}
	if ev.OrderID == "panic" {
		panic("boom")
	}
	h.mu.Lock()
	h.seen[ev.Symbol] = append(h.seen[ev.Symbol], ev.OrderID)
	h.mu.Unlock()
	ev.Respond(Result{OK: true})
}

func (h *recordingHandler) EndOfBatch(int) {
	h.mu.Lock()
	h.batches++
	h.mu.Unlock()
}

func (h *recordingHandler) count(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen[symbol])
}

func TestPipeline_PreservesPerSymbolOrder(t *testing.T) {
	h := newRecordingHandler()
	p, err := New(h, Options{Shards: 4, QueueCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}

	symbols := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := p.Publish(context.Background(), &Event{Symbol: sym, OrderID: fmt.Sprint(i)}); err != nil {
					t.Errorf("publish %s: %v", sym, err)
					return
				}
			}
		}(sym)
	}
	wg.Wait()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, sym := range symbols {
		got := h.seen[sym]
		if len(got) != 200 {
			t.Fatalf("%s: handled %d events, want 200", sym, len(got))
		}
		for i, id := range got {
			if id != fmt.Sprint(i) {
				t.Fatalf("%s: event %d is %s", sym, i, id)
			}
		}
	}
	if h.batches == 0 {
		t.Error("EndOfBatch never called")
	}
}

func TestPipeline_ShardForIsStable(t *testing.T) {
	p, err := New(newRecordingHandler(), Options{Shards: 16, QueueCapacity: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	for _, sym := range []string{"BTC-USD", "ETH-USD", "X"} {
		s := p.ShardFor(sym)
		if s < 0 || s >= 16 {
			t.Fatalf("shard %d out of range", s)
		}
		if p.ShardFor(sym) != s {
			t.Fatalf("shard for %s changed", sym)
		}
	}
}

func TestPipeline_PublishBlocksWhenFull(t *testing.T) {
	h := newRecordingHandler()
	h.gate = make(chan struct{})
	p, err := New(h, Options{Shards: 1, QueueCapacity: 1})
	if err != nil {
		t.Fatal(err)
	}

	// One event is held by the consumer, one fills the queue.
	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background(), &Event{Symbol: "S", OrderID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Publish(ctx, &Event{Symbol: "S", OrderID: "2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("publish on full shard = %v, want deadline exceeded", err)
	}

	close(h.gate)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.count("S"); got != 2 {
		t.Fatalf("handled %d events, want 2", got)
	}
}

func TestPipeline_ShutdownDrainsAndRejects(t *testing.T) {
	h := newRecordingHandler()
	h.gate = make(chan struct{})
	p, err := New(h, Options{Shards: 2, QueueCapacity: 64})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if err := p.Publish(context.Background(), &Event{Symbol: "S", OrderID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()
	// Give Shutdown time to close the queues before releasing the consumer.
	time.Sleep(10 * time.Millisecond)
	if err := p.Publish(context.Background(), &Event{Symbol: "S"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after shutdown = %v, want ErrClosed", err)
	}
	close(h.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := h.count("S"); got != 50 {
		t.Fatalf("drained %d events, want 50", got)
	}
}

func TestPipeline_ShutdownTimeout(t *testing.T) {
	h := newRecordingHandler()
	h.gate = make(chan struct{})
	p, err := New(h, Options{Shards: 1, QueueCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), &Event{Symbol: "S"}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		close(h.gate)
	}()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown = %v, want deadline exceeded", err)
	}
}

func TestPipeline_HandlerPanicKeepsShardAlive(t *testing.T) {
	h := newRecordingHandler()
	p, err := New(h, Options{Shards: 1, QueueCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}

	reply := make(chan Result, 1)
	if err := p.Publish(context.Background(), &Event{Symbol: "S", OrderID: "panic", Reply: reply}); err != nil {
		t.Fatal(err)
	}
	if res := <-reply; !errors.Is(res.Err, ErrHandlerFault) {
		t.Fatalf("reply err = %v, want ErrHandlerFault", res.Err)
	}

	reply = make(chan Result, 1)
	if err := p.Publish(context.Background(), &Event{Symbol: "S", OrderID: "ok", Reply: reply}); err != nil {
		t.Fatal(err)
	}
	if res := <-reply; !res.OK {
		t.Fatal("shard stopped handling events after a panic")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	if _, err := New(newRecordingHandler(), Options{Shards: 0, QueueCapacity: 1}); err == nil {
		t.Error("expected error for zero shards")
	}
	if _, err := New(newRecordingHandler(), Options{Shards: 1}); err == nil {
		t.Error("expected error for zero capacity")
	}
}
