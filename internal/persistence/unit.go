// Package persistence binds one symbol's order book to its write-ahead log
// and snapshot file.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/engine"
	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/metrics"
	"github.com/efreitasn/matchengine/internal/snapshot"
	"github.com/efreitasn/matchengine/internal/wal"
)

// Options configures a Unit.
type Options struct {
	WALDir              string
	SnapshotDir         string
	SnapshotSize        int
	WALSyncInterval     time.Duration
	FiveLevelProtection bool
	DepthListener       engine.DepthListener
	Logger              *zap.Logger
	Metrics             *metrics.Metrics
	Clock               func() time.Time
}

// Checkpoint is a book image captured on the owning goroutine, together
// with the last WAL sequence number it covers.
type Checkpoint struct {
	Image   engine.Image
	Seq     uint64
	TakenAt time.Time
}

// Scheduler runs Capture for a symbol on the goroutine that owns its book.
type Scheduler interface {
	Checkpoint(ctx context.Context, symbol string) (Checkpoint, error)
}

// RecoveryStats summarises a Recover call.
type RecoveryStats struct {
	SnapshotSeq   uint64
	Orders        int
	Cancels       int
	Rejects       int
	LoggedTrades  int
	ReplayTrades  int
	RestingOrders int
}

// Unit owns one symbol's book, WAL and snapshot file.
//
// The book is not safe for concurrent use: Submit, Cancel, Depth, Capture
// and Recover must run on the owning goroutine. Persist may run on any
// goroutine; the unit mutex orders it against WAL appends.
type Unit struct {
	symbol string
	book   *engine.OrderBook
	log    *wal.Log
	snap   *snapshot.File
	depth  *gate

	mu        sync.Mutex
	persisted uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open opens or creates the files of symbol. The book starts empty; call
// Recover to rebuild it.
func Open(symbol string, opts Options) (*Unit, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("symbol", symbol))
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	log, err := wal.Open(filepath.Join(opts.WALDir, symbol+".wal"), wal.Options{
		SyncInterval: opts.WALSyncInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal for %s: %w", symbol, err)
	}
	snap, err := snapshot.Open(filepath.Join(opts.SnapshotDir, symbol+".snapshot"), opts.SnapshotSize)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open snapshot for %s: %w", symbol, err)
	}

	u := &Unit{
		symbol:  symbol,
		log:     log,
		snap:    snap,
		depth:   &gate{next: opts.DepthListener},
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
	u.book = engine.NewOrderBook(symbol,
		engine.WithFiveLevelProtection(opts.FiveLevelProtection),
		engine.WithDepthListener(u.depth),
		engine.WithLogger(logger),
		engine.WithClock(now),
	)
	return u, nil
}

// Symbol returns the unit's symbol.
func (u *Unit) Symbol() string { return u.symbol }

// Book returns the underlying order book.
func (u *Unit) Book() *engine.OrderBook { return u.book }

// Submit processes o and logs the outcome. An order that was rejected
// without trading is logged as a REJECT record, which only carries the ID
// and timestamp it consumed.
func (u *Unit) Submit(o *domain.Order) []domain.Trade {
	trades := u.book.ProcessOrder(o)
	if o.Status == domain.OrderStatusRejected && len(trades) == 0 {
		u.appendWAL(wal.RejectRecord(o))
		return trades
	}
	recs := make([]wal.Record, 0, 1+len(trades))
	recs = append(recs, wal.OrderRecord(o))
	for _, t := range trades {
		recs = append(recs, wal.TradeRecord(t))
	}
	u.appendWAL(recs...)
	return trades
}

// Cancel removes a resting order and logs the cancellation.
func (u *Unit) Cancel(orderID string) bool {
	if !u.book.CancelOrder(orderID) {
		return false
	}
	u.appendWAL(wal.CancelRecord(orderID, u.now().UnixNano()))
	return true
}

// CancelByClientID cancels the resting order with the given client order
// ID and returns its order ID.
func (u *Unit) CancelByClientID(clientOrderID string) (string, bool) {
	id, ok := u.book.CancelByClientID(clientOrderID)
	if !ok {
		return id, false
	}
	u.appendWAL(wal.CancelRecord(id, u.now().UnixNano()))
	return id, true
}

// Depth returns up to levels price levels per side.
func (u *Unit) Depth(levels int) domain.Depth {
	return u.book.Depth(levels)
}

// appendWAL writes recs. A failure is logged and counted; matching has
// already happened and is not undone.
func (u *Unit) appendWAL(recs ...wal.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := u.log.Append(recs...); err != nil {
		u.metrics.WALError(u.symbol)
		u.logger.Error("wal append failed", zap.String("kind", string(recs[0].Kind)), zap.Error(err))
	}
}

// Capture copies the book and rotates the WAL so that the live file only
// holds records newer than the copy. If an earlier rotated file is still
// pending, the copy covers it as well and no rotation happens.
func (u *Unit) Capture() Checkpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := Checkpoint{
		Image:   u.book.Image(),
		Seq:     u.log.LastSeq(),
		TakenAt: u.now(),
	}
	if _, err := u.log.Rotate(); err != nil {
		u.metrics.WALError(u.symbol)
		u.logger.Error("wal rotation failed", zap.Error(err))
	}
	return cp
}

// Persist writes cp to the snapshot file and, once it is durable, drops
// the rotated WAL. A checkpoint older than the last persisted one is
// ignored. On failure the rotated WAL is kept.
func (u *Unit) Persist(cp Checkpoint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cp.Seq < u.persisted {
		return nil
	}

	start := time.Now()
	if err := u.snap.Write(cp.Image, cp.Seq, cp.TakenAt); err != nil {
		u.metrics.SnapshotError(u.symbol)
		u.logger.Error("snapshot write failed", zap.Uint64("seq", cp.Seq), zap.Error(err))
		return err
	}
	u.persisted = cp.Seq
	u.metrics.ObserveSnapshot(time.Since(start))

	if err := u.log.DropRotated(); err != nil {
		u.logger.Warn("rotated wal not dropped", zap.Error(err))
	}
	u.logger.Debug("snapshot written", zap.Uint64("seq", cp.Seq), zap.Duration("took", time.Since(start)))
	return nil
}

// TakeSnapshot captures and persists in one step. It must run on the
// owning goroutine.
func (u *Unit) TakeSnapshot() error {
	return u.Persist(u.Capture())
}

// Recover rebuilds the book from the newest valid snapshot and the WAL
// records after it. Orders keep their original IDs and timestamps. Faults
// are logged and recovery continues with whatever state could be read.
// Depth changes are held back and the recovered depth is published once
// at the end.
func (u *Unit) Recover() RecoveryStats {
	var stats RecoveryStats
	u.depth.mute(true)
	defer func() {
		u.depth.mute(false)
		u.book.PublishDepth()
	}()

	// Step 1: Snapshot.
	snap, err := u.snap.Load()
	switch {
	case err == nil:
		if rerr := u.book.Restore(snap.Image); rerr != nil {
			u.logger.Error("snapshot rejected, replaying wal from the start", zap.Error(rerr))
			break
		}
		stats.SnapshotSeq = snap.LastSeq
		u.persisted = snap.LastSeq
		u.log.AdvanceTo(snap.LastSeq)
	case errors.Is(err, snapshot.ErrNoSnapshot):
	default:
		u.logger.Error("snapshot load failed", zap.Error(err))
	}

	// Step 2: WAL records newer than the snapshot. Trades are regenerated
	// by matching, so logged trades are only counted.
	err = u.log.Replay(func(rec wal.Record) error {
		if rec.Seq <= stats.SnapshotSeq {
			return nil
		}
		switch rec.Kind {
		case wal.KindOrder:
			stats.Orders++
			stats.ReplayTrades += len(u.book.Replay(rec.Order))
		case wal.KindCancel:
			stats.Cancels++
			u.book.CancelOrder(rec.Cancel.OrderID)
		case wal.KindTrade:
			stats.LoggedTrades++
		case wal.KindReject:
			stats.Rejects++
			u.book.Observe(rec.Reject.OrderID, rec.Reject.Timestamp)
		}
		return nil
	})
	if err != nil {
		u.logger.Error("wal replay failed", zap.Error(err))
	}
	if stats.LoggedTrades != stats.ReplayTrades {
		u.logger.Warn("replayed trade count differs from wal",
			zap.Int("logged", stats.LoggedTrades),
			zap.Int("replayed", stats.ReplayTrades),
		)
	}

	stats.RestingOrders = u.book.OrderCount()
	u.logger.Info("book recovered",
		zap.Uint64("snapshot_seq", stats.SnapshotSeq),
		zap.Int("orders", stats.Orders),
		zap.Int("cancels", stats.Cancels),
		zap.Int("rejects", stats.Rejects),
		zap.Int("resting", stats.RestingOrders),
	)
	return stats
}

// Run captures and persists a checkpoint every interval until ctx is
// done. Capture is handed to sched so it runs on the owning goroutine;
// with a nil sched it is called directly.
func (u *Unit) Run(ctx context.Context, interval time.Duration, sched Scheduler) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var cp Checkpoint
		if sched == nil {
			cp = u.Capture()
		} else {
			var err error
			cp, err = sched.Checkpoint(ctx, u.symbol)
			if err != nil {
				if ctx.Err() == nil {
					u.logger.Warn("checkpoint not scheduled", zap.Error(err))
				}
				continue
			}
		}
		// Persist logs its own failure.
		_ = u.Persist(cp)
	}
}

// Close takes a final snapshot and releases the files. No other call may
// run concurrently.
func (u *Unit) Close() error {
	if err := u.TakeSnapshot(); err != nil {
		u.logger.Warn("final snapshot failed", zap.Error(err))
	}
	err := u.log.Close()
	if serr := u.snap.Close(); err == nil {
		err = serr
	}
	return err
}

// gate forwards depth changes unless muted.
type gate struct {
	next  engine.DepthListener
	muted atomic.Bool
}

func (g *gate) mute(on bool) { g.muted.Store(on) }

func (g *gate) OnDepthChange(c domain.DepthChange) {
	if g.next == nil || g.muted.Load() {
		return
	}
	g.next.OnDepthChange(c)
}
