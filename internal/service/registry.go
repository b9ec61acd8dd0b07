package service

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	tomb "gopkg.in/tomb.v2"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
	"github.com/efreitasn/matchengine/internal/metrics"
	"github.com/efreitasn/matchengine/internal/persistence"
)

// ErrRegistryClosed is returned by GetOrCreate after Close.
var ErrRegistryClosed = errors.New("registry closed")

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Unit is the template for every symbol's persistence unit.
	Unit persistence.Options
	// SnapshotInterval is the period of each unit's snapshot loop. Zero
	// disables the loop.
	SnapshotInterval time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// registered is a registry entry. ready is closed once the unit has been
// opened and recovered, or once opening failed with err.
type registered struct {
	unit  *persistence.Unit
	loop  *tomb.Tomb
	ready chan struct{}
	err   error
}

// live reports whether the entry finished opening successfully.
func (reg *registered) live() bool {
	select {
	case <-reg.ready:
		return reg.err == nil
	default:
		return false
	}
}

// Registry maps symbols to their live persistence units. Units are created
// on first use and recovered from disk before they are returned. Opening
// one symbol never holds up lookups of another.
type Registry struct {
	mu     sync.RWMutex
	units  map[string]*registered
	closed bool

	opts      RegistryOptions
	scheduler persistence.Scheduler
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		units:   make(map[string]*registered),
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
}

// Get returns the live unit for symbol. A symbol that is still being
// recovered is not live yet.
func (r *Registry) Get(symbol string) (*persistence.Unit, bool) {
	r.mu.RLock()
	reg, ok := r.units[symbol]
	r.mu.RUnlock()
	if !ok || !reg.live() {
		return nil, false
	}
	return reg.unit, true
}

// Known reports whether symbol is live or has files on disk.
func (r *Registry) Known(symbol string) bool {
	if _, ok := r.Get(symbol); ok {
		return true
	}
	if domain.ValidateSymbol(symbol) != nil {
		return false
	}
	for _, path := range []string{
		filepath.Join(r.opts.Unit.WALDir, symbol+".wal"),
		filepath.Join(r.opts.Unit.SnapshotDir, symbol+".snapshot"),
	} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// GetOrCreate returns the unit for symbol, opening and recovering it if it
// is not live yet. Opening happens outside the registry lock; concurrent
// callers for the same symbol wait for the first one to finish.
func (r *Registry) GetOrCreate(symbol string) (*persistence.Unit, error) {
	if u, ok := r.Get(symbol); ok {
		return u, nil
	}
	if err := domain.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	// Step 1: Claim the symbol, or wait for whoever claimed it.
	r.mu.Lock()
	// Double-check after acquiring write lock.
	if reg, ok := r.units[symbol]; ok {
		r.mu.Unlock()
		<-reg.ready
		if reg.err != nil {
			return nil, reg.err
		}
		return reg.unit, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	reg := &registered{ready: make(chan struct{})}
	r.units[symbol] = reg
	r.mu.Unlock()

	// Step 2: Open and recover without the lock.
	u, err := persistence.Open(symbol, r.opts.Unit)
	if err != nil {
		r.abandon(symbol, reg, err)
		return nil, err
	}
	u.Recover()

	// Step 3: Publish.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if cerr := u.Close(); cerr != nil {
			r.logger.Warn("close after registry shutdown failed", zap.String("symbol", symbol), zap.Error(cerr))
		}
		r.abandon(symbol, reg, ErrRegistryClosed)
		return nil, ErrRegistryClosed
	}
	reg.unit = u
	if r.opts.SnapshotInterval > 0 {
		reg.loop = &tomb.Tomb{}
		sched := r.scheduler
		reg.loop.Go(func() error {
			return u.Run(reg.loop.Context(nil), r.opts.SnapshotInterval, sched)
		})
	}
	close(reg.ready)
	r.metrics.SetBooks(r.liveCount())
	r.mu.Unlock()

	r.logger.Info("book opened", zap.String("symbol", symbol))
	return u, nil
}

// abandon drops a claim that never became live and wakes its waiters.
func (r *Registry) abandon(symbol string, reg *registered, err error) {
	r.mu.Lock()
	if r.units[symbol] == reg {
		delete(r.units, symbol)
	}
	r.mu.Unlock()
	reg.err = err
	close(reg.ready)
}

// liveCount counts live entries. r.mu must be held.
func (r *Registry) liveCount() int {
	n := 0
	for _, reg := range r.units {
		if reg.live() {
			n++
		}
	}
	return n
}

// Remove delists symbol: it stops the snapshot loop, writes a final
// snapshot, closes the files and reports every level as gone. The files
// stay on disk, so a later GetOrCreate recovers the book. The caller must
// be the goroutine that owns the symbol.
func (r *Registry) Remove(symbol string) error {
	r.mu.Lock()
	reg, ok := r.units[symbol]
	if ok && reg.live() {
		delete(r.units, symbol)
		r.metrics.SetBooks(r.liveCount())
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return domain.ErrUnknownSymbol
	}

	err := r.shutdown(reg)
	reg.unit.Book().Clear()
	r.logger.Info("book delisted", zap.String("symbol", symbol))
	return err
}

// Symbols returns the live symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.units))
	for s, reg := range r.units {
		if reg.live() {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Close shuts every unit down with a final snapshot. It must only be
// called once no goroutine is using the books any more.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	units := r.units
	r.units = make(map[string]*registered)
	r.metrics.SetBooks(0)
	r.mu.Unlock()

	var errs []error
	for _, reg := range units {
		// A claim still opening closes its own unit once it sees closed.
		if !reg.live() {
			continue
		}
		if err := r.shutdown(reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) shutdown(reg *registered) error {
	if reg.loop != nil {
		reg.loop.Kill(nil)
		if err := reg.loop.Wait(); err != nil {
			r.logger.Warn("snapshot loop ended with error", zap.String("symbol", reg.unit.Symbol()), zap.Error(err))
		}
	}
	return reg.unit.Close()
}
