package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/logging"
)

// RotatedSuffix is appended to the live path to name the rotated file.
const RotatedSuffix = ".old"

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("wal: log closed")

// Options configures a Log.
type Options struct {
	// SyncInterval is how often buffered appends are fsynced. Zero means
	// every Append is fsynced before it returns.
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Log is an append-only file of delimited records for one book. A second,
// rotated file holds the records written before the last snapshot capture
// until that snapshot is durable.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	size    int64
	lastSeq uint64
	dirty   bool
	closed  bool

	syncInterval time.Duration
	logger       *zap.Logger
	stop         chan struct{}
	done         chan struct{}
}

// Open opens or creates the log at path. A live file that ends in a torn or
// corrupt record is truncated back to its last good record.
func Open(path string, opts Options) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	l := &Log{
		path:         path,
		syncInterval: opts.SyncInterval,
		logger:       logging.OrNop(opts.Logger).With(zap.String("wal", path)),
	}

	// Step 1: Sequence numbers continue from the rotated file when the live
	// file is empty.
	if rf, err := os.Open(l.RotatedPath()); err == nil {
		_, last, err := scan(rf, nil)
		rf.Close()
		if err != nil && !errors.Is(err, ErrCorrupt) {
			return nil, fmt.Errorf("scan rotated wal: %w", err)
		}
		l.lastSeq = last
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open rotated wal: %w", err)
	}

	// Step 2: Open the live file and cut a corrupt tail.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	valid, last, err := scan(f, nil)
	switch {
	case errors.Is(err, ErrCorrupt):
		l.logger.Warn("truncating corrupt wal tail", zap.Int64("offset", valid))
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate wal: %w", err)
		}
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	if last > l.lastSeq {
		l.lastSeq = last
	}
	l.f = f
	l.size = valid

	if l.syncInterval > 0 {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.syncLoop()
	}
	return l, nil
}

// Path returns the live file path.
func (l *Log) Path() string { return l.path }

// RotatedPath returns the path of the rotated file.
func (l *Log) RotatedPath() string { return l.path + RotatedSuffix }

// LastSeq returns the sequence number of the last appended record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// AdvanceTo moves the sequence counter forward to seq so that records
// appended after a snapshot always sort after it.
func (l *Log) AdvanceTo(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
}

// Append assigns consecutive sequence numbers to recs and writes them with
// a single write. A failed write is rolled back so the file never keeps a
// partial record.
func (l *Log) Append(recs ...Record) ([]Record, error) {
	if len(recs) == 0 {
		return recs, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	var buf []byte
	seq := l.lastSeq
	for i := range recs {
		seq++
		recs[i].Seq = seq
		line, err := recs[i].encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
	}

	if _, err := l.f.Write(buf); err != nil {
		if terr := l.f.Truncate(l.size); terr != nil {
			l.logger.Error("wal rollback failed", zap.Error(terr))
		}
		return nil, fmt.Errorf("write wal: %w", err)
	}
	l.size += int64(len(buf))
	l.lastSeq = seq

	if l.syncInterval == 0 {
		if err := l.f.Sync(); err != nil {
			return recs, fmt.Errorf("sync wal: %w", err)
		}
		return recs, nil
	}
	l.dirty = true
	return recs, nil
}

// Sync flushes appended records to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.closed || !l.dirty {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	l.dirty = false
	return nil
}

func (l *Log) syncLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.Sync(); err != nil {
				l.logger.Error("periodic wal sync failed", zap.Error(err))
			}
		}
	}
}

// HasRotated reports whether a rotated file is waiting to be dropped.
func (l *Log) HasRotated() bool {
	_, err := os.Stat(l.RotatedPath())
	return err == nil
}

// Rotate moves the live file aside and starts an empty one. It does
// nothing and returns false when an earlier rotated file is still pending,
// so records are never lost to a snapshot that did not complete.
func (l *Log) Rotate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	if l.HasRotated() {
		return false, nil
	}
	if err := l.f.Sync(); err != nil {
		return false, fmt.Errorf("sync wal: %w", err)
	}
	if err := os.Rename(l.path, l.RotatedPath()); err != nil {
		return false, fmt.Errorf("rotate wal: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		// The old handle still points at the renamed file; move it back.
		if rerr := os.Rename(l.RotatedPath(), l.path); rerr != nil {
			l.logger.Error("wal rotate rollback failed", zap.Error(rerr))
		}
		return false, fmt.Errorf("reopen wal: %w", err)
	}
	l.f.Close()
	l.f = f
	l.size = 0
	l.dirty = false
	return true, nil
}

// DropRotated removes the rotated file once a snapshot covers it.
func (l *Log) DropRotated() error {
	if err := os.Remove(l.RotatedPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop rotated wal: %w", err)
	}
	return nil
}

// Replay calls fn for every intact record, first from the rotated file and
// then from the live file. A corrupt record ends its file; the error from
// fn stops the replay and is returned.
func (l *Log) Replay(fn func(Record) error) error {
	for _, path := range []string{l.RotatedPath(), l.path} {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, _, err = scan(f, fn)
		f.Close()
		if errors.Is(err, ErrCorrupt) {
			l.logger.Warn("wal replay stopped at corrupt record", zap.String("file", path))
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the background syncer, flushes and closes the file.
func (l *Log) Close() error {
	if l.stop != nil {
		l.mu.Lock()
		stopped := l.closed
		l.mu.Unlock()
		if !stopped {
			close(l.stop)
			<-l.done
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	err := l.syncLocked()
	l.closed = true
	if cerr := l.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close wal: %w", cerr)
	}
	return err
}

// scan reads records from r until EOF. It returns the byte length of the
// intact prefix and the last sequence number seen. A torn final line, a
// checksum failure or a sequence number that does not increase yields
// ErrCorrupt.
func scan(r io.Reader, fn func(Record) error) (int64, uint64, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var (
		valid int64
		last  uint64
	)
	for {
		line, err := br.ReadString(recordEnd)
		if err == io.EOF {
			if line != "" {
				return valid, last, ErrCorrupt
			}
			return valid, last, nil
		}
		if err != nil {
			return valid, last, err
		}
		rec, derr := decode(strings.TrimSuffix(line, string(recordEnd)))
		if derr != nil || rec.Seq <= last {
			return valid, last, ErrCorrupt
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return valid, last, err
			}
		}
		valid += int64(len(line))
		last = rec.Seq
	}
}
