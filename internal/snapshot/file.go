// Package snapshot stores point-in-time book images in a memory-mapped
// file with two alternating slots. A write always goes to the slot that
// does not hold the newest image, so a crash mid-write leaves the previous
// image intact.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/efreitasn/matchengine/internal/engine"
)

// Version is the slot format written by this package.
const Version uint32 = 2

// EndMarker terminates the level sections of a slot.
const EndMarker uint32 = 0xDEADBEEF

// MinSize is the smallest accepted file size.
const MinSize = 4096

var (
	// ErrTooLarge is returned when an image does not fit in a slot.
	ErrTooLarge = errors.New("snapshot: image exceeds slot size")
	// ErrNoSnapshot is returned by Load when neither slot holds a valid image.
	ErrNoSnapshot = errors.New("snapshot: no valid snapshot")
)

// Snapshot is a decoded slot.
type Snapshot struct {
	Version uint32
	TakenAt time.Time
	LastSeq uint64
	Image   engine.Image
}

// File is an open snapshot file.
type File struct {
	path     string
	f        *os.File
	data     []byte
	slotSize int
	next     int
}

// Open maps the snapshot file at path, creating it with the given size
// when it does not exist. An existing file keeps its size.
func Open(path string, size int) (*File, error) {
	if size < MinSize {
		return nil, fmt.Errorf("snapshot size %d below minimum %d", size, MinSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	if info.Size() >= MinSize {
		size = int(info.Size())
	} else if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate snapshot: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap snapshot: %w", err)
	}
	return &File{path: path, f: f, data: data, slotSize: size / 2}, nil
}

// Path returns the file path.
func (sf *File) Path() string { return sf.path }

// SlotSize returns the capacity of one slot in bytes.
func (sf *File) SlotSize() int { return sf.slotSize }

func (sf *File) slot(i int) []byte {
	return sf.data[i*sf.slotSize : (i+1)*sf.slotSize]
}

// Load returns the newest valid image. Slots with a bad marker, checksum
// or version are ignored. Subsequent writes go to the other slot.
func (sf *File) Load() (Snapshot, error) {
	best := -1
	var snap Snapshot
	for i := 0; i < 2; i++ {
		s, err := decodeSlot(sf.slot(i))
		if err != nil {
			continue
		}
		if best < 0 || s.LastSeq > snap.LastSeq ||
			(s.LastSeq == snap.LastSeq && s.TakenAt.After(snap.TakenAt)) {
			best, snap = i, s
		}
	}
	if best < 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	sf.next = 1 - best
	return snap, nil
}

// Write stores img as covering every WAL record up to lastSeq and forces
// it to disk. On ErrTooLarge nothing is written.
func (sf *File) Write(img engine.Image, lastSeq uint64, takenAt time.Time) error {
	buf := encodeSlot(img, lastSeq, takenAt)
	if len(buf) > sf.slotSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(buf), sf.slotSize)
	}
	dst := sf.slot(sf.next)
	copy(dst, buf)
	clear(dst[len(buf):])
	if err := unix.Msync(sf.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync snapshot: %w", err)
	}
	sf.next = 1 - sf.next
	return nil
}

// Close unmaps and closes the file.
func (sf *File) Close() error {
	var err error
	if sf.data != nil {
		err = unix.Munmap(sf.data)
		sf.data = nil
	}
	if cerr := sf.f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}
