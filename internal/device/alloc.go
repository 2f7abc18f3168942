package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrOutOfMemory is returned when an allocation exceeds the arena limit.
var ErrOutOfMemory = errors.New("device out of memory")

// Allocator hands out per-call scratch buffers tied to a stream.
type Allocator interface {
	Allocate(bytes int, s *Stream) (*Scratch, error)
}

// Arena is a bounded scratch allocator. A limit <= 0 means unbounded.
type Arena struct {
	limit int64

	mu       sync.Mutex
	inUse    int64
	peak     int64
	allocs   uint64
	releases uint64
}

// ArenaStats is a snapshot of arena accounting.
type ArenaStats struct {
	Limit       int64  `json:"limit"`
	InUse       int64  `json:"in_use"`
	Peak        int64  `json:"peak"`
	Allocations uint64 `json:"allocations"`
	Releases    uint64 `json:"releases"`
}

func NewArena(limit int64) *Arena {
	return &Arena{limit: limit}
}

// Allocate returns a zeroed, 8-byte aligned buffer of at least bytes.
func (a *Arena) Allocate(bytes int, s *Stream) (*Scratch, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("invalid allocation size %d", bytes)
	}
	if s == nil {
		return nil, errors.New("allocation requires a stream")
	}
	size := int64(bytes)
	a.mu.Lock()
	if a.limit > 0 && a.inUse+size > a.limit {
		inUse := a.inUse
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d bytes with %d of %d in use", ErrOutOfMemory, bytes, inUse, a.limit)
	}
	a.inUse += size
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	a.allocs++
	a.mu.Unlock()

	return &Scratch{raw: alignedBytes(bytes), arena: a, stream: s}, nil
}

func (a *Arena) free(bytes int) {
	a.mu.Lock()
	a.inUse -= int64(bytes)
	a.releases++
	a.mu.Unlock()
}

func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArenaStats{
		Limit:       a.limit,
		InUse:       a.inUse,
		Peak:        a.peak,
		Allocations: a.allocs,
		Releases:    a.releases,
	}
}

// Scratch is a device buffer whose lifetime is bounded by the work queued
// on its stream.
type Scratch struct {
	raw      []byte
	arena    *Arena
	stream   *Stream
	released atomic.Bool
}

func (s *Scratch) Size() int     { return len(s.raw) }
func (s *Scratch) Bytes() []byte { return s.raw }

// Region returns bytes [off, off+n) of the scratch buffer.
func (s *Scratch) Region(off, n int) []byte {
	return s.raw[off : off+n : off+n]
}

// Release returns the memory to the arena once every operation enqueued on
// the owning stream before this call has completed. Calling Release more
// than once is a no-op.
func (s *Scratch) Release() error {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return nil
	}
	size := len(s.raw)
	err := s.stream.AddCallback(func() {
		s.arena.free(size)
	})
	if err != nil {
		// The stream is gone, so nothing can still be using the memory.
		s.arena.free(size)
	}
	return err
}

func alignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
