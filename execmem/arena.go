// Package execmem owns the executable memory regions that compiled code is
// published into.
//
// Callers never hold raw code pointers. They hold a Handle, a small
// copyable value that indexes a slot in an Arena and carries the slot's
// generation. Releasing a region bumps the generation, so a stale Handle
// simply fails to resolve instead of pointing at recycled memory.
//
// A region is written while it is still a Reservation (read/write) and
// becomes visible as a Handle only after Seal has flipped it to
// read/execute. Anything holding a Handle therefore sees fully
// initialized, immutable code.
package execmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dxjit.execmem")

var (
	// ErrEmptyRegion is returned when asked to reserve zero bytes.
	ErrEmptyRegion = errors.New("execmem: empty region")

	// ErrStaleHandle is returned when a handle no longer names a live region.
	ErrStaleHandle = errors.New("execmem: stale handle")

	// ErrSealed is returned when a reservation is used after Seal or Discard.
	ErrSealed = errors.New("execmem: reservation already sealed")
)

// Handle is an opaque reference to a published code region. The zero
// Handle never names a region.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	if h.IsZero() {
		return "code<nil>"
	}
	return fmt.Sprintf("code<%d@%d>", h.slot, h.gen)
}

// Region describes a live, sealed code region.
type Region struct {
	Entry uintptr
	Size  int
}

// backing abstracts how region memory is obtained and protected.
type backing interface {
	alloc(size int) ([]byte, error)
	seal(mem []byte) error
	free(mem []byte) error
	executable() bool
}

type slot struct {
	mem  []byte
	size int
	gen  uint32
	live bool
}

// Arena is the sole owner of the code regions it hands out. It is safe for
// concurrent use.
type Arena struct {
	mu    sync.RWMutex
	back  backing
	slots []slot
	free  []uint32
	bytes int
}

// New returns an Arena backed by real executable pages where the platform
// supports it, and by ordinary heap memory otherwise.
func New() *Arena {
	return &Arena{back: platformBacking()}
}

// NewHeap returns an Arena backed by ordinary, non-executable heap memory.
// Regions behave exactly like executable ones except that they cannot be
// jumped to, which makes this the arena of choice for tests and tooling.
func NewHeap() *Arena {
	return &Arena{back: heapBacking{}}
}

// Executable reports whether regions in this arena are mapped executable.
func (a *Arena) Executable() bool {
	return a.back.executable()
}

// Reservation is a writable region that has not been published yet.
type Reservation struct {
	arena *Arena
	mem   []byte
	size  int
	done  bool
}

// Reserve allocates a writable region of size bytes.
func (a *Arena) Reserve(size int) (*Reservation, error) {
	if size <= 0 {
		return nil, ErrEmptyRegion
	}
	mem, err := a.back.alloc(size)
	if err != nil {
		return nil, fmt.Errorf("execmem: reserve %d bytes: %w", size, err)
	}
	return &Reservation{arena: a, mem: mem, size: size}, nil
}

// Bytes returns the writable view of the reservation. It must not be
// retained after Seal.
func (r *Reservation) Bytes() []byte {
	return r.mem[:r.size:r.size]
}

// Addr returns the address the code will execute at once sealed.
func (r *Reservation) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Seal makes the reservation read/execute and publishes it.
func (r *Reservation) Seal() (Handle, error) {
	if r.done {
		return Handle{}, ErrSealed
	}
	r.done = true
	if err := r.arena.back.seal(r.mem); err != nil {
		_ = r.arena.back.free(r.mem)
		return Handle{}, fmt.Errorf("execmem: seal: %w", err)
	}
	return r.arena.insert(r.mem, r.size), nil
}

// Discard gives the reservation's memory back without publishing it.
func (r *Reservation) Discard() error {
	if r.done {
		return ErrSealed
	}
	r.done = true
	return r.arena.back.free(r.mem)
}

// Publish copies code into a fresh region and seals it.
func (a *Arena) Publish(code []byte) (Handle, error) {
	r, err := a.Reserve(len(code))
	if err != nil {
		return Handle{}, err
	}
	copy(r.Bytes(), code)
	return r.Seal()
}

func (a *Arena) insert(mem []byte, size int) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.mem = mem
	s.size = size
	s.live = true
	a.bytes += size
	return Handle{slot: idx, gen: s.gen}
}

func (a *Arena) resolve(h Handle) (*slot, bool) {
	if h.IsZero() || int(h.slot) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

// Lookup resolves h to its region.
func (a *Arena) Lookup(h Handle) (Region, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.resolve(h)
	if !ok {
		return Region{}, false
	}
	return Region{Entry: uintptr(unsafe.Pointer(&s.mem[0])), Size: s.size}, true
}

// Code returns a copy of the bytes behind h.
func (a *Arena) Code(h Handle) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.resolve(h)
	if !ok {
		return nil, false
	}
	out := make([]byte, s.size)
	copy(out, s.mem[:s.size])
	return out, true
}

// Release unmaps the region behind h. Any copy of h stops resolving.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	s, ok := a.resolve(h)
	if !ok {
		a.mu.Unlock()
		return ErrStaleHandle
	}
	mem := s.mem
	a.bytes -= s.size
	s.mem = nil
	s.size = 0
	s.live = false
	a.free = append(a.free, h.slot)
	a.mu.Unlock()

	if err := a.back.free(mem); err != nil {
		log.Warningf("release %s: %v", h, err)
		return fmt.Errorf("execmem: release: %w", err)
	}
	return nil
}

// Stats reports the number of live regions and their total size.
func (a *Arena) Stats() (regions int, bytes int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - len(a.free), a.bytes
}

type heapBacking struct{}

func (heapBacking) alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapBacking) seal([]byte) error              { return nil }
func (heapBacking) free([]byte) error              { return nil }
func (heapBacking) executable() bool               { return false }
