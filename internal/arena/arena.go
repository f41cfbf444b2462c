// Package arena hands out executable memory for generated trampolines.
//
// Memory is carved from fixed-size pages with a bump pointer. A page that
// cannot satisfy a request is retired, never freed and never reused, so every
// address returned stays valid for the life of the process.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// ErrCapacity is wrapped by CapacityError.
var ErrCapacity = errors.New("allocation exceeds arena page capacity")

// CapacityError reports a single request larger than one page.
type CapacityError struct {
	Words    int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("arena: %d words requested, page holds %d", e.Words, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// Mapper provides one page of read/write/execute memory.
type Mapper func(size int) ([]byte, error)

// Allocations start on 16-byte boundaries.
const alignWords = 4

type page struct {
	mem   []byte
	words []uint32
	used  int
}

func (p *page) base() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

// Arena is a bump allocator over executable pages. It is safe for concurrent
// use.
type Arena struct {
	mu       sync.Mutex
	pageSize int
	mapper   Mapper
	current  *page
	retired  []*page
}

// Option configures an Arena.
type Option func(*Arena)

// WithPageSize overrides the host page size.
func WithPageSize(n int) Option {
	return func(a *Arena) { a.pageSize = n }
}

// WithMapper overrides how pages are obtained.
func WithMapper(m Mapper) Option {
	return func(a *Arena) { a.mapper = m }
}

// New returns an empty arena. No memory is mapped until the first request.
func New(opts ...Option) *Arena {
	a := &Arena{pageSize: defaultPageSize(), mapper: mapExecutable}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Capacity is the number of instruction words one page holds.
func (a *Arena) Capacity() int {
	return a.pageSize / 4
}

// Region is executable memory reserved for one trampoline.
type Region struct {
	Addr  uintptr
	Words []uint32
}

// Commit makes writes to the region visible to instruction fetch.
func (r Region) Commit() {
	if len(r.Words) > 0 {
		flushInstructionCache(r.Addr, uintptr(len(r.Words)*4))
	}
}

// Flush makes size bytes of modified code at addr visible to instruction
// fetch. It is for code patched outside the arena.
func Flush(addr, size uintptr) {
	flushInstructionCache(addr, size)
}

// Reserve returns n words of executable memory. The contents are undefined
// until the caller writes them and calls Commit.
func (a *Arena) Reserve(n int) (Region, error) {
	if n <= 0 {
		return Region{}, fmt.Errorf("arena: invalid request of %d words", n)
	}
	if n > a.Capacity() {
		return Region{}, &CapacityError{Words: n, Capacity: a.Capacity()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || a.current.used+n > len(a.current.words) {
		if err := a.grow(); err != nil {
			return Region{}, err
		}
	}
	p := a.current
	start := p.used
	p.used = alignUp(start+n, alignWords)
	return Region{
		Addr:  p.base() + uintptr(start*4),
		Words: p.words[start : start+n : start+n],
	}, nil
}

// Alloc copies words into fresh executable memory and returns its address.
func (a *Arena) Alloc(words []uint32) (uintptr, error) {
	r, err := a.Reserve(len(words))
	if err != nil {
		return 0, err
	}
	copy(r.Words, words)
	r.Commit()
	return r.Addr, nil
}

// grow retires the current page and maps a new one. Callers hold a.mu.
func (a *Arena) grow() error {
	mem, err := a.mapper(a.pageSize)
	if err != nil {
		return fmt.Errorf("arena: map page: %w", err)
	}
	if len(mem) < a.pageSize {
		return fmt.Errorf("arena: mapper returned %d bytes, want %d", len(mem), a.pageSize)
	}
	if a.current != nil {
		a.retired = append(a.retired, a.current)
		Logger().Debug("retired arena page",
			zap.Uintptr("base", a.current.base()),
			zap.Int("used", a.current.used),
			zap.Int("retired", len(a.retired)))
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), a.pageSize/4)
	a.current = &page{mem: mem, words: words}
	return nil
}

// Pages is the number of pages mapped so far.
func (a *Arena) Pages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.retired)
	if a.current != nil {
		n++
	}
	return n
}

// Contains reports whether addr lies inside a page owned by the arena.
func (a *Arena) Contains(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	in := func(p *page) bool {
		return p != nil && addr >= p.base() && addr < p.base()+uintptr(len(p.mem))
	}
	if in(a.current) {
		return true
	}
	for _, p := range a.retired {
		if in(p) {
			return true
		}
	}
	return false
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}
