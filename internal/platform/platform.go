// Package platform specifies, and provides Go stand-ins for, the
// external collaborators the allocator consumes from a real kernel: a
// page-granular allocator, a spinlock primitive, and the panic
// primitive. None of these are in scope to implement "for real" (there
// is no RISC-V MMU here) — they exist so the allocator packages have a
// narrow, testable seam instead of reaching for global state.
package platform

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/timandy/routine"

	"kheap/internal/kherr"
)

// PageSize is the page grain the arena allocates in, matching PGSIZE.
const PageSize = 4096

// Pager is the external page allocator contract: page_alloc/page_free.
type Pager interface {
	// PageAlloc returns a zero-value, PageSize-aligned page, or false if
	// the pager is exhausted.
	PageAlloc() (unsafe.Pointer, bool)

	// PageFree returns a page previously obtained from PageAlloc.
	PageFree(unsafe.Pointer)
}

// FakePager is an in-process stand-in for the kernel's physical page
// allocator. It hands out real Go-heap-backed pages so the arena and
// allocator logic can run (and be fuzzed) in a user-space test binary,
// the same role the spec assigns to the "user-space test harness".
//
// A FakePager with Limit > 0 becomes exhaustible, which is what lets
// tests exercise the allocator's exhaustion path deterministically.
type FakePager struct {
	mu        sync.Mutex
	Limit     int // 0 means unlimited
	allocated int
	freed     []unsafe.Pointer
}

var _ Pager = (*FakePager)(nil)

// PageAlloc returns a freshly zeroed page, reusing a previously freed
// page's backing array when one is available.
func (p *FakePager) PageAlloc() (unsafe.Pointer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Limit > 0 && p.allocated >= p.Limit {
		return nil, false
	}

	var ptr unsafe.Pointer
	if n := len(p.freed); n > 0 {
		ptr = p.freed[n-1]
		p.freed = p.freed[:n-1]
		clearPage(ptr)
	} else {
		buf := make([]byte, PageSize)
		ptr = unsafe.Pointer(&buf[0])
	}
	p.allocated++
	return ptr, true
}

// PageFree returns ptr to the pager's free pool.
func (p *FakePager) PageFree(ptr unsafe.Pointer) {
	kherr.Assert(ptr != nil, "PageFree of nil page")

	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocated--
	p.freed = append(p.freed, ptr)
}

// Allocated reports how many pages are currently outstanding.
func (p *FakePager) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

func clearPage(ptr unsafe.Pointer) {
	buf := unsafe.Slice((*byte)(ptr), PageSize)
	clear(buf)
}

// SpinLock is a mutual-exclusion primitive standing in for spin_lock/
// spin_unlock. It is not reentrant, exactly like the primitive it
// models, and it records the owning goroutine so that a same-goroutine
// re-acquire — which would deadlock a real spinlock — fails loudly
// instead of hanging a test run forever.
type SpinLock struct {
	name string
	mu   sync.Mutex
	held int32
	// owner is the goroutine id currently holding the lock, or -1.
	owner int64
}

// NewSpinLock mirrors spin_init(lock, name).
func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name, owner: -1}
}

// Lock mirrors spin_lock(lock).
func (s *SpinLock) Lock() {
	gid := routine.Goid()
	if s.heldBy(gid) {
		panic(kherr.New(kherr.CodeInvariant,
			fmt.Sprintf("spinlock %q: goroutine %d re-acquired a lock it already holds", s.name, gid)))
	}
	s.mu.Lock()
	s.owner = gid
}

// Unlock mirrors spin_unlock(lock).
func (s *SpinLock) Unlock() {
	s.owner = -1
	s.mu.Unlock()
}

func (s *SpinLock) heldBy(gid int64) bool {
	// Best-effort check: mu.Lock() below is still the source of truth for
	// mutual exclusion; this only catches the self-deadlock case early.
	return s.owner == gid
}

// Panic mirrors panic(msg): a non-returning fatal error.
func Panic(msg string) {
	panic(kherr.New(kherr.CodeInvariant, msg))
}

// NumCPU mirrors procnum().
func NumCPU() int { return numCPU() }
