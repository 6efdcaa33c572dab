// Package blk implements the metadata-node page arena: a growable pool
// of fixed-size slots, each big enough to hold one rb.Node, carved out
// of pages obtained from an external pager. It is the allocator's own
// small allocator, used only to hand out the heap allocator's tree
// nodes.
package blk

import (
	"sync"
	"unsafe"

	"kheap/internal/kdebug"
	"kheap/internal/kherr"
	"kheap/internal/platform"
)

// page is the arena's bookkeeping for one page of slot storage. It is
// deliberately an ordinary Go-managed value, never placed inside the
// raw page memory obtained from the pager: that memory's element type
// is byte, so the garbage collector never scans its contents, and a
// C-style in-band next-pointer written there would be invisible to
// it. mem holds the pager-provided bytes; the free list threads
// through them as plain slot indices, not pointers, which is safe to
// store in unscanned memory.
type page struct {
	next      *page
	mem       []byte
	freeHead  int32
	allocated int32
}

const noFreeSlot int32 = -1

// arenaState distinguishes the legitimate "still filling a fresh page"
// phase from "this page has genuinely drained", per the design note
// that the seeding flag deserves to be a state, not a boolean, so it
// can also describe a shutdown state later.
type arenaState int32

const (
	stateLive arenaState = iota
	stateSeeding
)

// Arena is the page arena for fixed-size metadata slots.
type Arena struct {
	mu       sync.Mutex
	pager    platform.Pager
	slotSize int
	nslots   int
	pages    *page
	state    arenaState
}

// NewArena creates an empty arena that carves nodeSize-byte slots out
// of pages obtained from pager.
func NewArena(pager platform.Pager, nodeSize int) *Arena {
	kherr.Assert(nodeSize >= 4, "blk: nodeSize must be at least 4 bytes")
	kherr.Assert(nodeSize <= platform.PageSize,
		"blk: nodeSize %d exceeds the page size %d", nodeSize, platform.PageSize)
	return &Arena{
		pager:    pager,
		slotSize: nodeSize,
		nslots:   platform.PageSize / nodeSize,
	}
}

func (a *Arena) slotPtr(p *page, idx int) unsafe.Pointer {
	return unsafe.Pointer(&p.mem[idx*a.slotSize])
}

// freeLinkAt addresses the free-list-next field stored in slot idx's
// own bytes — valid only while that slot is unused.
func (a *Arena) freeLinkAt(p *page, idx int) *int32 {
	return (*int32)(a.slotPtr(p, idx))
}

// growLocked obtains one page from the pager, chains every slot into
// its free list, and links the page at the head of the arena's page
// list. Must be called with a.mu held.
func (a *Arena) growLocked() bool {
	raw, ok := a.pager.PageAlloc()
	if !ok {
		return false
	}

	p := &page{
		mem:      unsafe.Slice((*byte)(raw), platform.PageSize),
		freeHead: noFreeSlot,
	}

	for i := 0; i < a.nslots; i++ {
		*a.freeLinkAt(p, i) = p.freeHead
		p.freeHead = int32(i)
	}

	p.next = a.pages
	a.pages = p
	kdebug.Log("blk", "grew a new page of %d %d-byte slots", a.nslots, a.slotSize)
	return true
}

// Alloc returns an unused, uninitialized slot, or false if both the
// arena and the pager are exhausted.
func (a *Arena) Alloc() (unsafe.Pointer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked()
}

func (a *Arena) allocLocked() (unsafe.Pointer, bool) {
	p := a.findFreeLocked()
	if p == nil {
		if !a.growLocked() {
			return nil, false
		}
		p = a.pages
	}

	idx := p.freeHead
	p.freeHead = *a.freeLinkAt(p, int(idx))
	p.allocated++
	return a.slotPtr(p, int(idx)), true
}

func (a *Arena) findFreeLocked() *page {
	for p := a.pages; p != nil; p = p.next {
		if p.freeHead != noFreeSlot {
			return p
		}
	}
	return nil
}

// Free returns slot to the page it came from. If that page's allocated
// count drops to zero outside of the seeding phase, the page is
// unlinked from the arena and returned to the pager.
func (a *Arena) Free(slot unsafe.Pointer) {
	kherr.Assert(slot != nil, "blk: Free of nil slot")

	a.mu.Lock()
	defer a.mu.Unlock()

	p, idx := a.ownerOf(slot)
	kherr.Assert(p != nil, "blk: Free of slot not owned by this arena")

	*a.freeLinkAt(p, idx) = p.freeHead
	p.freeHead = int32(idx)
	p.allocated--

	if p.allocated == 0 && a.state != stateSeeding {
		a.unlinkLocked(p)
		a.pager.PageFree(unsafe.Pointer(&p.mem[0]))
		kdebug.Log("blk", "released a drained page back to the pager")
	}
}

func (a *Arena) ownerOf(slot unsafe.Pointer) (*page, int) {
	addr := uintptr(slot)
	for p := a.pages; p != nil; p = p.next {
		start := uintptr(unsafe.Pointer(&p.mem[0]))
		end := start + uintptr(len(p.mem))
		if addr >= start && addr < end {
			return p, int((addr - start) / uintptr(a.slotSize))
		}
	}
	return nil, 0
}

func (a *Arena) unlinkLocked(target *page) {
	if a.pages == target {
		a.pages = target.next
		return
	}
	for p := a.pages; p != nil; p = p.next {
		if p.next == target {
			p.next = target.next
			return
		}
	}
}

// Seed allocates and returns n slots with the arena in its seeding
// state, and restores the live state before it returns. Seed holds the
// arena lock throughout and only allocates, so Free never runs while
// the seeding state is set; slots freed after Seed returns follow the
// normal rule, and a page whose last slot is freed goes back to the
// pager.
//
// Seed is only meaningful to call once, before any normal Alloc/Free
// traffic; the heap allocator uses it exactly once, at Init.
func (a *Arena) Seed(n int) ([]unsafe.Pointer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = stateSeeding
	defer func() { a.state = stateLive }()

	slots := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		slot, ok := a.allocLocked()
		if !ok {
			return nil, false
		}
		slots = append(slots, slot)
	}
	return slots, true
}

// Stats reports the arena's current slot accounting, used by the heap
// allocator's "no leaked slots" invariant check.
type Stats struct {
	TotalSlots int
	FreeSlots  int
}

// Stats walks every page and tallies total vs. free slots.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	for p := a.pages; p != nil; p = p.next {
		s.TotalSlots += a.nslots
		free := 0
		for cur := p.freeHead; cur != noFreeSlot; cur = *a.freeLinkAt(p, int(cur)) {
			free++
		}
		s.FreeSlots += free
	}
	return s
}
