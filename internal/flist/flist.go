// Package flist implements Design A: a classic K&R-style circular
// free list with in-band boundary headers, as a self-contained
// alternative to the dual red-black-tree allocator in kh. It exists for
// comparison, not as a mode of kh — the two are genuinely different
// programs, not configurations of one (the original source's earlier
// revisions, single-tree and no-arena, are the ancestors of this
// design, not of kh's).
package flist

import (
	"unsafe"

	"kheap/internal/platform"
)

// Header is the in-band block header: next points to the next header in
// the circular list (in address order once sorted by Free), and size is
// the block's length in units of Header, counting this header itself.
type Header struct {
	next *Header
	size uint32
}

const headerSize = int(unsafe.Sizeof(Header{}))

// List is a Design-A allocator over a single contiguous backing region.
// The backing slice is owned by the List so the headers aliased into it
// stay valid for the List's lifetime.
type List struct {
	mu      *platform.SpinLock
	backing []byte
	freep   *Header // the free-list cursor, never nil after New
}

// New initializes a List over a freshly allocated region of length
// bytes, placing one self-linked header spanning the whole region.
func New(length uint32) *List {
	nunits := length/uint32(headerSize) + 1
	backing := make([]byte, uintptr(nunits)*uintptr(headerSize))

	h := (*Header)(unsafe.Pointer(&backing[0]))
	h.next = h
	h.size = uint32(len(backing))/uint32(headerSize) - 1

	return &List{
		mu:      platform.NewSpinLock("flist"),
		backing: backing,
		freep:   h,
	}
}

func units(nbytes uint32) uint32 {
	return (nbytes+uint32(headerSize)-1)/uint32(headerSize) + 1
}

func addrOf(h *Header) uintptr { return uintptr(unsafe.Pointer(h)) }

// headerAt returns the header offsetUnits units past h.
func headerAt(h *Header, offsetUnits uint32) *Header {
	return (*Header)(unsafe.Pointer(addrOf(h) + uintptr(offsetUnits)*uintptr(headerSize)))
}

// Alloc serves a request of nbytes by a first-fit walk of the circular
// list starting at freep, splitting from the high end of the chosen
// block; on an exact fit the block is spliced out of the list entirely.
// Returns 0, false on a full cycle without finding a fit.
func (l *List) Alloc(nbytes uint32) (uintptr, bool) {
	if nbytes == 0 {
		return 0, false
	}
	nunits := units(nbytes)

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.freep
	for cur := prev.next; ; prev, cur = cur, cur.next {
		if cur.size >= nunits {
			if cur.size == nunits {
				prev.next = cur.next
			} else {
				cur.size -= nunits
				cur = headerAt(cur, cur.size)
				cur.size = nunits
			}
			l.freep = prev
			return addrOf(cur) + uintptr(headerSize), true
		}
		if cur == l.freep {
			return 0, false
		}
	}
}

// Free returns a block previously obtained from Alloc, merging with an
// address-adjacent neighbor on either side. The search for the correct
// insertion point, and the "did we wrap past the high end of the
// address space" break condition, follow the classic K&R free() shape:
// walk the circular list until block falls strictly between the cursor
// and its successor, accounting for the one point in the list where the
// cursor's successor address is lower (the wrap point).
func (l *List) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	block := (*Header)(unsafe.Pointer(ptr - uintptr(headerSize)))

	cur := l.freep
	for !(addrOf(block) > addrOf(cur) && addrOf(block) < addrOf(cur.next)) {
		if addrOf(cur) >= addrOf(cur.next) &&
			(addrOf(block) > addrOf(cur) || addrOf(block) < addrOf(cur.next)) {
			break
		}
		cur = cur.next
	}

	if headerAt(block, block.size) == cur.next {
		block.size += cur.next.size
		block.next = cur.next.next
	} else {
		block.next = cur.next
	}

	if headerAt(cur, cur.size) == block {
		cur.size += block.size
		cur.next = block.next
	} else {
		cur.next = block
	}

	l.freep = cur
}
