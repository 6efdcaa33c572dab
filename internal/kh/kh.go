// Package kh implements the dual red-black-tree heap allocator: one
// tree ordered by block address (for coalescing and iteration), one
// ordered by (size, address) (for best-/worst-fit selection), backed by
// node metadata carved from a blk.Arena.
package kh

import (
	"fmt"
	"unsafe"

	"kheap/internal/blk"
	"kheap/internal/kdebug"
	"kheap/internal/kherr"
	"kheap/internal/platform"
	"kheap/internal/rb"
)

// Config configures a Heap at construction time.
type Config struct {
	// HeapLen is the size in bytes of the region this allocator serves.
	HeapLen uint32
	// HeapBase is the address of the first byte of the region; returned
	// addresses are HeapBase + block offset, mirroring heap_base =
	// PHYSTOP - HEAPLEN. Zero is accepted, but then the block at offset 0
	// is returned as address 0, which Free treats as the null no-op, so
	// that block can never be freed.
	HeapBase uintptr
	// Policy selects the placement strategy. Zero defaults to FirstFit.
	Policy Policy
}

// Heap is one instance of the dual-tree allocator. Two Heaps never
// share an Arena or trees; each is independently lockable.
type Heap struct {
	cfg Config

	arena    *blk.Arena
	treeLock *platform.SpinLock

	byAddr *rb.Tree
	bySize *rb.Tree

	// last is the next-fit cursor: an address-tree node to resume
	// searching from. It is reset to the sentinel whenever a Free call
	// performs coalescing, since coalescing can repurpose arbitrary
	// address-tree node slots via rb.Tree's content-swap removal and the
	// cursor must never reference a slot that might have been recycled.
	last *rb.Node
}

// New creates a Heap describing a single free block spanning the whole
// configured region, per the init phase in the spec: acquire one page,
// seed the arena, allocate two node slots for each tree's nil + initial
// root.
func New(cfg Config, pager platform.Pager) *Heap {
	if cfg.Policy == 0 {
		cfg.Policy = FirstFit
	}

	arena := blk.NewArena(pager, int(unsafe.Sizeof(rb.Node{})))

	slots, ok := arena.Seed(4)
	kherr.Assert(ok, "kh: failed to seed the initial arena page")

	addrNil := (*rb.Node)(slots[0])
	addrRoot := (*rb.Node)(slots[1])
	sizeNil := (*rb.Node)(slots[2])
	sizeRoot := (*rb.Node)(slots[3])

	h := &Heap{
		cfg:      cfg,
		arena:    arena,
		treeLock: platform.NewSpinLock("kh.tree"),
		byAddr:   rb.NewTree(addrNil, addrRoot, 0, cfg.HeapLen, true, rb.ByAddr),
		bySize:   rb.NewTree(sizeNil, sizeRoot, 0, cfg.HeapLen, true, rb.BySize),
	}
	h.last = h.byAddr.NilNode()
	return h
}

func (h *Heap) sizeNodeFor(addrNode *rb.Node) *rb.Node {
	return h.bySize.Find(&rb.Node{Size: addrNode.Size, Addr: addrNode.Addr})
}

func (h *Heap) addrNodeFor(sizeNode *rb.Node) *rb.Node {
	return h.byAddr.Find(&rb.Node{Addr: sizeNode.Addr})
}

func (h *Heap) firstFit(nbytes uint32) *rb.Node {
	for n := h.byAddr.GetMin(); !h.byAddr.Nil(n); n = h.byAddr.Step(n) {
		if n.Free && n.Size >= nbytes {
			return n
		}
	}
	return h.byAddr.NilNode()
}

func (h *Heap) nextFit(nbytes uint32) *rb.Node {
	start := h.last
	if h.byAddr.Nil(start) {
		start = h.byAddr.GetMin()
	}
	if h.byAddr.Nil(start) {
		return h.byAddr.NilNode()
	}

	cur := start
	for {
		if cur.Free && cur.Size >= nbytes {
			return cur
		}
		cur = h.byAddr.Step(cur)
		if h.byAddr.Nil(cur) {
			cur = h.byAddr.GetMin()
		}
		if cur == start {
			return h.byAddr.NilNode()
		}
	}
}

func (h *Heap) bestFit(nbytes uint32) *rb.Node {
	for n := h.bySize.GetMin(); !h.bySize.Nil(n); n = h.bySize.Step(n) {
		if n.Free && n.Size >= nbytes {
			return n
		}
	}
	return h.bySize.NilNode()
}

func (h *Heap) worstFit(nbytes uint32) *rb.Node {
	for n := h.bySize.GetMax(); !h.bySize.Nil(n); n = h.bySize.StepBack(n) {
		if n.Free && n.Size >= nbytes {
			return n
		}
	}
	return h.bySize.NilNode()
}

func (h *Heap) selectCandidate(nbytes uint32) *rb.Node {
	switch h.cfg.Policy {
	case NextFit:
		return h.nextFit(nbytes)
	case BestFit:
		if sc := h.bestFit(nbytes); !h.bySize.Nil(sc) {
			return h.addrNodeFor(sc)
		}
		return h.byAddr.NilNode()
	case WorstFit:
		if sc := h.worstFit(nbytes); !h.bySize.Nil(sc) {
			return h.addrNodeFor(sc)
		}
		return h.byAddr.NilNode()
	default:
		return h.firstFit(nbytes)
	}
}

// allocNodePair obtains one arena slot per tree for a brand new block
// and inserts both entries. On partial failure (first slot obtained,
// second denied) the first slot is returned to the arena before
// reporting failure, so no slot is ever left outside of a tree or the
// arena's own free lists.
func (h *Heap) allocNodePair(addr, size uint32, free bool) (addrNode, sizeNode *rb.Node, ok bool) {
	s1, ok1 := h.arena.Alloc()
	if !ok1 {
		return nil, nil, false
	}
	s2, ok2 := h.arena.Alloc()
	if !ok2 {
		h.arena.Free(s1)
		return nil, nil, false
	}

	addrNode = (*rb.Node)(s1)
	sizeNode = (*rb.Node)(s2)
	rb.InitNode(addrNode, addr, size, free, rb.Red)
	rb.InitNode(sizeNode, addr, size, free, rb.Red)
	h.byAddr.Insert(addrNode)
	h.bySize.Insert(sizeNode)
	return addrNode, sizeNode, true
}

// Alloc serves a request of nbytes, or returns (0, false) if no free
// block is large enough or the arena/pager is exhausted. nbytes == 0
// always returns (0, false) without touching the lock.
func (h *Heap) Alloc(nbytes uint32) (uintptr, bool) {
	if nbytes == 0 {
		return 0, false
	}

	h.treeLock.Lock()
	defer h.treeLock.Unlock()

	addrCand := h.selectCandidate(nbytes)
	if h.byAddr.Nil(addrCand) {
		return 0, false
	}

	sizeCand := h.sizeNodeFor(addrCand)
	kherr.Assert(!h.bySize.Nil(sizeCand), "kh: address and size trees disagree on a free block")

	var resultAddr uint32

	if addrCand.Size == nbytes {
		addrCand.Free = false
		sizeCand.Free = false
		resultAddr = addrCand.Addr
	} else {
		oldSize := addrCand.Size
		newCandSize := oldSize - nbytes
		tailAddr := addrCand.Addr + newCandSize

		// Carve the allocation from the high end: candidate keeps its
		// address and shrinks; the tail becomes the new allocated block.
		sizeTarget := h.bySize.Remove(sizeCand)
		sizeTarget.Size = newCandSize
		h.bySize.Insert(sizeTarget)
		addrCand.Size = newCandSize

		tailAddrNode, tailSizeNode, ok := h.allocNodePair(tailAddr, nbytes, false)
		if !ok {
			// Undo the shrink so the tree is left exactly as it was found.
			undone := h.bySize.Remove(sizeTarget)
			undone.Size = oldSize
			h.bySize.Insert(undone)
			addrCand.Size = oldSize
			return 0, false
		}
		_ = tailSizeNode
		resultAddr = tailAddrNode.Addr
	}

	h.last = addrCand
	kdebug.Log("kh", "alloc %d bytes -> %#x (policy=%s)", nbytes, h.cfg.HeapBase+uintptr(resultAddr), h.cfg.Policy)
	return h.cfg.HeapBase + uintptr(resultAddr), true
}

// Free releases the block at ptr, coalescing with address-adjacent free
// neighbors. ptr == 0 is a no-op. An out-of-range pointer panics with
// kherr.CodeOutOfRange; a not-currently-allocated pointer (never
// allocated, or already freed) panics with kherr.CodeInvalidFree — both
// fatal, since a bogus or double-freed pointer indicates a client bug
// that cannot be safely masked.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	if ptr < h.cfg.HeapBase || ptr >= h.cfg.HeapBase+uintptr(h.cfg.HeapLen) {
		panic(kherr.OutOfRange(fmt.Sprintf("kh: Free of out-of-range pointer %#x", ptr)))
	}
	addr := uint32(ptr - h.cfg.HeapBase)

	h.treeLock.Lock()
	defer h.treeLock.Unlock()

	addrNode := h.byAddr.Find(&rb.Node{Addr: addr})
	if h.byAddr.Nil(addrNode) || addrNode.Free {
		panic(kherr.InvalidFree(fmt.Sprintf("kh: Free of invalid or already-freed pointer %#x", ptr)))
	}

	sizeNode := h.sizeNodeFor(addrNode)
	kherr.Assert(!h.bySize.Nil(sizeNode), "kh: address and size trees disagree on an allocated block")

	addrNode.Free = true
	sizeNode.Free = true

	mergedSuccessor := false

	if succ := h.byAddr.Step(addrNode); !h.byAddr.Nil(succ) && succ.Free &&
		addrNode.Addr+addrNode.Size == succ.Addr {
		succSize := h.sizeNodeFor(succ)
		kherr.Assert(!h.bySize.Nil(succSize), "kh: missing size-tree entry for successor block")

		addrTarget := h.byAddr.Remove(succ)
		h.arena.Free(unsafe.Pointer(addrTarget))
		sizeTarget := h.bySize.Remove(succSize)
		h.arena.Free(unsafe.Pointer(sizeTarget))
		// Content-swap removal may have moved this block's own size entry
		// into another slot, so look it up again by key.
		sizeNode = h.sizeNodeFor(addrNode)

		addrNode.Size += addrTarget.Size
		mergedSuccessor = true
	}

	mergedPredecessor := false

	if pred := h.byAddr.StepBack(addrNode); !h.byAddr.Nil(pred) && pred.Free &&
		pred.Addr+pred.Size == addrNode.Addr {
		predSize := h.sizeNodeFor(pred)
		kherr.Assert(!h.bySize.Nil(predSize), "kh: missing size-tree entry for predecessor block")

		addrTarget := h.byAddr.Remove(addrNode)
		h.arena.Free(unsafe.Pointer(addrTarget))
		sizeTarget := h.bySize.Remove(sizeNode)
		h.arena.Free(unsafe.Pointer(sizeTarget))
		// As above: the predecessor's size entry may have changed slots.
		predSize = h.sizeNodeFor(pred)

		newPredSize := pred.Size + addrTarget.Size
		predSizeTarget := h.bySize.Remove(predSize)
		predSizeTarget.Size = newPredSize
		h.bySize.Insert(predSizeTarget)
		pred.Size = newPredSize

		mergedPredecessor = true
	} else if mergedSuccessor {
		sizeTarget := h.bySize.Remove(sizeNode)
		sizeTarget.Size = addrNode.Size
		h.bySize.Insert(sizeTarget)
	}

	if mergedSuccessor || mergedPredecessor {
		h.last = h.byAddr.NilNode()
	}

	kdebug.Log("kh", "free %#x (coalesced-succ=%v coalesced-pred=%v)", ptr, mergedSuccessor, mergedPredecessor)
}

