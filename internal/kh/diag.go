package kh

import (
	"fmt"
	"io"

	"kheap/internal/kherr"
)

// PrintBlocks writes a diagnostic dump of every block, in address
// order, to w.
func (h *Heap) PrintBlocks(w io.Writer) {
	h.treeLock.Lock()
	defer h.treeLock.Unlock()

	fmt.Fprintf(w, "heap: base=%#x len=%d policy=%s\n", h.cfg.HeapBase, h.cfg.HeapLen, h.cfg.Policy)
	for n := h.byAddr.GetMin(); !h.byAddr.Nil(n); n = h.byAddr.Step(n) {
		state := "allocated"
		if n.Free {
			state = "free"
		}
		fmt.Fprintf(w, "  [%#08x, %#08x) size=%-8d %s\n", n.Addr, n.Addr+n.Size, n.Size, state)
	}
}

// CheckInvariants verifies the testable properties the spec requires to
// hold after every Alloc/Free call: address-tree coverage and
// non-overlap, no two address-adjacent free blocks, agreement between
// the two trees, red-black well-formedness of both, and arena slot
// accounting. It returns the first violation found, or nil.
func (h *Heap) CheckInvariants() error {
	h.treeLock.Lock()
	defer h.treeLock.Unlock()

	blockCount := 0
	var prevEnd uint32
	var prevFree bool
	havePrev := false

	for n := h.byAddr.GetMin(); !h.byAddr.Nil(n); n = h.byAddr.Step(n) {
		blockCount++

		if n.Addr+n.Size < n.Addr {
			return kherr.Invariant("block size overflows its address")
		}
		if n.Addr+n.Size > h.cfg.HeapLen {
			return kherr.Invariant("block extends past the end of the heap")
		}

		if havePrev {
			if n.Addr != prevEnd {
				return kherr.Invariant("gap or overlap between adjacent blocks")
			}
			if prevFree && n.Free {
				return kherr.Invariant("two address-adjacent blocks are both free")
			}
		} else if n.Addr != 0 {
			return kherr.Invariant("first block does not start at offset 0")
		}

		prevEnd = n.Addr + n.Size
		prevFree = n.Free
		havePrev = true

		sizeNode := h.sizeNodeFor(n)
		if h.bySize.Nil(sizeNode) {
			return kherr.Invariant("address-tree block missing from size tree")
		}
		if sizeNode.Free != n.Free {
			return kherr.Invariant("address and size tree disagree on a block's free state")
		}
	}

	if !havePrev {
		return kherr.Invariant("address tree is empty")
	}
	if prevEnd != h.cfg.HeapLen {
		return kherr.Invariant("address tree does not cover the whole heap")
	}

	sizeCount := 0
	for n := h.bySize.GetMin(); !h.bySize.Nil(n); n = h.bySize.Step(n) {
		sizeCount++
	}
	if sizeCount != blockCount {
		return kherr.Invariant("size tree and address tree disagree on block count")
	}

	if _, err := h.byAddr.CheckViolation(h.byAddr.Root()); err != nil {
		return fmt.Errorf("address tree: %w", err)
	}
	if _, err := h.bySize.CheckViolation(h.bySize.Root()); err != nil {
		return fmt.Errorf("size tree: %w", err)
	}

	stats := h.arena.Stats()
	if stats.TotalSlots-stats.FreeSlots != 2*blockCount {
		return kherr.Invariant("arena slot accounting does not match 2 * block count")
	}

	return nil
}
