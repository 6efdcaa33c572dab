// Command mixedtest is the mixed-workload driver from the spec: it
// interleaves Alloc and Free calls biased by how many pointers are
// currently live, rather than running in separate alloc/free phases
// like smoketest and stresstest. The bias keeps the live set hovering
// near a target occupancy instead of monotonically growing or
// draining it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dolthub/maphash"

	"kheap/internal/kh"
	"kheap/internal/platform"
)

type lcg struct{ state uint64 }

func newLCG(seed uint64) *lcg { return &lcg{state: seed} }

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

func (g *lcg) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(g.next() % uint64(n))
}

// ptrSet is an open-addressed membership set over live heap pointers,
// hashed with maphash.Hasher the way flier-goutil's swiss map pairs a
// generic hasher with its own probe table rather than Go's builtin map.
type ptrSet struct {
	hasher maphash.Hasher[uintptr]
	slots  []uintptr // 0 is the empty sentinel; a real heap pointer is never 0
	count  int
}

func newPtrSet(capacityHint int) *ptrSet {
	size := 16
	for size < capacityHint*2 {
		size *= 2
	}
	return &ptrSet{hasher: maphash.NewHasher[uintptr](), slots: make([]uintptr, size)}
}

func (s *ptrSet) indexOf(slots []uintptr, p uintptr) int {
	return int(s.hasher.Hash(p) & uint64(len(slots)-1))
}

func (s *ptrSet) insertInto(slots []uintptr, p uintptr) {
	i := s.indexOf(slots, p)
	for slots[i] != 0 {
		if slots[i] == p {
			return
		}
		i = (i + 1) % len(slots)
	}
	slots[i] = p
}

func (s *ptrSet) growIfNeeded() {
	if s.count*2 < len(s.slots) {
		return
	}
	next := make([]uintptr, len(s.slots)*2)
	for _, p := range s.slots {
		if p != 0 {
			s.insertInto(next, p)
		}
	}
	s.slots = next
}

func (s *ptrSet) Put(p uintptr) {
	s.growIfNeeded()
	s.insertInto(s.slots, p)
	s.count++
}

func (s *ptrSet) Delete(p uintptr) {
	i := s.indexOf(s.slots, p)
	for s.slots[i] != 0 {
		if s.slots[i] != p {
			i = (i + 1) % len(s.slots)
			continue
		}
		s.slots[i] = 0
		s.count--
		// Close the probe chain: re-insert every entry in the cluster
		// that follows, since deleting without a tombstone can strand
		// entries that probed past this slot.
		j := (i + 1) % len(s.slots)
		for s.slots[j] != 0 {
			rp := s.slots[j]
			s.slots[j] = 0
			s.insertInto(s.slots, rp)
			j = (j + 1) % len(s.slots)
		}
		return
	}
}

func (s *ptrSet) Len() int { return s.count }

func main() {
	ops := flag.Int("ops", 5000, "number of operations to perform")
	flag.Parse()

	// A nonzero HeapBase, mirroring heap_base = PHYSTOP - HEAPLEN, keeps
	// every returned pointer distinguishable from ptrSet's 0 empty-slot
	// sentinel.
	h := kh.New(kh.Config{HeapBase: 0x80000000, HeapLen: 1 << 20, Policy: kh.BestFit}, &platform.FakePager{})
	rng := newLCG(uint64(platform.Uptime().Nanoseconds()) | 1)

	const n = 99
	live := newPtrSet(n)
	var order []uintptr

	for op := 0; op < *ops; op++ {
		liveCount := live.Len()
		freeProbability := 10000 * liveCount / (n + 1)

		if liveCount > 0 && rng.intn(10000) < freeProbability {
			idx := rng.intn(len(order))
			ptr := order[idx]
			order[idx] = order[len(order)-1]
			order = order[:len(order)-1]
			live.Delete(ptr)
			h.Free(ptr)
			continue
		}

		size := uint32(rng.intn(n) + 1)
		ptr, ok := h.Alloc(size)
		if !ok {
			continue
		}
		live.Put(ptr)
		order = append(order, ptr)
	}

	for _, ptr := range order {
		h.Free(ptr)
	}

	if err := h.CheckInvariants(); err != nil {
		fmt.Fprintf(os.Stderr, "invariant violation: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mixedtest: %d ops, all invariants held\n", *ops)
}
