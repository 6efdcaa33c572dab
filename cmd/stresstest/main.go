// Command stresstest is the stress driver from the spec: shuffles the
// sizes 1..99 and their free order using a linear-congruential PRNG
// seeded from process uptime, drives them from multiple goroutines
// against one shared heap (simulating multiple harts/cores), and
// checks every invariant after every operation.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"kheap/internal/kh"
	"kheap/internal/platform"
)

// lcg is a linear-congruential generator, the PRNG family the spec
// calls for; parameters are Knuth's MMIX constants.
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

func (g *lcg) shuffle(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := g.intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

func main() {
	goroutines := flag.Int("goroutines", 4, "number of concurrent allocator clients")
	rounds := flag.Int("rounds", 20, "allocation rounds per goroutine")
	flag.Parse()

	// A nonzero HeapBase, mirroring heap_base = PHYSTOP - HEAPLEN, keeps
	// every returned pointer distinguishable from the null-pointer
	// sentinel this driver's ptrs[i] == 0 "nothing allocated here" check
	// relies on.
	h := kh.New(kh.Config{HeapBase: 0x80000000, HeapLen: 1 << 24, Policy: kh.FirstFit}, &platform.FakePager{})
	seed := uint64(platform.Uptime().Nanoseconds())

	var eg errgroup.Group
	for g := 0; g < *goroutines; g++ {
		g := g
		eg.Go(func() error {
			rng := newLCG(seed ^ uint64(g)*0x9E3779B97F4A7C15)
			for r := 0; r < *rounds; r++ {
				if err := oneRound(h, rng); err != nil {
					return fmt.Errorf("goroutine %d round %d: %w", g, r, err)
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := h.CheckInvariants(); err != nil {
		fmt.Fprintf(os.Stderr, "final invariant violation: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("stresstest: all invariants held")
}

// oneRound allocates sizes 1..99 in a shuffled order, checking
// invariants after every call, then frees them in a separately
// shuffled order, again checking after every call.
func oneRound(h *kh.Heap, rng *lcg) error {
	const n = 99
	ptrs := make([]uintptr, n)

	for _, i := range rng.shuffle(n) {
		p, ok := h.Alloc(uint32(i + 1))
		if !ok {
			// Exhaustion under concurrent load is not itself a bug; skip.
			continue
		}
		ptrs[i] = p
		if err := h.CheckInvariants(); err != nil {
			return err
		}
	}

	for _, i := range rng.shuffle(n) {
		if ptrs[i] == 0 {
			continue
		}
		h.Free(ptrs[i])
		if err := h.CheckInvariants(); err != nil {
			return err
		}
	}

	return nil
}
