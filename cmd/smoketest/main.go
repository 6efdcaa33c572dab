// Command smoketest is the smoke driver from the spec: allocate sizes
// 1..9, print the resulting block layout, then free them in a fixed
// permutation and print the layout again.
package main

import (
	"fmt"
	"os"

	"kheap/internal/kh"
	"kheap/internal/platform"
)

func main() {
	// HeapBase is nonzero, mirroring heap_base = PHYSTOP - HEAPLEN: a real
	// kernel heap never starts at address 0, which keeps every returned
	// pointer distinguishable from the null-pointer sentinel kh_free
	// tolerates as a no-op.
	h := kh.New(kh.Config{HeapBase: 0x80000000, HeapLen: 0x100000, Policy: kh.FirstFit}, &platform.FakePager{})

	ptrs := make([]uintptr, 9)
	for i := 0; i < 9; i++ {
		p, ok := h.Alloc(uint32(i + 1))
		if !ok {
			fmt.Fprintf(os.Stderr, "alloc(%d) failed\n", i+1)
			os.Exit(1)
		}
		ptrs[i] = p
	}

	fmt.Println("after allocation:")
	h.PrintBlocks(os.Stdout)

	for _, idx := range []int{8, 1, 3, 2, 9, 7, 5, 4, 6} {
		h.Free(ptrs[idx-1])
	}

	fmt.Println("after freeing in permutation [8,1,3,2,9,7,5,4,6]:")
	h.PrintBlocks(os.Stdout)

	if err := h.CheckInvariants(); err != nil {
		fmt.Fprintf(os.Stderr, "invariant violation: %v\n", err)
		os.Exit(1)
	}
}
