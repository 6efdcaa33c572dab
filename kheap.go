// Package kheap exposes the kernel-client-facing API of the dual
// red-black-tree heap allocator: Init, Alloc, Free and PrintBlocks,
// mirroring kh_init/kh_alloc/kh_free/kh_print_blocks. A package-level
// default heap is provided for parity with the C source's global entry
// points; kh.New (internal/kh) remains available to callers — such as
// the test drivers under cmd/ — that need more than one heap instance
// at once.
package kheap

import (
	"io"
	"sync"

	"kheap/internal/kh"
	"kheap/internal/platform"
)

// Policy re-exports kh.Policy so callers never need to import the
// internal package directly.
type Policy = kh.Policy

const (
	FirstFit = kh.FirstFit
	NextFit  = kh.NextFit
	BestFit  = kh.BestFit
	WorstFit = kh.WorstFit
)

// Config re-exports kh.Config.
type Config = kh.Config

var (
	defaultOnce sync.Once
	defaultHeap *kh.Heap
)

// Init initializes the package-level default heap. It is idempotent:
// calling it more than once has no effect after the first call, so
// every kernel client can call it unconditionally before its first
// allocation.
func Init(cfg Config) {
	defaultOnce.Do(func() {
		defaultHeap = kh.New(cfg, &platform.FakePager{})
	})
}

// Alloc serves a request from the default heap. Init must have been
// called first.
func Alloc(nbytes uint32) (uintptr, bool) {
	return defaultHeap.Alloc(nbytes)
}

// Free releases a pointer previously returned by Alloc on the default
// heap.
func Free(ptr uintptr) {
	defaultHeap.Free(ptr)
}

// PrintBlocks dumps the default heap's blocks to w.
func PrintBlocks(w io.Writer) {
	defaultHeap.PrintBlocks(w)
}

// CheckInvariants checks the default heap's consistency properties.
func CheckInvariants() error {
	return defaultHeap.CheckInvariants()
}

// New constructs a standalone heap over its own arena and pager, for
// callers that need more than one instance (tests, multiple CLI
// drivers in one process).
func New(cfg Config, pager platform.Pager) *kh.Heap {
	return kh.New(cfg, pager)
}
