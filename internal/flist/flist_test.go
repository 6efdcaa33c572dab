package flist_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kheap/internal/flist"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	l := flist.New(4096)

	p, ok := l.Alloc(64)
	require.True(t, ok)
	assert.NotZero(t, p)

	l.Free(p)
}

func TestAllocFailsWhenRequestExceedsCapacity(t *testing.T) {
	l := flist.New(256)

	_, ok := l.Alloc(1 << 20)
	assert.False(t, ok)
}

func TestAllocSplitsFromHighEnd(t *testing.T) {
	l := flist.New(4096)

	p1, ok := l.Alloc(100)
	require.True(t, ok)
	p2, ok := l.Alloc(100)
	require.True(t, ok)

	assert.NotEqual(t, p1, p2)
	assert.Less(t, p2, p1, "the second block is carved below the first")
}

func TestFreeMergesAdjacentBlocks(t *testing.T) {
	l := flist.New(4096)

	p1, ok := l.Alloc(200)
	require.True(t, ok)
	p2, ok := l.Alloc(200)
	require.True(t, ok)
	p3, ok := l.Alloc(200)
	require.True(t, ok)

	l.Free(p1)
	l.Free(p3)
	l.Free(p2)

	// Everything should have merged back into one block spanning (close
	// to) the whole backing region; a large allocation should succeed.
	big, ok := l.Alloc(3000)
	assert.True(t, ok)
	_ = big
}

func TestExhaustionAndRecovery(t *testing.T) {
	l := flist.New(512)

	var ptrs []uintptr
	for {
		p, ok := l.Alloc(32)
		if !ok {
			break
		}
		ptrs = append(ptrs, p)
	}
	require.NotEmpty(t, ptrs)

	for _, p := range ptrs {
		l.Free(p)
	}

	// After freeing everything the list should have collapsed back down
	// and be able to serve a fresh round of the same requests.
	again, ok := l.Alloc(32)
	assert.True(t, ok)
	_ = again
}

func TestConcurrentAllocFreeIsSerializedBySpinLock(t *testing.T) {
	l := flist.New(1 << 16)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				p, ok := l.Alloc(16)
				if ok {
					l.Free(p)
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
