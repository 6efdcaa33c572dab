package kh

// Policy selects the placement strategy used by Alloc to pick a
// candidate free block among those large enough to satisfy a request.
//
// This is a runtime enum rather than a compile-time switch so that all
// four policies can be exercised, and unit tested, from one binary.
type Policy int

const (
	// FirstFit walks the address tree in order and takes the first free
	// block large enough.
	FirstFit Policy = iota + 1
	// NextFit behaves like FirstFit but starts its walk at the block the
	// previous allocation was taken from, wrapping around once. The walk
	// starts at the lowest block instead after any coalescing Free.
	NextFit
	// BestFit walks the size tree from smallest and takes the first free
	// block large enough (the tightest fit).
	BestFit
	// WorstFit walks the size tree from largest and takes the first free
	// block large enough (the loosest fit).
	WorstFit
)

func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown-policy"
	}
}
