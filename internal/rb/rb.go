// Package rb implements a generic, offset-linked red-black tree.
//
// Node links are stored as signed 32-bit offsets from a fixed base
// address captured once per tree (the offset origin), rather than as
// ordinary Go pointers. This mirrors the source kernel's design, where
// tree links had to survive relocation and compress to 32 bits; here it
// also means a *Node's three link fields are plain, comparable integers
// that a caller can copy, persist, or inspect without chasing pointers.
//
// The tree itself does no locking: callers sharing a *Tree across
// goroutines must serialize access externally, exactly as spec'd.
package rb

import (
	"unsafe"

	"kheap/internal/kherr"
)

// Color is a node's red-black color.
type Color int8

const (
	Black Color = iota
	Red
)

// Node is one tree entry: the red-black linkage plus the block payload
// it describes. Two Nodes exist per heap block (one per tree); the
// payload fields are kept in sync by the heap allocator, not by this
// package.
type Node struct {
	parent, left, right int32 // offsets from the owning Tree's base

	Addr uint32
	Size uint32
	Free bool

	color Color
}

// Cmp orders two nodes. Ties are resolved by descending right on
// insert, so a Cmp that returns 0 for non-identical nodes is safe.
// Neither comparator below does so for distinct blocks: BySize breaks
// equal sizes by address.
type Cmp func(a, b *Node) int

// ByAddr orders nodes by block address. Block addresses are unique, so
// this is a strict order.
func ByAddr(a, b *Node) int {
	switch {
	case a.Addr < b.Addr:
		return -1
	case a.Addr > b.Addr:
		return 1
	default:
		return 0
	}
}

// BySize orders nodes lexicographically by (size, addr), so that
// equal-size blocks remain distinguishable entries in the size tree
// instead of collapsing into ties. This is the tie-breaker the later,
// authoritative revision of the source uses; an earlier revision
// compared only by size, which silently treats distinct same-size
// blocks as identical in a way that equal() checks and iteration must
// not assume here.
func BySize(a, b *Node) int {
	if a.Size != b.Size {
		if a.Size < b.Size {
			return -1
		}
		return 1
	}
	return ByAddr(a, b)
}

// Tree is an ordered, balanced container of *Node, keyed by Cmp.
type Tree struct {
	base uintptr
	nilN *Node
	root *Node
	cmp  Cmp
}

// NewTree initializes a tree in the given sentinel and root slots.
// nilSlot becomes the sentinel (black, self-linked); rootSlot becomes
// the initial root, pre-populated with addr/size/free describing the
// single block the tree starts out covering.
func NewTree(nilSlot, rootSlot *Node, addr, size uint32, free bool, cmp Cmp) *Tree {
	t := &Tree{
		base: uintptr(unsafe.Pointer(nilSlot)),
		nilN: nilSlot,
		cmp:  cmp,
	}

	// The sentinel's own address is the tree's base, so an offset of 0
	// always means "nil": get_link(nil) == nil falls out for free.
	nilSlot.parent, nilSlot.left, nilSlot.right = 0, 0, 0
	nilSlot.color = Black

	InitNode(rootSlot, addr, size, free, Black)
	t.root = rootSlot

	return t
}

// InitNode writes a node's payload and resets its links to nil. Callers
// obtain the slot from the arena before calling this.
func InitNode(n *Node, addr, size uint32, free bool, color Color) {
	n.parent, n.left, n.right = 0, 0, 0
	n.Addr, n.Size, n.Free = addr, size, free
	n.color = color
}

// Nil reports whether n is this tree's sentinel.
func (t *Tree) Nil(n *Node) bool { return n == t.nilN }

// NilNode returns the tree's sentinel node.
func (t *Tree) NilNode() *Node { return t.nilN }

// Root returns the tree's current root (possibly the sentinel, if
// empty).
func (t *Tree) Root() *Node { return t.root }

func (t *Tree) at(off int32) *Node {
	return (*Node)(unsafe.Pointer(t.base + uintptr(off)))
}

func (t *Tree) offsetOf(n *Node) int32 {
	return int32(uintptr(unsafe.Pointer(n)) - t.base)
}

// Parent, Left, Right dereference a node's offset links.
func (t *Tree) Parent(n *Node) *Node { return t.at(n.parent) }
func (t *Tree) Left(n *Node) *Node   { return t.at(n.left) }
func (t *Tree) Right(n *Node) *Node  { return t.at(n.right) }

func (t *Tree) setParent(n, v *Node) { n.parent = t.offsetOf(v) }
func (t *Tree) setLeft(n, v *Node)   { n.left = t.offsetOf(v) }
func (t *Tree) setRight(n, v *Node)  { n.right = t.offsetOf(v) }

// ColorOf returns a node's color; the sentinel is always Black.
func (t *Tree) ColorOf(n *Node) Color {
	if t.Nil(n) {
		return Black
	}
	return n.color
}

func (t *Tree) setColor(n *Node, c Color) {
	if t.Nil(n) {
		return
	}
	n.color = c
}

// Min returns the minimum node in the subtree rooted at x.
func (t *Tree) Min(x *Node) *Node {
	for !t.Nil(t.Left(x)) {
		x = t.Left(x)
	}
	return x
}

// Max returns the maximum node in the subtree rooted at x.
func (t *Tree) Max(x *Node) *Node {
	for !t.Nil(t.Right(x)) {
		x = t.Right(x)
	}
	return x
}

// GetMin, GetMax return the tree-wide min/max, or the sentinel if the
// tree is empty.
func (t *Tree) GetMin() *Node { return t.Min(t.root) }
func (t *Tree) GetMax() *Node { return t.Max(t.root) }

// Find walks the tree from the root using the tree's comparator,
// looking for a node comparing equal to key. key need not be a node
// already in the tree: only the fields the comparator reads (Addr, or
// Size+Addr) need to be populated.
func (t *Tree) Find(key *Node) *Node {
	x := t.root
	for !t.Nil(x) {
		c := t.cmp(key, x)
		switch {
		case c < 0:
			x = t.Left(x)
		case c > 0:
			x = t.Right(x)
		default:
			return x
		}
	}
	return t.nilN
}

// Step returns the in-order successor of x, or the sentinel past the
// end.
func (t *Tree) Step(x *Node) *Node {
	if !t.Nil(t.Right(x)) {
		return t.Min(t.Right(x))
	}
	y := t.Parent(x)
	for !t.Nil(y) && x == t.Right(y) {
		x = y
		y = t.Parent(y)
	}
	return y
}

// StepBack returns the in-order predecessor of x, or the sentinel past
// the beginning.
func (t *Tree) StepBack(x *Node) *Node {
	if !t.Nil(t.Left(x)) {
		return t.Max(t.Left(x))
	}
	y := t.Parent(x)
	for !t.Nil(y) && x == t.Left(y) {
		x = y
		y = t.Parent(y)
	}
	return y
}

func (t *Tree) rotateLeft(x *Node) {
	y := t.Right(x)
	t.setRight(x, t.Left(y))
	if !t.Nil(t.Left(y)) {
		t.setParent(t.Left(y), x)
	}
	t.setParent(y, t.Parent(x))
	switch {
	case t.Nil(t.Parent(x)):
		t.root = y
	case x == t.Left(t.Parent(x)):
		t.setLeft(t.Parent(x), y)
	default:
		t.setRight(t.Parent(x), y)
	}
	t.setLeft(y, x)
	t.setParent(x, y)
}

func (t *Tree) rotateRight(x *Node) {
	y := t.Left(x)
	t.setLeft(x, t.Right(y))
	if !t.Nil(t.Right(y)) {
		t.setParent(t.Right(y), x)
	}
	t.setParent(y, t.Parent(x))
	switch {
	case t.Nil(t.Parent(x)):
		t.root = y
	case x == t.Right(t.Parent(x)):
		t.setRight(t.Parent(x), y)
	default:
		t.setLeft(t.Parent(x), y)
	}
	t.setRight(y, x)
	t.setParent(x, y)
}

// Insert adds node z (already InitNode-ed) to the tree. Ties descend
// right, so duplicates (same key, distinct node) are permitted.
func (t *Tree) Insert(z *Node) {
	y := t.nilN
	x := t.root
	for !t.Nil(x) {
		y = x
		if t.cmp(z, x) < 0 {
			x = t.Left(x)
		} else {
			x = t.Right(x)
		}
	}
	t.setParent(z, y)
	switch {
	case t.Nil(y):
		t.root = z
	case t.cmp(z, y) < 0:
		t.setLeft(y, z)
	default:
		t.setRight(y, z)
	}
	t.setLeft(z, t.nilN)
	t.setRight(z, t.nilN)
	t.setColor(z, Red)
	t.insertFixup(z)
}

func (t *Tree) insertFixup(z *Node) {
	for t.ColorOf(t.Parent(z)) == Red {
		p := t.Parent(z)
		gp := t.Parent(p)
		if p == t.Left(gp) {
			u := t.Right(gp)
			if t.ColorOf(u) == Red {
				t.setColor(p, Black)
				t.setColor(u, Black)
				t.setColor(gp, Red)
				z = gp
				continue
			}
			if z == t.Right(p) {
				z = p
				t.rotateLeft(z)
				p = t.Parent(z)
				gp = t.Parent(p)
			}
			t.setColor(p, Black)
			t.setColor(gp, Red)
			t.rotateRight(gp)
		} else {
			u := t.Left(gp)
			if t.ColorOf(u) == Red {
				t.setColor(p, Black)
				t.setColor(u, Black)
				t.setColor(gp, Red)
				z = gp
				continue
			}
			if z == t.Left(p) {
				z = p
				t.rotateRight(z)
				p = t.Parent(z)
				gp = t.Parent(p)
			}
			t.setColor(p, Black)
			t.setColor(gp, Red)
			t.rotateLeft(gp)
		}
	}
	t.setColor(t.root, Black)
}

// replaceChild transplants v into u's position under parent. parent may
// be the sentinel (u was the root); v may be the sentinel (u had no
// such child). Writing v's parent link even when v is the sentinel is
// intentional: deleteFixup reads it back via t.Parent(x) for the
// duration of the fixup, the standard technique for letting a single
// shared sentinel stand in for "no node" during delete.
func (t *Tree) replaceChild(u, v, parent *Node) {
	switch {
	case t.Nil(parent):
		t.root = v
	case u == t.Left(parent):
		t.setLeft(parent, v)
	default:
		t.setRight(parent, v)
	}
	t.setParent(v, parent)
}

// Remove detaches z from the tree.
//
// The two-children case is resolved by content swap with the in-order
// successor: only the payload (Addr, Size, Free) moves, never links.
// This means z's *Node identity never leaves the tree structurally —
// its successor's slot is what gets physically unlinked and is what the
// caller must return to the arena.
//
// Remove returns the *Node whose slot is now detached from the tree and
// safe to free; it is not always z.
func (t *Tree) Remove(z *Node) *Node {
	target := z
	if !t.Nil(t.Left(z)) && !t.Nil(t.Right(z)) {
		succ := t.Min(t.Right(z))
		z.Addr, succ.Addr = succ.Addr, z.Addr
		z.Size, succ.Size = succ.Size, z.Size
		z.Free, succ.Free = succ.Free, z.Free
		target = succ
	}

	child := t.Left(target)
	if t.Nil(child) {
		child = t.Right(target)
	}
	parent := t.Parent(target)
	removedColor := t.ColorOf(target)

	t.replaceChild(target, child, parent)

	if removedColor == Black {
		t.deleteFixup(child, parent)
	}

	return target
}

// deleteFixup restores the red-black properties after a black node has
// been removed. x is the node that moved into the removed node's place
// (possibly the sentinel); parent is x's parent immediately after the
// removal (needed because x itself may be the shared sentinel, whose
// own parent link was just overwritten by replaceChild for exactly this
// purpose).
//
// The sibling-red case rotates once, recolors, and recurses with the
// new sibling — not the double rotation seen in one revision of the
// source, which would over-rotate and is not reproduced here.
func (t *Tree) deleteFixup(x, parent *Node) {
	for x != t.root && t.ColorOf(x) == Black {
		if x == t.Left(parent) {
			w := t.Right(parent)
			if t.ColorOf(w) == Red {
				t.setColor(w, Black)
				t.setColor(parent, Red)
				t.rotateLeft(parent)
				w = t.Right(parent)
			}
			if t.ColorOf(t.Left(w)) == Black && t.ColorOf(t.Right(w)) == Black {
				t.setColor(w, Red)
				x = parent
				parent = t.Parent(x)
				continue
			}
			if t.ColorOf(t.Right(w)) == Black {
				t.setColor(t.Left(w), Black)
				t.setColor(w, Red)
				t.rotateRight(w)
				w = t.Right(parent)
			}
			t.setColor(w, t.ColorOf(parent))
			t.setColor(parent, Black)
			t.setColor(t.Right(w), Black)
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := t.Left(parent)
			if t.ColorOf(w) == Red {
				t.setColor(w, Black)
				t.setColor(parent, Red)
				t.rotateRight(parent)
				w = t.Left(parent)
			}
			if t.ColorOf(t.Right(w)) == Black && t.ColorOf(t.Left(w)) == Black {
				t.setColor(w, Red)
				x = parent
				parent = t.Parent(x)
				continue
			}
			if t.ColorOf(t.Left(w)) == Black {
				t.setColor(t.Right(w), Black)
				t.setColor(w, Red)
				t.rotateLeft(w)
				w = t.Left(parent)
			}
			t.setColor(w, t.ColorOf(parent))
			t.setColor(parent, Black)
			t.setColor(t.Left(w), Black)
			t.rotateRight(parent)
			x = t.root
		}
	}
	t.setColor(x, Black)
}

// CheckViolation walks the subtree rooted at root and verifies the
// red-black invariants: the tree's root is black (checked when root is
// the tree's own root), no red node has a red
// child, and every root-to-leaf path has the same black height. It
// returns the black height of root, or an error describing the first
// violation found.
func (t *Tree) CheckViolation(root *Node) (int, error) {
	if t.Nil(root) {
		return 0, nil
	}
	if root == t.root && t.ColorOf(root) != Black {
		return 0, violation("root is not black")
	}
	return t.checkSubtree(root)
}

func (t *Tree) checkSubtree(n *Node) (int, error) {
	if t.Nil(n) {
		return 0, nil
	}
	if t.ColorOf(n) == Red {
		if t.ColorOf(t.Left(n)) == Red || t.ColorOf(t.Right(n)) == Red {
			return 0, violation("red node with a red child")
		}
	}
	lh, err := t.checkSubtree(t.Left(n))
	if err != nil {
		return 0, err
	}
	rh, err := t.checkSubtree(t.Right(n))
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, violation("unequal black height between left and right subtrees")
	}
	bh := lh
	if t.ColorOf(n) == Black {
		bh++
	}
	return bh, nil
}

func violation(msg string) error { return kherr.Invariant(msg) }
