package rb

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// newTestTree allocates a tree's two required node slots on the Go
// heap (not through blk.Arena, which rb intentionally knows nothing
// about) and wires them into a fresh Tree keyed by address.
func newTestTree() *Tree {
	nilSlot := &Node{}
	rootSlot := &Node{}
	return NewTree(nilSlot, rootSlot, 0, 1<<20, true, ByAddr)
}

func insertBlock(t *Tree, addr, size uint32, free bool) *Node {
	n := &Node{}
	InitNode(n, addr, size, free, Red)
	t.Insert(n)
	return n
}

func TestInsertAndFind(t *testing.T) {
	Convey("Given an empty address tree seeded with one free block", t, func() {
		tree := newTestTree()

		Convey("Then the root carries the seed block", func() {
			So(tree.Root().Addr, ShouldEqual, uint32(0))
			So(tree.Root().Size, ShouldEqual, uint32(1<<20))
		})

		Convey("When splitting off a block at offset 100", func() {
			tree.Root().Size = 100
			n := insertBlock(tree, 100, 50, false)

			Convey("Then Find locates it by address", func() {
				found := tree.Find(&Node{Addr: 100})
				So(found, ShouldEqual, n)
			})

			Convey("Then Find for a missing address returns the sentinel", func() {
				found := tree.Find(&Node{Addr: 999})
				So(tree.Nil(found), ShouldBeTrue)
			})

			Convey("Then an in-order walk visits both blocks in address order", func() {
				var addrs []uint32
				for x := tree.GetMin(); !tree.Nil(x); x = tree.Step(x) {
					addrs = append(addrs, x.Addr)
				}
				So(addrs, ShouldResemble, []uint32{0, 100})
			})
		})
	})
}

func TestInsertManyPreservesRedBlackInvariants(t *testing.T) {
	Convey("Given a tree with many distinct addresses inserted", t, func() {
		tree := newTestTree()
		tree.Root().Size = 10

		addrs := []uint32{80, 40, 120, 20, 60, 100, 140, 10, 30, 50, 70, 90, 110, 130, 150}
		for _, a := range addrs {
			insertBlock(tree, a, 5, true)
		}

		Convey("Then CheckViolation reports no violation", func() {
			_, err := tree.CheckViolation(tree.Root())
			So(err, ShouldBeNil)
		})

		Convey("Then every inserted address is findable", func() {
			for _, a := range addrs {
				found := tree.Find(&Node{Addr: a})
				So(tree.Nil(found), ShouldBeFalse)
				So(found.Addr, ShouldEqual, a)
			}
		})
	})
}

func TestRemoveContentSwapPreservesPayload(t *testing.T) {
	Convey("Given a tree where a two-children node must be removed", t, func() {
		tree := newTestTree()
		tree.Root().Size = 10

		addrs := []uint32{50, 30, 70, 20, 40, 60, 80}
		nodes := make(map[uint32]*Node, len(addrs))
		for _, a := range addrs {
			nodes[a] = insertBlock(tree, a, 5, true)
		}

		Convey("When removing the node with two children", func() {
			target := nodes[50]
			detached := tree.Remove(target)

			Convey("Then the detached node carries address 50's original payload", func() {
				So(detached.Addr, ShouldEqual, uint32(50))
				So(detached.Size, ShouldEqual, uint32(5))
			})

			Convey("Then address 50 is no longer reachable", func() {
				found := tree.Find(&Node{Addr: 50})
				So(tree.Nil(found), ShouldBeTrue)
			})

			Convey("Then every other address is still reachable and invariants hold", func() {
				for _, a := range addrs {
					if a == 50 {
						continue
					}
					found := tree.Find(&Node{Addr: a})
					So(tree.Nil(found), ShouldBeFalse)
				}
				_, err := tree.CheckViolation(tree.Root())
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestRemoveEveryNodeInSequence(t *testing.T) {
	Convey("Given a tree populated with addresses inserted in ascending order", t, func() {
		tree := newTestTree()
		tree.Root().Size = 4

		addrs := []uint32{4, 8, 12, 16, 20, 24, 28, 32, 36, 40, 44, 48}
		nodes := make([]*Node, 0, len(addrs))
		nodes = append(nodes, tree.Root())
		for _, a := range addrs[1:] {
			nodes = append(nodes, insertBlock(tree, a, 4, true))
		}

		Convey("When every node is removed one at a time, checking invariants each time", func() {
			for i, n := range nodes {
				detached := tree.Remove(n)
				So(detached, ShouldNotBeNil)

				if i < len(nodes)-1 {
					_, err := tree.CheckViolation(tree.Root())
					So(err, ShouldBeNil)
				}
			}

			Convey("Then the tree is left empty", func() {
				So(tree.Nil(tree.Root()), ShouldBeTrue)
			})
		})
	})
}

func TestBySizeComparatorOrdersBySizeThenAddress(t *testing.T) {
	Convey("Given a size-keyed tree with two blocks of equal size", t, func() {
		nilSlot := &Node{}
		rootSlot := &Node{}
		tree := NewTree(nilSlot, rootSlot, 0, 32, true, BySize)

		insertBlock(tree, 64, 32, true)

		Convey("Then walking the tree in order breaks size ties by address", func() {
			var prev *Node
			for x := tree.GetMin(); !tree.Nil(x); x = tree.Step(x) {
				if prev != nil && prev.Size == x.Size {
					So(prev.Addr, ShouldBeLessThan, x.Addr)
				}
				prev = x
			}
		})
	})
}

func TestStepBackIsTheReverseOfStep(t *testing.T) {
	Convey("Given a tree with several blocks", t, func() {
		tree := newTestTree()
		tree.Root().Size = 10
		for _, a := range []uint32{10, 20, 30, 40, 50} {
			insertBlock(tree, a, 5, true)
		}

		Convey("Then stepping forward from min to max and back again visits every node", func() {
			max := tree.GetMax()
			x := max
			var backward []uint32
			for !tree.Nil(x) {
				backward = append(backward, x.Addr)
				x = tree.StepBack(x)
			}

			var forward []uint32
			for y := tree.GetMin(); !tree.Nil(y); y = tree.Step(y) {
				forward = append(forward, y.Addr)
			}

			So(len(backward), ShouldEqual, len(forward))
			for i := range forward {
				So(forward[i], ShouldEqual, backward[len(backward)-1-i])
			}
		})
	})
}
