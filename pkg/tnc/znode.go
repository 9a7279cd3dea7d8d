// pkg/tnc/znode.go
package tnc

import (
	"nandfs/pkg/key"
)

// Znode flag bits
const (
	// flagDirty marks a znode that differs from its on-flash image
	flagDirty = 1 << iota
	// flagCow marks a znode snapshotted by the commit; it must be
	// copied before any mutation
	flagCow
	// flagObsolete marks a znode that is no longer reachable from the
	// current tree but is still referenced by the commit list
	flagObsolete
	// flagAlt marks a znode that had an insertion at slot zero, so its
	// on-flash image can no longer be found by its leftmost key alone
	flagAlt
)

// Zbranch is one slot of a znode: the key and on-flash position of a
// child index node or of a leaf node, plus the in-memory child (if
// loaded) and the cached leaf payload (directory entries only). A parent
// branch with Len == 0 refers to a child that exists only in memory.
type Zbranch struct {
	Key  key.Key
	Lnum int
	Offs int
	Len  int

	znode *Znode
	leaf  []byte
}

// Znode is one node of the in-memory index tree: a page of up to fanout
// branches. The slice holds one spare slot so insertion can overfill a
// znode before splitting it.
type Znode struct {
	parent   *Znode
	iip      int // index in parent's branch array
	level    int // 0 for leaf-level znodes
	childCnt int
	flags    uint8
	cnext    *Znode // commit list link
	time     int64
	zbranch  []Zbranch
}

func newZnode(fanout int) *Znode {
	return &Znode{zbranch: make([]Zbranch, fanout+1)}
}

func (z *Znode) dirty() bool    { return z.flags&flagDirty != 0 }
func (z *Znode) cow() bool      { return z.flags&flagCow != 0 }
func (z *Znode) obsolete() bool { return z.flags&flagObsolete != 0 }
func (z *Znode) alt() bool      { return z.flags&flagAlt != 0 }

// search finds the last branch whose key is not greater than k. It
// returns (slot, true) on an exact match, (slot of the closest smaller
// branch, false) otherwise, and (-1, false) if k is smaller than every
// key in the znode.
func (z *Znode) search(k key.Key) (int, bool) {
	beg, end := 0, z.childCnt
	for beg < end {
		mid := (beg + end) / 2
		switch key.Compare(k, z.zbranch[mid].Key) {
		case -1:
			end = mid
		case 1:
			beg = mid + 1
		default:
			return mid, true
		}
	}
	return beg - 1, false
}

// insertZbranch places zbr at slot n, shifting the tail right. Branch
// arrays have no gaps. Inserting at slot zero changes the znode's
// leftmost key, which is recorded in the ALT flag: if the znode is later
// split, its on-flash image can no longer be located by key and must go
// to the old-index tree first.
func (z *Znode) insertZbranch(zbr Zbranch, n int) {
	if z.level != 0 {
		for i := z.childCnt; i > n; i-- {
			z.zbranch[i] = z.zbranch[i-1]
			if z.zbranch[i].znode != nil {
				z.zbranch[i].znode.iip = i
			}
		}
		if zbr.znode != nil {
			zbr.znode.iip = n
		}
	} else {
		for i := z.childCnt; i > n; i-- {
			z.zbranch[i] = z.zbranch[i-1]
		}
	}
	z.zbranch[n] = zbr
	z.childCnt++

	// A znode that was empty had no leftmost key to lose (and no image
	// to misplace), so only a true displacement sets the flag
	if n == 0 && z.childCnt > 1 {
		z.flags |= flagAlt
	}
}

// correctParentKeys propagates a changed leftmost key up the tree. Called
// after an insertion at slot zero of a znode that is itself the leftmost
// child of its parent.
func correctParentKeys(z *Znode) {
	k := z.zbranch[0].Key
	for z.parent != nil && z.iip == 0 {
		z = z.parent
		if key.Compare(k, z.zbranch[0].Key) >= 0 {
			break
		}
		z.zbranch[0].Key = k
	}
}
