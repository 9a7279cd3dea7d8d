// pkg/tnc/cow.go
package tnc

import (
	"fmt"
	"sort"
	"sync/atomic"

	"nandfs/pkg/node"
)

// oldIdxEntry records the on-flash position of an index node that was
// live at the previous commit but has since been obsoleted in memory.
// The old index must stay readable until the next commit completes, so
// the commit writer consults this set to avoid overwriting those nodes.
type oldIdxEntry struct {
	lnum int
	offs int
}

// insertOldIdx records an obsoleted index node position. The set is
// ordered by (lnum, offs), which uniquely identifies an index node.
func (t *TNC) insertOldIdx(lnum, offs int) error {
	if !t.geom.InMainArea(lnum) || offs < 0 || offs >= t.geom.LebSize {
		return fmt.Errorf("%w: old index position LEB %d:%d", node.ErrCorrupt, lnum, offs)
	}
	i := sort.Search(len(t.oldIdx), func(i int) bool {
		e := t.oldIdx[i]
		return e.lnum > lnum || (e.lnum == lnum && e.offs >= offs)
	})
	if i < len(t.oldIdx) && t.oldIdx[i] == (oldIdxEntry{lnum, offs}) {
		// Recorded twice: harmless, the set semantics absorb it
		return nil
	}
	t.oldIdx = append(t.oldIdx, oldIdxEntry{})
	copy(t.oldIdx[i+1:], t.oldIdx[i:])
	t.oldIdx[i] = oldIdxEntry{lnum, offs}
	return nil
}

// insertOldIdxZnode records the on-flash image of z, found through its
// parent branch (or the root branch), if it has one
func (t *TNC) insertOldIdxZnode(z *Znode) error {
	zbr := t.parentBranch(z)
	if zbr.Len != 0 {
		return t.insertOldIdx(zbr.Lnum, zbr.Offs)
	}
	return nil
}

// insClrOldIdxZnode records the on-flash image of z and then clears it
// from the parent branch, so nothing tries to locate the znode by the
// stale position again
func (t *TNC) insClrOldIdxZnode(z *Znode) error {
	zbr := t.parentBranch(z)
	if zbr.Len != 0 {
		if err := t.insertOldIdx(zbr.Lnum, zbr.Offs); err != nil {
			return err
		}
		zbr.Lnum, zbr.Offs, zbr.Len = 0, 0, 0
	}
	return nil
}

// parentBranch returns the branch referring to z: the parent slot at iip,
// or the root branch
func (t *TNC) parentBranch(z *Znode) *Zbranch {
	if z.parent != nil {
		return &z.parent.zbranch[z.iip]
	}
	return &t.zroot
}

// OldIdxContains reports whether the position of an obsoleted index node
// is recorded
func (t *TNC) OldIdxContains(lnum, offs int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.oldIdx), func(i int) bool {
		e := t.oldIdx[i]
		return e.lnum > lnum || (e.lnum == lnum && e.offs >= offs)
	})
	return i < len(t.oldIdx) && t.oldIdx[i] == (oldIdxEntry{lnum, offs})
}

// OldIdxLen returns the number of recorded obsoleted index nodes
func (t *TNC) OldIdxLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.oldIdx)
}

// destroyOldIdx empties the old-index set. Done when a commit completes:
// the newly written index becomes the old index.
func (t *TNC) destroyOldIdx() {
	t.oldIdx = nil
}

// copyZnode clones a znode pinned by the commit. The original keeps its
// branches for the committed snapshot and becomes obsolete; every loaded
// child is reparented to the clone.
func (t *TNC) copyZnode(z *Znode) *Znode {
	zn := newZnode(t.geom.Fanout)
	zn.parent = z.parent
	zn.iip = z.iip
	zn.level = z.level
	zn.childCnt = z.childCnt
	zn.time = z.time
	copy(zn.zbranch, z.zbranch)

	z.flags |= flagObsolete

	if z.level != 0 {
		for i := 0; i < zn.childCnt; i++ {
			if zbr := &zn.zbranch[i]; zbr.znode != nil {
				zbr.znode.parent = zn
			}
		}
	}

	zn.cnext = nil
	zn.flags = flagDirty
	atomic.AddInt64(&t.dirtyCnt, 1)

	// The original is retired: it only backs the commit snapshot now
	atomic.AddInt64(&t.dirtyCnt, -1)
	atomic.AddInt64(&t.cleanCnt, 1)
	atomic.AddInt64(&cleanZnCnt, 1)
	return zn
}

// addIdxDirt charges the obsoleted on-flash image of an index node to the
// LEB's dirty space and shrinks the estimated index size
func (t *TNC) addIdxDirt(lnum, dirt int) error {
	t.calcIdxSz -= int64(node.Align8(dirt))
	return t.lp.AddDirt(lnum, dirt)
}

// dirtyCow makes the znode behind zbr mutable. A znode that is not
// pinned by the commit is dirtied in place; a pinned one is cloned, the
// original goes obsolete and its image position is preserved in the
// old-index set.
func (t *TNC) dirtyCow(zbr *Zbranch) (*Znode, error) {
	z := zbr.znode
	if !z.cow() {
		if !z.dirty() {
			z.flags |= flagDirty
			atomic.AddInt64(&t.dirtyCnt, 1)
			atomic.AddInt64(&t.cleanCnt, -1)
			atomic.AddInt64(&cleanZnCnt, -1)
			if err := t.addIdxDirt(zbr.Lnum, zbr.Len); err != nil {
				return nil, err
			}
		}
		return z, nil
	}

	zn := t.copyZnode(z)
	if zbr.Len != 0 {
		if err := t.insertOldIdx(zbr.Lnum, zbr.Offs); err != nil {
			return nil, err
		}
		if err := t.addIdxDirt(zbr.Lnum, zbr.Len); err != nil {
			return nil, err
		}
	}
	zbr.znode = zn
	zbr.Lnum, zbr.Offs, zbr.Len = 0, 0, 0
	return zn, nil
}

// dirtyCowBottomUp dirties a znode found without walking down from the
// root, e.g. through a collision sweep or an index-node lookup. It
// records the path from z up to the first ancestor that is already dirty
// and unpinned, then walks back down dirtying each step, since dirtyCow
// replaces znodes and the path below a clone must be re-resolved.
func (t *TNC) dirtyCowBottomUp(z *Znode) (*Znode, error) {
	root, err := t.root()
	if err != nil {
		return nil, err
	}
	path := make([]int, 0, root.level+1)
	if root.level != 0 {
		// Go up until the parent is dirty and not on the commit list
		for {
			zp := z.parent
			if zp == nil {
				break
			}
			path = append(path, z.iip)
			if zp.cnext == nil && z.dirty() {
				break
			}
			z = zp
		}
	}

	// Come back down, dirtying as we go
	for {
		var zbr *Zbranch
		if zp := z.parent; zp != nil {
			zbr = &zp.zbranch[path[len(path)-1]]
			path = path[:len(path)-1]
		} else {
			zbr = &t.zroot
		}
		z, err = t.dirtyCow(zbr)
		if err != nil || len(path) == 0 {
			return z, err
		}
		z = z.zbranch[path[len(path)-1]].znode
	}
}
