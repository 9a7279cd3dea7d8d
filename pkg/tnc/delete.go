// pkg/tnc/delete.go
package tnc

import (
	"sync/atomic"
)

// tncDelete removes the leaf branch at slot n of z. Emptied znodes
// collapse upward, and a root left with a single non-leaf child is
// replaced by that child, shrinking the tree by one level.
func (t *TNC) tncDelete(z *Znode, n int) error {
	zbr := &z.zbranch[n]
	lncFree(zbr)

	if err := t.lp.AddDirt(zbr.Lnum, zbr.Len); err != nil {
		return err
	}

	// Branch slots have no gaps
	for i := n; i < z.childCnt-1; i++ {
		z.zbranch[i] = z.zbranch[i+1]
	}
	z.zbranch[z.childCnt-1] = Zbranch{}
	z.childCnt--

	if z.childCnt > 0 {
		return nil
	}

	// That was the last branch: unlink this znode from its parent, and
	// keep going while ancestors empty out
	for {
		zp := z.parent
		n = z.iip

		atomic.AddInt64(&t.dirtyCnt, -1)

		if err := t.insertOldIdxZnode(z); err != nil {
			return err
		}

		if z.cnext != nil {
			// The commit list still references this znode; it is
			// freed when the commit finishes with it
			z.flags |= flagObsolete
			atomic.AddInt64(&t.cleanCnt, 1)
			atomic.AddInt64(&cleanZnCnt, 1)
		}
		if zp == nil {
			// The tree is completely empty; start over with a
			// fresh root
			nz := newZnode(t.geom.Fanout)
			nz.flags = flagDirty
			atomic.AddInt64(&t.dirtyCnt, 1)
			t.zroot = Zbranch{znode: nz}
			return nil
		}
		z = zp
		if z.childCnt != 1 {
			break
		}
	}

	// Remove the unlinked child's branch from z
	z.childCnt--
	for i := n; i < z.childCnt; i++ {
		z.zbranch[i] = z.zbranch[i+1]
		if child := z.zbranch[i].znode; child != nil {
			child.iip = i
		}
	}
	z.zbranch[z.childCnt] = Zbranch{}

	// If the root is down to one child at a non-leaf level, pull the
	// child up
	if z.parent == nil {
		for z.childCnt == 1 && z.level != 0 {
			zp := z
			zbr := &z.zbranch[0]
			if _, err := t.getZnode(z, 0); err != nil {
				return err
			}
			child, err := t.dirtyCow(zbr)
			if err != nil {
				return err
			}
			child.parent = nil
			child.iip = 0
			if t.zroot.Len != 0 {
				if err := t.insertOldIdx(t.zroot.Lnum, t.zroot.Offs); err != nil {
					return err
				}
			}
			t.zroot = Zbranch{
				Key:   zbr.Key,
				Lnum:  zbr.Lnum,
				Offs:  zbr.Offs,
				Len:   zbr.Len,
				znode: child,
			}
			z = child

			atomic.AddInt64(&t.dirtyCnt, -1)
			if zp.cnext != nil {
				zp.flags |= flagObsolete
				atomic.AddInt64(&t.cleanCnt, 1)
				atomic.AddInt64(&cleanZnCnt, 1)
			}
		}
	}

	return nil
}
