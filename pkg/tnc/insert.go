// pkg/tnc/insert.go
package tnc

import (
	"sync/atomic"

	"nandfs/pkg/key"
)

// tncInsert inserts zbr into z at slot n, splitting z and its ancestors
// as needed
func (t *TNC) tncInsert(z *Znode, zbr Zbranch, n int) error {
	appending := false
	for {
		zp := z.parent
		if z.childCnt < t.geom.Fanout {
			z.insertZbranch(zbr, n)

			// Ensure the parent's key is correct
			if n == 0 && zp != nil && z.iip == 0 {
				correctParentKeys(z)
			}
			return nil
		}

		// No free slot, split the znode
		if z.alt() {
			// We can no longer be sure of finding this znode by
			// key, so record its image in the old-index set
			if err := t.insClrOldIdxZnode(z); err != nil {
				return err
			}
		}

		zn := newZnode(t.geom.Fanout)
		zn.parent = zp
		zn.level = z.level

		// An inode being appended produces data keys in consecutive
		// block order, and nothing can ever be inserted between
		// consecutive blocks. Splitting in the middle would waste
		// half of every leaf znode, so the new branch goes into an
		// otherwise empty right sibling instead.
		if z.level == 0 && n == t.geom.Fanout && zbr.Key.Type() == key.TypeData {
			prev := z.zbranch[n-1].Key
			if prev.Inum() == zbr.Key.Inum() &&
				prev.Type() == key.TypeData &&
				prev.Block() == zbr.Key.Block()-1 {
				appending = true
			}
		}

		var keep, move int
		if appending {
			keep, move = t.geom.Fanout, 0
		} else {
			keep = (t.geom.Fanout + 1) / 2
			move = t.geom.Fanout - keep
		}

		var zi *Znode
		if n < keep {
			// Insert into the existing znode
			zi = z
			move++
			keep--
		} else {
			// Insert into the new znode
			zi = zn
			n -= keep
			if zn.level != 0 && zbr.znode != nil {
				zbr.znode.parent = zn
			}
		}

		zn.flags |= flagDirty
		atomic.AddInt64(&t.dirtyCnt, 1)

		zn.childCnt = move
		z.childCnt = keep

		for i := 0; i < move; i++ {
			zn.zbranch[i] = z.zbranch[keep+i]
			if zn.level != 0 {
				if child := zn.zbranch[i].znode; child != nil {
					child.parent = zn
					child.iip = i
				}
			}
		}

		zi.insertZbranch(zbr, n)

		if zp != nil {
			if n == 0 && zi == z && z.iip == 0 {
				correctParentKeys(z)
			}

			// Insert the new sibling's separator into the parent.
			// The append shape carries upward only while the
			// separator also lands in the rightmost slot.
			n = z.iip + 1
			if appending && n != t.geom.Fanout {
				appending = false
			}
			zbr = Zbranch{Key: zn.zbranch[0].Key, znode: zn}
			z = zp
			continue
		}

		// The root was split: grow the tree by one level. The old
		// root keeps its on-flash image, referenced from the new
		// root's first branch.
		zi = newZnode(t.geom.Fanout)
		zi.childCnt = 2
		zi.level = z.level + 1

		zi.flags |= flagDirty
		atomic.AddInt64(&t.dirtyCnt, 1)

		zi.zbranch[0] = Zbranch{
			Key:   z.zbranch[0].Key,
			Lnum:  t.zroot.Lnum,
			Offs:  t.zroot.Offs,
			Len:   t.zroot.Len,
			znode: z,
		}
		zi.zbranch[1] = Zbranch{Key: zn.zbranch[0].Key, znode: zn}

		t.zroot = Zbranch{znode: zi}

		zn.parent = zi
		zn.iip = 1
		z.parent = zi
		z.iip = 0
		return nil
	}
}
