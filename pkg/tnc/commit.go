// pkg/tnc/commit.go
package tnc

import (
	"fmt"
	"sync/atomic"

	"nandfs/pkg/node"
)

// StartCommit pins the current tree for the commit writer: every dirty
// znode is linked onto the commit list, children before parents, and
// marked copy-on-write. Until EndCommit, mutations of pinned znodes go
// through cloning and the originals stay intact for the snapshot being
// written. Returns the number of pinned znodes.
func (t *TNC) StartCommit() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var head, tail *Znode
	cnt := 0
	var walk func(z *Znode)
	walk = func(z *Znode) {
		if z == nil || !z.dirty() {
			// A clean znode cannot have dirty descendants
			return
		}
		if z.level != 0 {
			for i := 0; i < z.childCnt; i++ {
				walk(z.zbranch[i].znode)
			}
		}
		z.flags |= flagCow
		if head == nil {
			head = z
		} else {
			tail.cnext = z
		}
		tail = z
		cnt++
	}
	walk(t.zroot.znode)
	t.cnext = head
	return cnt
}

// EndCommit writes the pinned snapshot out through the given writer and
// unpins the tree. The writer receives each znode as an index node to
// encode, children before parents, and returns where it landed. Obsoleted
// znodes on the commit list are dropped instead of written. When the
// commit is done the old-index set is destroyed: the index just written
// is the old index now. The ALT flag of every written znode is reset,
// since its image is findable by its current leftmost key again.
func (t *TNC) EndCommit(write func(idx *node.Idx) (lnum, offs, length int, err error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Drop the pinned originals that clones or deletions obsoleted;
	// the index being written is the current tree
	t.destroyCnext()

	if root := t.zroot.znode; root != nil && root.childCnt == 0 {
		// An empty tree has no image to write
		root.flags &^= flagCow
		t.destroyOldIdx()
		return nil
	}

	var commit func(z *Znode, pb *Zbranch) error
	commit = func(z *Znode, pb *Zbranch) error {
		if z == nil || !z.dirty() {
			// A clean znode cannot have dirty descendants and its
			// image is still valid
			return nil
		}
		if z.level != 0 {
			for i := 0; i < z.childCnt; i++ {
				if err := commit(z.zbranch[i].znode, &z.zbranch[i]); err != nil {
					return err
				}
			}
		}

		idx := &node.Idx{Level: z.level, Branches: make([]node.Branch, z.childCnt)}
		for i := 0; i < z.childCnt; i++ {
			zbr := &z.zbranch[i]
			if z.level != 0 && zbr.Len == 0 {
				return fmt.Errorf("child %d of level %d znode has no image after commit", i, z.level)
			}
			idx.Branches[i] = node.Branch{Key: zbr.Key, Lnum: zbr.Lnum, Offs: zbr.Offs, Len: zbr.Len}
		}
		lnum, offs, length, err := write(idx)
		if err != nil {
			return err
		}

		pb.Lnum, pb.Offs, pb.Len = lnum, offs, length
		t.calcIdxSz += int64(node.Align8(length))

		// The znode's image is findable by its leftmost key again
		z.flags &^= flagCow | flagDirty | flagAlt
		atomic.AddInt64(&t.dirtyCnt, -1)
		atomic.AddInt64(&t.cleanCnt, 1)
		atomic.AddInt64(&cleanZnCnt, 1)
		return nil
	}
	if err := commit(t.zroot.znode, &t.zroot); err != nil {
		return err
	}
	t.destroyOldIdx()
	return nil
}

// Root returns the on-flash position of the index root, for the master
// record written after a commit. This is the root's last written image,
// which dirtying the root in place leaves as it is; all zeros when the
// current root has no image.
func (t *TNC) Root() (lnum, offs, length int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zroot.Lnum, t.zroot.Offs, t.zroot.Len
}

// destroyCnext empties the commit list, dropping the obsolete znodes on
// it
func (t *TNC) destroyCnext() {
	for z := t.cnext; z != nil; {
		next := z.cnext
		z.cnext = nil
		if z.obsolete() {
			atomic.AddInt64(&t.cleanCnt, -1)
			atomic.AddInt64(&cleanZnCnt, -1)
		}
		z = next
	}
	t.cnext = nil
}

// destroySubtree frees a cached subtree and returns how many clean
// znodes it contained
func destroySubtree(z *Znode) int64 {
	if z == nil {
		return 0
	}
	var clean int64
	if z.level != 0 {
		for i := 0; i < z.childCnt; i++ {
			clean += destroySubtree(z.zbranch[i].znode)
			z.zbranch[i].znode = nil
		}
	} else {
		for i := 0; i < z.childCnt; i++ {
			lncFree(&z.zbranch[i])
		}
	}
	if !z.dirty() {
		clean++
	}
	return clean
}

// Close tears the cache down and releases every resource
func (t *TNC) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.destroyCnext()
	if t.zroot.znode != nil {
		cleanFreed := destroySubtree(t.zroot.znode)
		atomic.AddInt64(&cleanZnCnt, -cleanFreed)
		atomic.AddInt64(&t.cleanCnt, -cleanFreed)
		t.zroot.znode = nil
	}
	t.destroyOldIdx()
	t.closed = true
}
