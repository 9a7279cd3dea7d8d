// pkg/tnc/cow_test.go
package tnc

import (
	"errors"
	"testing"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// idxWriter bump-allocates index node images in one main-area LEB
type idxWriter struct {
	f    *testFS
	lnum int
	offs int
}

func newIdxWriter(f *testFS) *idxWriter {
	return &idxWriter{f: f, lnum: f.geom.LebCount - 1}
}

func (w *idxWriter) write(idx *node.Idx) (int, int, int, error) {
	idx.Sqnum = w.f.nextSqnum()
	raw := idx.Encode()
	if err := w.f.m.WriteLeb(w.lnum, w.offs, raw); err != nil {
		return 0, 0, 0, err
	}
	lnum, offs := w.lnum, w.offs
	w.offs += node.Align8(len(raw))
	return lnum, offs, len(raw), nil
}

// Pinning the tree forces every mutation through copy-on-write: the
// original znodes keep their branches for the snapshot
func TestCowUnderCommit(t *testing.T) {
	f := newTestFS(t)
	for blk := uint32(0); blk < 20; blk++ {
		f.addData(4, blk)
	}

	pinned := f.tnc.StartCommit()
	if pinned == 0 {
		t.Fatal("nothing pinned by a dirty tree")
	}
	origRoot := f.tnc.zroot.znode
	origCnt := origRoot.childCnt

	// Mutate a pinned tree
	f.addData(9, 0)

	newRoot := f.tnc.zroot.znode
	if newRoot == origRoot {
		t.Fatal("pinned root was mutated in place")
	}
	if !origRoot.obsolete() {
		t.Fatal("replaced original is not marked obsolete")
	}
	if origRoot.childCnt != origCnt {
		t.Fatal("original lost branches after the clone")
	}
	if origRoot.cow() == false {
		t.Fatal("original lost its pin")
	}

	if _, err := f.tnc.Lookup(key.DataKey(9, 0)); err != nil {
		t.Fatalf("key inserted during commit not found: %v", err)
	}
	if _, err := f.tnc.Lookup(key.DataKey(4, 7)); err != nil {
		t.Fatalf("pre-commit key lost: %v", err)
	}
}

// A mutation of a pinned znode that has an on-flash image must preserve
// the image's position in the old-index set
func TestCowRecordsOldIndex(t *testing.T) {
	f := newTestFS(t)
	for blk := uint32(0); blk < 20; blk++ {
		f.addData(4, blk)
	}

	// First commit gives every znode an image
	f.tnc.StartCommit()
	w := newIdxWriter(f)
	if err := f.tnc.EndCommit(w.write); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if f.tnc.OldIdxLen() != 0 {
		t.Fatal("old-index set not emptied by the commit")
	}
	rootLnum, rootOffs := f.tnc.zroot.Lnum, f.tnc.zroot.Offs
	if f.tnc.zroot.Len == 0 {
		t.Fatal("commit did not record the root image")
	}

	// Dirty the root path in place: the images stay referenced and
	// findable by key, so nothing needs the old-index set yet
	f.addData(4, 50)
	if f.tnc.OldIdxLen() != 0 {
		t.Fatal("in-place dirtying must not touch the old-index set")
	}

	// Pin the dirty path and mutate it: the clone cuts the znodes
	// loose from their written images, which must stay protected
	// until the next commit completes
	f.tnc.StartCommit()
	f.addData(4, 51)

	if !f.tnc.OldIdxContains(rootLnum, rootOffs) {
		t.Fatal("old root image not recorded in the old-index set")
	}

	if err := f.tnc.EndCommit(w.write); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if f.tnc.OldIdxLen() != 0 {
		t.Fatal("old-index set survived the commit")
	}
}

// A committed index must be readable back from the media by a fresh tree
func TestCommitAndReload(t *testing.T) {
	f := newTestFS(t)
	for blk := uint32(0); blk < 30; blk++ {
		f.addData(11, blk)
	}
	f.addIno(11)
	f.addDent(1, "file", 11)

	f.tnc.StartCommit()
	w := newIdxWriter(f)
	if err := f.tnc.EndCommit(w.write); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	reopened, err := New(Config{
		Geom:     f.geom,
		Media:    f.m,
		Lprops:   f.lp,
		RootLnum: f.tnc.zroot.Lnum,
		RootOffs: f.tnc.zroot.Offs,
		RootLen:  f.tnc.zroot.Len,
	})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	for blk := uint32(0); blk < 30; blk++ {
		if _, err := reopened.Lookup(key.DataKey(11, blk)); err != nil {
			t.Fatalf("block %d lost across commit: %v", blk, err)
		}
	}
	if _, err := reopened.LookupNm(key.DentKey(1, key.NameHash("file")), "file"); err != nil {
		t.Fatalf("entry lost across commit: %v", err)
	}
	if _, err := reopened.Lookup(key.DataKey(11, 99)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("phantom key after reload: %v", err)
	}

	// Loaded znodes are clean
	if reopened.DirtyCount() != 0 {
		t.Fatalf("freshly loaded tree has %d dirty znodes", reopened.DirtyCount())
	}
	if reopened.CleanCount() == 0 {
		t.Fatal("no clean znodes counted after loading")
	}
}

// The ALT flag must not survive a commit: once the image is rewritten it
// is findable by its leftmost key again
func TestCommitClearsAlt(t *testing.T) {
	f := newTestFS(t)
	// Grow a multi-znode tree, then prepend a smaller key to set ALT
	for blk := uint32(10); blk < 30; blk++ {
		f.addData(5, blk)
	}
	f.addData(5, 0)

	var altSeen func(z *Znode) bool
	altSeen = func(z *Znode) bool {
		if z == nil {
			return false
		}
		if z.alt() {
			return true
		}
		for i := 0; i < z.childCnt; i++ {
			if altSeen(z.zbranch[i].znode) {
				return true
			}
		}
		return false
	}
	if !altSeen(f.tnc.zroot.znode) {
		t.Fatal("insert at slot zero did not set ALT")
	}

	f.tnc.StartCommit()
	w := newIdxWriter(f)
	if err := f.tnc.EndCommit(w.write); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if altSeen(f.tnc.zroot.znode) {
		t.Fatal("ALT leaked through the commit")
	}
}

// Splitting a znode with ALT set records its image in the old-index set
// and clears the stale parent reference: the image's leftmost key no
// longer finds the znode, so only the position can identify it
func TestAltSplitGoesToOldIndex(t *testing.T) {
	f := newTestFS(t)
	for blk := uint32(8); blk < 19; blk++ {
		f.addData(3, blk)
	}

	// Commit so the leaves have images
	f.tnc.StartCommit()
	w := newIdxWriter(f)
	if err := f.tnc.EndCommit(w.write); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Prepending block 4 splits the full leftmost leaf and lands at
	// its slot zero, setting ALT. The leaf keeps its on-flash image.
	f.addData(3, 4)

	root := f.tnc.zroot.znode
	leaf := root.zbranch[0].znode
	if leaf == nil || !leaf.alt() {
		t.Fatal("expected ALT on the leftmost leaf")
	}
	imgLnum := root.zbranch[0].Lnum
	imgOffs := root.zbranch[0].Offs
	imgLen := root.zbranch[0].Len
	if imgLen == 0 {
		t.Fatal("in-place dirtying must keep the on-flash image")
	}

	// Fill the ALT leaf until it splits again
	for _, blk := range []uint32{5, 6, 7, 0, 1} {
		f.addData(3, blk)
	}

	if !f.tnc.OldIdxContains(imgLnum, imgOffs) {
		t.Fatal("ALT znode's image not recorded in the old-index set")
	}
	if root.zbranch[0].Len == imgLen && root.zbranch[0].Lnum == imgLnum {
		t.Fatal("stale image reference survived the ALT split")
	}
	for _, blk := range []uint32{0, 1, 4, 5, 6, 7, 8, 15, 18} {
		if _, err := f.tnc.Lookup(key.DataKey(3, blk)); err != nil {
			t.Fatalf("block %d lost around ALT split: %v", blk, err)
		}
	}
}
