// pkg/tnc/collision_test.go
package tnc

import (
	"errors"
	"testing"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// Two names, one hash: the tree holds both under the same key and tells
// them apart by name
func TestHashCollision(t *testing.T) {
	f := newTestFS(t)
	const h = 9
	f.addDentHash(5, h, "a", 11)
	f.addDentHash(5, h, "b", 12)

	k := key.DentKey(5, h)
	raw, err := f.tnc.LookupNm(k, "b")
	if err != nil {
		t.Fatalf("lookup of colliding entry failed: %v", err)
	}
	dent, err := node.DecodeDent(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if dent.Name != "b" || dent.Inum != 12 {
		t.Fatalf("wrong entry: %+v", dent)
	}

	// Remove "a"; "b" must survive under the same key
	if err := f.tnc.RemoveNm(k, "a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := f.tnc.LookupNm(k, "b"); err != nil {
		t.Fatalf("entry lost by sibling removal: %v", err)
	}
	if _, err := f.tnc.LookupNm(k, "a"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("removed entry still resolves: %v", err)
	}
}

func TestCollisionRunStaysNameOrdered(t *testing.T) {
	f := newTestFS(t)
	const h = 20
	// Insert out of name order; the collision resolver places each
	// entry where its name belongs
	for _, name := range []string{"mm", "aa", "zz", "gg"} {
		f.addDentHash(3, h, name, 1)
	}
	k := key.DentKey(3, h)
	for _, name := range []string{"aa", "gg", "mm", "zz"} {
		raw, err := f.tnc.LookupNm(k, name)
		if err != nil {
			t.Fatalf("lookup %q failed: %v", name, err)
		}
		if node.EntryName(raw) != name {
			t.Fatalf("lookup %q returned %q", name, node.EntryName(raw))
		}
	}
}

// A split can strand a colliding entry as the rightmost branch of the
// predecessor znode while the parent separator still equals its key.
// After the successor znode's colliding entries are removed, a search
// for the key lands below the successor's leftmost key (slot -1); the
// left-edge probe must step back and find the stranded entry.
func TestLeftEdgeCollisionProbe(t *testing.T) {
	f := newTestFS(t)
	const h = 9

	// Eight entries fill one leaf: three low hashes, three colliding at
	// h and two high hashes
	for _, hash := range []uint32{3, 4, 5} {
		f.addDentHash(7, hash, "x", 1)
	}
	f.addDentHash(7, h, "a", 1)
	f.addDentHash(7, h, "b", 1)
	f.addDentHash(7, h, "c", 1)
	f.addDentHash(7, 12, "x", 1)
	f.addDentHash(7, 13, "x", 1)

	// The ninth insert splits the leaf: [3 4 5 9a] | [9b 9c 9d 12 13]
	f.addDentHash(7, h, "d", 1)

	root := f.tnc.zroot.znode
	if root.level != 1 || root.childCnt != 2 {
		t.Fatalf("unexpected shape: level %d, %d children", root.level, root.childCnt)
	}
	if root.zbranch[1].Key != key.DentKey(7, h) {
		t.Fatalf("separator is %016x, expected the colliding key", uint64(root.zbranch[1].Key))
	}

	// Remove every colliding entry from the successor znode; the
	// separator keeps the stale key
	k := key.DentKey(7, h)
	for _, name := range []string{"b", "c", "d"} {
		if err := f.tnc.RemoveNm(k, name); err != nil {
			t.Fatalf("remove %q failed: %v", name, err)
		}
	}

	// "a" now sits as the predecessor's rightmost branch; only the
	// left-edge probe can reach it
	raw, err := f.tnc.LookupNm(k, "a")
	if err != nil {
		t.Fatalf("stranded collision entry not found: %v", err)
	}
	if node.EntryName(raw) != "a" {
		t.Fatalf("wrong entry %q", node.EntryName(raw))
	}

	// And removal through the same shape works too
	if err := f.tnc.RemoveNm(k, "a"); err != nil {
		t.Fatalf("remove of stranded entry failed: %v", err)
	}
	if _, err := f.tnc.LookupNm(k, "a"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("entry still resolves after removal: %v", err)
	}
}

// Replace with a known position sweeps by position, not by name
func TestResolveCollisionDirectly(t *testing.T) {
	f := newTestFS(t)
	const h = 15
	f.addDentHash(2, h, "one", 1)
	f.addDentHash(2, h, "two", 2)

	k := key.DentKey(2, h)
	// Find "one"'s position through the internal walk
	f.tnc.mu.Lock()
	z, n, found, err := f.tnc.lookupLevel0(k)
	if err != nil || !found {
		f.tnc.mu.Unlock()
		t.Fatalf("lookup failed: %v %v", found, err)
	}
	z, n, found, err = f.tnc.resolveCollision(k, z, n, "one")
	if err != nil || !found {
		f.tnc.mu.Unlock()
		t.Fatalf("resolve failed: %v %v", found, err)
	}
	oldLnum, oldOffs := z.zbranch[n].Lnum, z.zbranch[n].Offs
	f.tnc.mu.Unlock()

	raw := (&node.Dent{Sqnum: f.nextSqnum(), Key: k, Inum: 1, Name: "one"}).Encode()
	nl, no, nn := f.place(raw)
	if err := f.tnc.Replace(k, oldLnum, oldOffs, nl, no, nn); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	raw2, err := f.tnc.LookupNm(k, "one")
	if err != nil {
		t.Fatalf("lookup after replace failed: %v", err)
	}
	if node.EntryName(raw2) != "one" {
		t.Fatalf("wrong entry %q", node.EntryName(raw2))
	}
	if _, err := f.tnc.LookupNm(k, "two"); err != nil {
		t.Fatalf("sibling entry lost: %v", err)
	}
}
