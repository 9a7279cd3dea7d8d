// pkg/tnc/invariants_test.go
package tnc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// checkTree walks the cached tree and verifies the structural
// invariants: key ordering within znodes (equal neighbors only for
// hashed keys), parent branch keys equal to the leftmost key of the
// loaded subtree, parent/iip back-references, and branch count bounds.
func checkTree(t *testing.T, f *testFS) {
	t.Helper()
	var walk func(z *Znode, pk key.Key, hasPk bool)
	walk = func(z *Znode, pk key.Key, hasPk bool) {
		if z.childCnt < 0 || z.childCnt > f.geom.Fanout {
			t.Fatalf("znode with %d branches:\n%s", z.childCnt, spew.Sdump(z.zbranch[:max(z.childCnt, 0)]))
		}
		// The parent key is the lower bound of the subtree; deletions
		// may raise the true leftmost key above it, but never below
		if hasPk && z.childCnt > 0 {
			if key.Compare(z.zbranch[0].Key, pk) < 0 {
				t.Fatalf("leftmost key %016x below parent key %016x:\n%s",
					uint64(z.zbranch[0].Key), uint64(pk), spew.Sdump(z.zbranch[:z.childCnt]))
			}
		}
		for i := 0; i < z.childCnt-1; i++ {
			cmp := key.Compare(z.zbranch[i].Key, z.zbranch[i+1].Key)
			if cmp > 0 {
				t.Fatalf("branch keys out of order at slot %d:\n%s", i, spew.Sdump(z.zbranch[:z.childCnt]))
			}
			if cmp == 0 && !z.zbranch[i].Key.Hashed() {
				t.Fatalf("equal unhashed keys at slot %d:\n%s", i, spew.Sdump(z.zbranch[:z.childCnt]))
			}
		}
		if z.level == 0 {
			return
		}
		for i := 0; i < z.childCnt; i++ {
			child := z.zbranch[i].znode
			if child == nil {
				continue
			}
			if child.parent != z || child.iip != i {
				t.Fatalf("bad back-reference at slot %d: parent %p iip %d", i, child.parent, child.iip)
			}
			if child.level != z.level-1 {
				t.Fatalf("child at slot %d has level %d under level %d", i, child.level, z.level)
			}
			walk(child, z.zbranch[i].Key, true)
		}
	}
	root := f.tnc.zroot.znode
	if root == nil {
		return
	}
	walk(root, 0, false)
}

func TestInvariantsUnderMixedScript(t *testing.T) {
	f := newTestFS(t)
	rng := rand.New(rand.NewSource(42))

	type dentry struct {
		dir  uint32
		hash uint32
		name string
	}
	var dents []dentry
	for op := 0; op < 1500; op++ {
		switch rng.Intn(5) {
		case 0, 1, 2:
			f.addData(uint32(rng.Intn(8)+1), uint32(rng.Intn(64)))
		case 3:
			// Colliding entries: small hash space on purpose
			d := dentry{
				dir:  uint32(rng.Intn(3) + 1),
				hash: uint32(rng.Intn(4) + 3),
				name: fmt.Sprintf("n%03d", rng.Intn(50)),
			}
			k := key.DentKey(d.dir, d.hash)
			raw := (&node.Dent{Sqnum: f.nextSqnum(), Key: k, Inum: 1, Name: d.name}).Encode()
			lnum, offs, length := f.place(raw)
			if err := f.tnc.AddNm(k, lnum, offs, length, d.name); err != nil {
				t.Fatalf("op %d: add entry failed: %v", op, err)
			}
			dents = append(dents, d)
		case 4:
			if rng.Intn(2) == 0 && len(dents) > 0 {
				i := rng.Intn(len(dents))
				d := dents[i]
				if err := f.tnc.RemoveNm(key.DentKey(d.dir, d.hash), d.name); err != nil {
					t.Fatalf("op %d: remove entry failed: %v", op, err)
				}
				dents = append(dents[:i], dents[i+1:]...)
			} else {
				if err := f.tnc.Remove(key.DataKey(uint32(rng.Intn(8)+1), uint32(rng.Intn(64)))); err != nil {
					t.Fatalf("op %d: remove failed: %v", op, err)
				}
			}
		}

		if op%100 == 0 {
			checkTree(t, f)
		}
	}
	checkTree(t, f)
}

// Insert-only scripts must keep the tree height logarithmic in the key
// count
func TestHeightBound(t *testing.T) {
	f := newTestFS(t)
	rng := rand.New(rand.NewSource(7))

	n := 0
	seen := make(map[key.Key]bool)
	for i := 0; i < 1000; i++ {
		k := key.DataKey(uint32(rng.Intn(32)+1), uint32(rng.Intn(256)))
		if !seen[k] {
			seen[k] = true
			n++
		}
		raw := (&node.Data{Sqnum: f.nextSqnum(), Key: k, Size: 8, Data: make([]byte, 8)}).Encode()
		lnum, offs, length := f.place(raw)
		if err := f.tnc.Add(k, lnum, offs, length); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	height := f.tnc.zroot.znode.level + 1
	bound := int(math.Ceil(math.Log(float64(n))/math.Log(float64(f.geom.Fanout)))) + 1
	if height > bound {
		t.Fatalf("height %d exceeds bound %d for %d keys", height, bound, n)
	}
	checkTree(t, f)
}

// The invariants must hold across commits, which flip znodes between
// clean and dirty and route mutations through clones
func TestInvariantsAcrossCommits(t *testing.T) {
	f := newTestFS(t)
	rng := rand.New(rand.NewSource(99))
	w := newIdxWriter(f)

	for round := 0; round < 5; round++ {
		for i := 0; i < 150; i++ {
			if rng.Intn(4) == 0 {
				if err := f.tnc.Remove(key.DataKey(uint32(rng.Intn(4)+1), uint32(rng.Intn(64)))); err != nil {
					t.Fatalf("remove failed: %v", err)
				}
			} else {
				f.addData(uint32(rng.Intn(4)+1), uint32(rng.Intn(64)))
			}
		}
		f.tnc.StartCommit()
		// Mutate while pinned, every round
		f.addData(uint32(rng.Intn(4)+1), uint32(rng.Intn(64)))
		if err := f.tnc.EndCommit(w.write); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		checkTree(t, f)
	}

	// Everything still resolves through the committed images
	for blk := uint32(0); blk < 64; blk++ {
		_, err := f.tnc.Lookup(key.DataKey(1, blk))
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			t.Fatalf("lookup failed: %v", err)
		}
	}
}
