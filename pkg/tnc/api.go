// pkg/tnc/api.go
package tnc

import (
	"errors"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// Lookup finds the leaf node with the given key and returns its encoded
// bytes. Returns ErrEntryNotFound if no such key is indexed.
func (t *TNC) Lookup(k key.Key) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	z, n, found, err := t.lookupLevel0(k)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !found {
		t.mu.Unlock()
		return nil, ErrEntryNotFound
	}
	if k.Hashed() {
		// Read under the lock so the leaf node cache on the live
		// zbranch gets used and populated; hand out a copy, the
		// cached bytes belong to the branch
		raw, err := t.readNode(&z.zbranch[n])
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), raw...), nil
	}
	zbr := z.zbranch[n]
	t.mu.Unlock()

	return t.readNode(&zbr)
}

// Locate is Lookup returning the node's media position as well
func (t *TNC) Locate(k key.Key) (lnum, offs int, raw []byte, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, 0, nil, ErrClosed
	}
	z, n, found, err := t.lookupLevel0(k)
	if err != nil {
		t.mu.Unlock()
		return 0, 0, nil, err
	}
	if !found {
		t.mu.Unlock()
		return 0, 0, nil, ErrEntryNotFound
	}
	if k.Hashed() {
		zbr := &z.zbranch[n]
		lnum, offs = zbr.Lnum, zbr.Offs
		raw, err = t.readNode(zbr)
		t.mu.Unlock()
		if err != nil {
			return 0, 0, nil, err
		}
		return lnum, offs, append([]byte(nil), raw...), nil
	}
	zbr := z.zbranch[n]
	t.mu.Unlock()

	raw, err = t.readNode(&zbr)
	return zbr.Lnum, zbr.Offs, raw, err
}

// LookupNm finds the directory or extended attribute entry with the
// given hashed key and name
func (t *TNC) LookupNm(k key.Key, name string) ([]byte, error) {
	// Most keys have no collisions and the plain lookup returns the
	// right entry straight away
	raw, err := t.Lookup(k)
	if err != nil {
		return nil, err
	}
	if node.EntryName(raw) == name {
		return raw, nil
	}
	return t.lookupNmCollided(k, name)
}

func (t *TNC) lookupNmCollided(k key.Key, name string) ([]byte, error) {
	t.mu.Lock()
	z, n, found, err := t.lookupLevel0(k)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !found {
		t.mu.Unlock()
		return nil, ErrEntryNotFound
	}
	z, n, found, err = t.resolveCollision(k, z, n, name)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !found {
		t.mu.Unlock()
		return nil, ErrEntryNotFound
	}
	zbr := z.zbranch[n]
	t.mu.Unlock()

	raw, err := t.readNode(&zbr)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// Add indexes a node at lnum:offs. An existing entry with the same key is
// replaced, charging its old image as dirty space.
func (t *TNC) Add(k key.Key, lnum, offs, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, n, found, err := t.lookupLevel0Dirty(k)
	if err != nil {
		return err
	}
	if !found {
		zbr := Zbranch{Key: k, Lnum: lnum, Offs: offs, Len: length}
		return t.tncInsert(z, zbr, n+1)
	}
	zbr := &z.zbranch[n]
	lncFree(zbr)
	if err := t.lp.AddDirt(zbr.Lnum, zbr.Len); err != nil {
		return err
	}
	zbr.Lnum, zbr.Offs, zbr.Len = lnum, offs, length
	return nil
}

// Replace re-indexes a node only if the index still refers to its old
// position. The garbage collector uses this when it moves nodes: a node
// that was obsoleted while GC ran must stay obsolete.
func (t *TNC) Replace(k key.Key, oldLnum, oldOffs, lnum, offs, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, n, found, err := t.lookupLevel0Dirty(k)
	if err != nil {
		return err
	}
	if found {
		zbr := &z.zbranch[n]
		if zbr.Lnum == oldLnum && zbr.Offs == oldOffs {
			lncFree(zbr)
			if err := t.lp.AddDirt(zbr.Lnum, zbr.Len); err != nil {
				return err
			}
			zbr.Lnum, zbr.Offs, zbr.Len = lnum, offs, length
			return nil
		}
		if k.Hashed() {
			z, n, found, err = t.resolveCollisionDirectly(k, z, n, oldLnum, oldOffs)
			if err != nil {
				return err
			}
			if found {
				if z.cnext != nil || !z.dirty() {
					z, err = t.dirtyCowBottomUp(z)
					if err != nil {
						return err
					}
				}
				zbr := &z.zbranch[n]
				lncFree(zbr)
				if err := t.lp.AddDirt(zbr.Lnum, zbr.Len); err != nil {
					return err
				}
				zbr.Lnum, zbr.Offs, zbr.Len = lnum, offs, length
				return nil
			}
		}
	}

	// The old node is not indexed anymore; the moved copy is dirt
	return t.lp.AddDirt(lnum, length)
}

// AddNm is Add for hashed keys, which may collide: the entry to replace
// is identified by name. During replay the collision resolution is
// fallible, tolerating dangling branches.
func (t *TNC) AddNm(k key.Key, lnum, offs, length int, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, n, found, err := t.lookupLevel0Dirty(k)
	if err != nil {
		return err
	}
	if found {
		if t.replaying {
			z, n, found, err = t.fallibleResolveCollision(k, z, n, name)
		} else {
			z, n, found, err = t.resolveCollision(k, z, n, name)
		}
		if err != nil {
			return err
		}

		// The collision sweep may have moved off the dirtied path
		if z.cnext != nil || !z.dirty() {
			z, err = t.dirtyCowBottomUp(z)
			if err != nil {
				return err
			}
		}

		if found {
			zbr := &z.zbranch[n]
			lncFree(zbr)
			if err := t.lp.AddDirt(zbr.Lnum, zbr.Len); err != nil {
				return err
			}
			zbr.Lnum, zbr.Offs, zbr.Len = lnum, offs, length
			return nil
		}
	}

	zbr := Zbranch{Key: k, Lnum: lnum, Offs: offs, Len: length}
	return t.tncInsert(z, zbr, n+1)
}

// Remove deletes the index entry of a node. Removing an absent key is
// not an error.
func (t *TNC) Remove(k key.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, n, found, err := t.lookupLevel0Dirty(k)
	if err != nil {
		return err
	}
	if found {
		return t.tncDelete(z, n)
	}
	return nil
}

// RemoveNm deletes the index entry of a hashed-key node identified by
// name. During replay, a dangling branch with the right key counts as the
// entry to delete.
func (t *TNC) RemoveNm(k key.Key, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, n, found, err := t.lookupLevel0Dirty(k)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if t.replaying {
		z, n, found, err = t.fallibleResolveCollision(k, z, n, name)
	} else {
		z, n, found, err = t.resolveCollision(k, z, n, name)
	}
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if z.cnext != nil || !z.dirty() {
		z, err = t.dirtyCowBottomUp(z)
		if err != nil {
			return err
		}
	}
	return t.tncDelete(z, n)
}

// RemoveRange deletes every index entry with lo <= key <= hi
func (t *TNC) RemoveRange(lo, hi key.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for {
		// Find the first level-0 znode holding a key in range
		z, n, found, err := t.lookupLevel0(lo)
		if err != nil {
			return err
		}
		if !found {
			z, n, err = t.tncNext(z, n)
			if err == errNoEnt {
				return nil
			}
			if err != nil {
				return err
			}
			if !key.InRange(z.zbranch[n].Key, lo, hi) {
				return nil
			}
		}

		if z.cnext != nil || !z.dirty() {
			z, err = t.dirtyCowBottomUp(z)
			if err != nil {
				return err
			}
		}

		// Remove all in-range branches after slot n in one shift
		k := 0
		for i := n + 1; i < z.childCnt; i++ {
			if !key.InRange(z.zbranch[i].Key, lo, hi) {
				break
			}
			lncFree(&z.zbranch[i])
			if err := t.lp.AddDirt(z.zbranch[i].Lnum, z.zbranch[i].Len); err != nil {
				return err
			}
			k++
		}
		if k > 0 {
			for i := n + 1 + k; i < z.childCnt; i++ {
				z.zbranch[i-k] = z.zbranch[i]
			}
			for i := z.childCnt - k; i < z.childCnt; i++ {
				z.zbranch[i] = Zbranch{}
			}
			z.childCnt -= k
		}

		// Delete the first one, collapsing the znode if it empties
		if err := t.tncDelete(z, n); err != nil {
			return err
		}
	}
}

// RemoveIno removes an inode from the index: its extended attribute
// entries together with the attribute inodes they point to, then every
// key of the inode itself
func (t *TNC) RemoveIno(inum uint32) error {
	xkey := key.LowestXentKey(inum)
	name := ""
	for {
		dent, err := t.NextEnt(xkey, name)
		if errors.Is(err, ErrEntryNotFound) {
			break
		}
		if err != nil {
			return err
		}

		xinum := uint32(dent.Inum)
		name = dent.Name
		if err := t.RemoveNm(xkey, name); err != nil {
			return err
		}
		if err := t.RemoveRange(key.LowestInoKey(xinum), key.HighestInoKey(xinum)); err != nil {
			return err
		}
		xkey = dent.Key
	}
	return t.RemoveRange(key.LowestInoKey(inum), key.HighestInoKey(inum))
}

// NextEnt walks directory or extended attribute entries: it returns the
// entry following the one with key k and the given name. For the first
// entry, pass the inode's lowest entry key and an empty name. Deletion
// entries left by replay are skipped.
func (t *TNC) NextEnt(k key.Key, name string) (*node.Dent, error) {
	kt := k.Type()
	if kt != key.TypeDent && kt != key.TypeXent {
		return nil, ErrEntryNotFound
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	z, n, found, err := t.lookupLevel0(k)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	// Handle collisions
	if found && name != "" {
		z, n, _, err = t.resolveCollision(k, z, n, name)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}

	for {
		z, n, err = t.tncNext(z, n)
		if err == errNoEnt {
			t.mu.Unlock()
			return nil, ErrEntryNotFound
		}
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		zbr := &z.zbranch[n]
		dkey := zbr.Key
		if dkey.Inum() != k.Inum() || dkey.Type() != kt {
			t.mu.Unlock()
			return nil, ErrEntryNotFound
		}
		raw, err := t.readNode(zbr)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		dent, err := node.DecodeDent(raw)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if dent.Inum == 0 {
			// Deletion entry, skip it
			continue
		}
		t.mu.Unlock()
		return dent, nil
	}
}

// HasNode determines whether a node is indexed. For index nodes, k must
// be the key of the first child and only a clean (or unloaded) znode
// counts: a dirty one will be rewritten elsewhere by the next commit.
// Leaf nodes count whenever some branch refers to their exact position.
func (t *TNC) HasNode(k key.Key, level, lnum, offs int, isIdx bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	if isIdx {
		z, err := t.lookupZnode(k, level, lnum, offs)
		if err != nil {
			return false, err
		}
		if z == nil {
			return false, nil
		}
		return !z.dirty(), nil
	}
	return t.isLeafNodeInTnc(k, lnum, offs)
}

// isLeafNodeInTnc reports whether some branch refers to the leaf node at
// lnum:offs. Hashed keys force a sweep over the whole run of equal keys.
func (t *TNC) isLeafNodeInTnc(k key.Key, lnum, offs int) (bool, error) {
	z, n, found, err := t.lookupLevel0(k)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if matchesPosition(&z.zbranch[n], lnum, offs) {
		return true, nil
	}
	if !k.Hashed() {
		return false, nil
	}

	zn, nn := z, n
	// Look left
	for {
		z, n, err = t.tncPrev(z, n)
		if err == errNoEnt {
			break
		}
		if err != nil {
			return false, err
		}
		if key.Compare(k, z.zbranch[n].Key) != 0 {
			break
		}
		if matchesPosition(&z.zbranch[n], lnum, offs) {
			return true, nil
		}
	}
	// Look right
	z, n = zn, nn
	for {
		z, n, err = t.tncNext(z, n)
		if err == errNoEnt {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if key.Compare(k, z.zbranch[n].Key) != 0 {
			return false, nil
		}
		if matchesPosition(&z.zbranch[n], lnum, offs) {
			return true, nil
		}
	}
}

// DirtyIdxNode loads and dirties the index node at lnum:offs so the
// garbage collector can reclaim its LEB. k must be the key of the node's
// first child. An index node no longer in the tree is left alone.
func (t *TNC) DirtyIdxNode(k key.Key, level, lnum, offs int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z, err := t.lookupZnode(k, level, lnum, offs)
	if err != nil {
		return err
	}
	if z == nil {
		return nil
	}
	_, err = t.dirtyCowBottomUp(z)
	return err
}
