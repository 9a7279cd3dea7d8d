// pkg/tnc/walk.go
package tnc

import (
	"errors"
	"fmt"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// errNoEnt is the internal "walked off the tree" signal of the in-order
// navigation helpers
var errNoEnt = errors.New("no entry")

// tncNext steps to the next leaf branch in key order. On errNoEnt the
// caller's position is returned unchanged.
func (t *TNC) tncNext(z *Znode, n int) (*Znode, int, error) {
	z0, n0 := z, n
	n++
	if n < z.childCnt {
		return z, n, nil
	}
	for {
		zp := z.parent
		if zp == nil {
			return z0, n0, errNoEnt
		}
		n = z.iip + 1
		z = zp
		if n < z.childCnt {
			child, err := t.getZnode(z, n)
			if err != nil {
				return nil, 0, err
			}
			z = child
			for z.level != 0 {
				z, err = t.getZnode(z, 0)
				if err != nil {
					return nil, 0, err
				}
			}
			return z, 0, nil
		}
	}
}

// tncPrev steps to the previous leaf branch in key order. On errNoEnt
// the caller's position is returned unchanged.
func (t *TNC) tncPrev(z *Znode, n int) (*Znode, int, error) {
	z0, n0 := z, n
	if n > 0 {
		return z, n - 1, nil
	}
	for {
		zp := z.parent
		if zp == nil {
			return z0, n0, errNoEnt
		}
		n = z.iip - 1
		z = zp
		if n >= 0 {
			child, err := t.getZnode(z, n)
			if err != nil {
				return nil, 0, err
			}
			z = child
			for z.level != 0 {
				z, err = t.getZnode(z, z.childCnt-1)
				if err != nil {
					return nil, 0, err
				}
			}
			return z, z.childCnt - 1, nil
		}
	}
}

// leftZnode returns the znode at the same level to the left of z, or nil
func (t *TNC) leftZnode(z *Znode) (*Znode, error) {
	level := z.level
	for {
		n := z.iip - 1
		z = z.parent
		if z == nil {
			return nil, nil
		}
		if n >= 0 {
			var err error
			z, err = t.getZnode(z, n)
			if err != nil {
				return nil, err
			}
			for z.level != level {
				z, err = t.getZnode(z, z.childCnt-1)
				if err != nil {
					return nil, err
				}
			}
			return z, nil
		}
	}
}

// rightZnode returns the znode at the same level to the right of z, or nil
func (t *TNC) rightZnode(z *Znode) (*Znode, error) {
	level := z.level
	for {
		n := z.iip + 1
		z = z.parent
		if z == nil {
			return nil, nil
		}
		if n < z.childCnt {
			var err error
			z, err = t.getZnode(z, n)
			if err != nil {
				return nil, err
			}
			for z.level != level {
				z, err = t.getZnode(z, 0)
				if err != nil {
					return nil, err
				}
			}
			return z, nil
		}
	}
}

// lookupZnode finds the znode whose on-flash image sits at lnum:offs,
// searching by the image's leftmost key k at the given level. The
// leftmost key of the in-memory znode may have drifted (insertions at
// slot zero), so when the key search misses, the neighbors are probed:
// to the left when the search falls off the low edge, and in both
// directions for hashed keys, whose equal neighbors may hide the target.
// Returns nil if the image is not referred to by the tree anymore.
func (t *TNC) lookupZnode(k key.Key, level, lnum, offs int) (*Znode, error) {
	// The arguments have probably been read off flash, so don't assume
	// they are valid
	if level < 0 {
		return nil, fmt.Errorf("%w: negative index node level", node.ErrCorrupt)
	}
	z, err := t.root()
	if err != nil {
		return nil, err
	}
	if t.zroot.Lnum == lnum && t.zroot.Offs == offs {
		return z, nil
	}
	if level >= z.level {
		return nil, nil
	}
	var n int
	for {
		n, _ = z.search(k)
		if n < 0 {
			z, err = t.leftZnode(z)
			if err != nil {
				return nil, err
			}
			if z == nil {
				return nil, nil
			}
			n, _ = z.search(k)
		}
		if z.level == level+1 {
			break
		}
		z, err = t.getZnode(z, n)
		if err != nil {
			return nil, err
		}
	}
	if z.zbranch[n].Lnum == lnum && z.zbranch[n].Offs == offs {
		return t.getZnode(z, n)
	}
	if !k.Hashed() {
		return nil, nil
	}

	// Colliding keys: the image may be referred to from a neighbor slot
	zn, nn := z, n
	// Look left
	for {
		if n > 0 {
			n--
		} else {
			z, err = t.leftZnode(z)
			if err != nil {
				return nil, err
			}
			if z == nil {
				break
			}
			n = z.childCnt - 1
		}
		if z.zbranch[n].Lnum == lnum && z.zbranch[n].Offs == offs {
			return t.getZnode(z, n)
		}
		if key.Compare(z.zbranch[n].Key, k) < 0 {
			break
		}
	}
	// Look right
	z, n = zn, nn
	for {
		n++
		if n >= z.childCnt {
			z, err = t.rightZnode(z)
			if err != nil {
				return nil, err
			}
			if z == nil {
				break
			}
			n = 0
		}
		if z.zbranch[n].Lnum == lnum && z.zbranch[n].Offs == offs {
			return t.getZnode(z, n)
		}
		if key.Compare(z.zbranch[n].Key, k) > 0 {
			break
		}
	}
	return nil, nil
}
