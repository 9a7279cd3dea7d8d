// pkg/tnc/collision.go
package tnc

import (
	"bytes"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// Name comparison outcomes
const (
	nameLess    = iota // branch's entry name orders before the name
	nameMatches        // branch's entry name equals the name
	nameGreater        // branch's entry name orders after the name
	notOnMedia         // branch's entry no longer exists on the media
)

// matchesName compares the entry referred to by zbr against name, reading
// the entry through the leaf node cache or from the media
func (t *TNC) matchesName(zbr *Zbranch, name string) (int, error) {
	if zbr.leaf == nil {
		raw, err := t.readNode(zbr)
		if err != nil {
			return 0, err
		}
		if err := node.ValidateEntry(raw); err != nil {
			lncFree(zbr)
			return 0, err
		}
		if zbr.leaf == nil {
			// The cache declined; compare against the read copy
			return compareEntryName(raw, name), nil
		}
	}
	return compareEntryName(zbr.leaf, name), nil
}

func compareEntryName(raw []byte, name string) int {
	ename := node.EntryName(raw)
	switch bytes.Compare([]byte(ename), []byte(name)) {
	case -1:
		return nameLess
	case 1:
		return nameGreater
	}
	return nameMatches
}

// resolveCollision turns a key match into a name match. Starting from the
// branch found by the key search, it sweeps outward over the run of
// equal keys until the entry with the wanted name is found. It returns
// true with the entry's position, or false with the position of the
// entry the name would follow (slot -1 when that is off the znode's low
// edge).
func (t *TNC) resolveCollision(k key.Key, z *Znode, n int, name string) (*Znode, int, bool, error) {
	cmp, err := t.matchesName(&z.zbranch[n], name)
	if err != nil {
		return nil, 0, false, err
	}
	if cmp == nameMatches {
		return z, n, true, nil
	}

	if cmp == nameGreater {
		// Look left
		for {
			z, n, err = t.tncPrev(z, n)
			if err == errNoEnt {
				return z, -1, false, nil
			}
			if err != nil {
				return nil, 0, false, err
			}
			if key.Compare(z.zbranch[n].Key, k) != 0 {
				if n == z.childCnt-1 {
					// Stepped back past a znode boundary: report the
					// next znode's low edge, so the insertion stays
					// within the range its parent key covers
					z, n, err = t.tncNext(z, n)
					if err != nil {
						return nil, 0, false, err
					}
					return z, -1, false, nil
				}
				return z, n, false, nil
			}
			cmp, err = t.matchesName(&z.zbranch[n], name)
			if err != nil {
				return nil, 0, false, err
			}
			if cmp == nameLess {
				return z, n, false, nil
			}
			if cmp == nameMatches {
				return z, n, true, nil
			}
		}
	}

	// Look right
	zn, nn := z, n
	for {
		var err error
		zn, nn, err = t.tncNext(zn, nn)
		if err == errNoEnt {
			return z, n, false, nil
		}
		if err != nil {
			return nil, 0, false, err
		}
		if key.Compare(zn.zbranch[nn].Key, k) != 0 {
			return z, n, false, nil
		}
		cmp, err := t.matchesName(&zn.zbranch[nn], name)
		if err != nil {
			return nil, 0, false, err
		}
		if cmp == nameGreater {
			return z, n, false, nil
		}
		z, n = zn, nn
		if cmp == nameMatches {
			return z, n, true, nil
		}
	}
}

// fallibleMatchesName is matchesName for replay: a branch whose entry was
// garbage-collected reports notOnMedia instead of failing
func (t *TNC) fallibleMatchesName(k key.Key, zbr *Zbranch, name string) (int, error) {
	if zbr.leaf == nil {
		raw, ok, err := t.fallibleReadNode(k, zbr)
		if err != nil {
			return 0, err
		}
		if !ok {
			return notOnMedia, nil
		}
		if err := node.ValidateEntry(raw); err != nil {
			lncFree(zbr)
			return 0, err
		}
		if zbr.leaf == nil {
			return compareEntryName(raw, name), nil
		}
	}
	return compareEntryName(zbr.leaf, name), nil
}

// fallibleResolveCollision resolves a hashed-key collision during replay,
// when branches may dangle. The first branch found not to be on the media
// is remembered; the sweep then continues in whichever direction the name
// ordering allows (both, if the dangling branch gave no ordering
// information). If no definite match turns up, the dangling branch is
// taken to be the intended target: the deletion record being replayed was
// written for a node that has since disappeared.
func (t *TNC) fallibleResolveCollision(k key.Key, z *Znode, n int, name string) (*Znode, int, bool, error) {
	var oZnode *Znode
	var oN int
	unsure := false

	cmp, err := t.fallibleMatchesName(k, &z.zbranch[n], name)
	if err != nil {
		return nil, 0, false, err
	}
	if cmp == nameMatches {
		return z, n, true, nil
	}
	if cmp == notOnMedia {
		oZnode, oN = z, n
		// A dangling branch straight away gives no direction to
		// search; try both, left first
		unsure = true
	}

	zOrig, nOrig := z, n
	if cmp == nameGreater || unsure {
		// Look left
		for {
			z, n, err = t.tncPrev(z, n)
			if err == errNoEnt {
				n = -1
				break
			}
			if err != nil {
				return nil, 0, false, err
			}
			if key.Compare(z.zbranch[n].Key, k) != 0 {
				if n == z.childCnt-1 {
					// As in resolveCollision: report the next
					// znode's low edge instead
					z, n, err = t.tncNext(z, n)
					if err != nil {
						return nil, 0, false, err
					}
					n = -1
				}
				break
			}
			c, err := t.fallibleMatchesName(k, &z.zbranch[n], name)
			if err != nil {
				return nil, 0, false, err
			}
			if c == nameLess {
				break
			}
			if c == nameMatches {
				return z, n, true, nil
			}
			if c == notOnMedia {
				oZnode, oN = z, n
			} else {
				unsure = false
			}
		}
	}

	if cmp == nameLess || unsure {
		// Look right
		z, n = zOrig, nOrig
		zn, nn := z, n
		for {
			zn, nn, err = t.tncNext(zn, nn)
			if err == errNoEnt {
				break
			}
			if err != nil {
				return nil, 0, false, err
			}
			if key.Compare(zn.zbranch[nn].Key, k) != 0 {
				break
			}
			c, err := t.fallibleMatchesName(k, &zn.zbranch[nn], name)
			if err != nil {
				return nil, 0, false, err
			}
			if c == nameGreater {
				break
			}
			z, n = zn, nn
			if c == nameMatches {
				return z, n, true, nil
			}
			if c == notOnMedia {
				oZnode, oN = zn, nn
			}
		}
	}

	if oZnode == nil {
		return z, n, false, nil
	}
	return oZnode, oN, true, nil
}

// matchesPosition reports whether zbr refers to the node at lnum:offs
func matchesPosition(zbr *Zbranch, lnum, offs int) bool {
	return zbr.Lnum == lnum && zbr.Offs == offs
}

// resolveCollisionDirectly resolves a hashed-key collision when the exact
// on-flash position of the wanted entry is known (the garbage collector
// moved it), so the sweep compares positions instead of reading names
func (t *TNC) resolveCollisionDirectly(k key.Key, z *Znode, n, lnum, offs int) (*Znode, int, bool, error) {
	if matchesPosition(&z.zbranch[n], lnum, offs) {
		return z, n, true, nil
	}

	// Look left
	zn, nn := z, n
	for {
		var err error
		zn, nn, err = t.tncPrev(zn, nn)
		if err == errNoEnt {
			break
		}
		if err != nil {
			return nil, 0, false, err
		}
		if key.Compare(zn.zbranch[nn].Key, k) != 0 {
			break
		}
		if matchesPosition(&zn.zbranch[nn], lnum, offs) {
			return zn, nn, true, nil
		}
	}

	// Look right
	zn, nn = z, n
	for {
		var err error
		zn, nn, err = t.tncNext(zn, nn)
		if err == errNoEnt {
			return z, n, false, nil
		}
		if err != nil {
			return nil, 0, false, err
		}
		if key.Compare(zn.zbranch[nn].Key, k) != 0 {
			return z, n, false, nil
		}
		z, n = zn, nn
		if matchesPosition(&zn.zbranch[nn], lnum, offs) {
			return zn, nn, true, nil
		}
	}
}
