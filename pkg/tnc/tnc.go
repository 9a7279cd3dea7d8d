// pkg/tnc/tnc.go
// Package tnc implements the tree node cache: the in-memory B+-tree over
// the on-flash index.
//
// The cache holds znodes, each mirroring one on-flash index node. Znodes
// are faulted in on demand during lookups and mutated copy-on-write when
// the commit has pinned them, so a commit can write a consistent snapshot
// of the index while the tree keeps changing. Keys with a name-hash
// discriminator may collide; equal keys are then told apart by comparing
// entry names, read through the leaf node cache.
//
// All operations take a single exclusive lock for the whole tree walk.
// Only reading a leaf node through a copied zbranch happens outside it.
package tnc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nandfs/pkg/key"
	"nandfs/pkg/lprops"
	"nandfs/pkg/media"
	"nandfs/pkg/node"
	"nandfs/pkg/wbuf"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrClosed        = errors.New("tree node cache is closed")
)

// cleanZnCnt counts clean znodes across every open file system. It feeds
// the memory shrinker only, so transient skew between it and the per-tree
// counter is acceptable.
var cleanZnCnt int64

// CleanZnodeCount returns the process-wide count of clean cached znodes
func CleanZnodeCount() int64 {
	return atomic.LoadInt64(&cleanZnCnt)
}

// Config wires a TNC to its collaborators
type Config struct {
	Geom   *media.Geometry
	Media  media.Media
	Wbufs  *wbuf.Set     // optional: serves reads of not-yet-flushed buds
	Lprops *lprops.Table

	// Root is the on-flash position of the index root; leave zero to
	// start from an empty in-memory tree
	RootLnum int
	RootOffs int
	RootLen  int
}

// TNC is the tree node cache of one mounted file system
type TNC struct {
	mu    sync.Mutex
	geom  *media.Geometry
	m     media.Media
	wbufs *wbuf.Set
	lp    *lprops.Table

	zroot  Zbranch
	cnext  *Znode // head of the commit list
	oldIdx []oldIdxEntry

	cleanCnt  int64 // atomic
	dirtyCnt  int64 // atomic
	calcIdxSz int64

	replaying   bool
	replaySqnum uint64
	closed      bool
}

// New creates a tree node cache. With no on-flash root position the tree
// starts empty and dirty, ready to be filled by replay or by mkfs-style
// code.
func New(cfg Config) (*TNC, error) {
	if err := cfg.Geom.Validate(); err != nil {
		return nil, err
	}
	t := &TNC{
		geom:  cfg.Geom,
		m:     cfg.Media,
		wbufs: cfg.Wbufs,
		lp:    cfg.Lprops,
	}
	if cfg.RootLen == 0 {
		z := newZnode(t.geom.Fanout)
		z.flags = flagDirty
		atomic.AddInt64(&t.dirtyCnt, 1)
		t.zroot.znode = z
	} else {
		t.zroot.Lnum = cfg.RootLnum
		t.zroot.Offs = cfg.RootOffs
		t.zroot.Len = cfg.RootLen
	}
	return t, nil
}

// BeginReplay switches the cache into replay mode: collision resolution
// for hashed keys becomes fallible, tolerating branches whose target node
// was garbage-collected after the journal record was written.
func (t *TNC) BeginReplay() {
	t.mu.Lock()
	t.replaying = true
	t.mu.Unlock()
}

// EndReplay leaves replay mode
func (t *TNC) EndReplay() {
	t.mu.Lock()
	t.replaying = false
	t.replaySqnum = 0
	t.mu.Unlock()
}

// SetReplaySqnum records the sequence number of the journal record being
// replayed. Fallible reads treat any node younger than it as absent.
func (t *TNC) SetReplaySqnum(sqnum uint64) {
	t.mu.Lock()
	t.replaySqnum = sqnum
	t.mu.Unlock()
}

// CleanCount returns the number of clean cached znodes of this tree
func (t *TNC) CleanCount() int64 {
	return atomic.LoadInt64(&t.cleanCnt)
}

// DirtyCount returns the number of dirty cached znodes of this tree
func (t *TNC) DirtyCount() int64 {
	return atomic.LoadInt64(&t.dirtyCnt)
}

// loadZnode reads the index node image referenced by zbr, validates it
// and installs it in the cache as a clean child of parent at slot iip
func (t *TNC) loadZnode(zbr *Zbranch, parent *Znode, iip int) (*Znode, error) {
	buf := make([]byte, zbr.Len)
	if err := t.m.ReadLeb(zbr.Lnum, zbr.Offs, buf); err != nil {
		return nil, fmt.Errorf("index node at LEB %d:%d: %w", zbr.Lnum, zbr.Offs, err)
	}
	idx, err := node.DecodeIdx(buf)
	if err != nil {
		return nil, fmt.Errorf("index node at LEB %d:%d: %w", zbr.Lnum, zbr.Offs, err)
	}
	if node.IdxNodeSize(len(idx.Branches)) != zbr.Len {
		return nil, fmt.Errorf("%w: index node at LEB %d:%d is %d bytes, branch says %d",
			node.ErrCorrupt, zbr.Lnum, zbr.Offs, node.IdxNodeSize(len(idx.Branches)), zbr.Len)
	}

	z := newZnode(t.geom.Fanout)
	z.level = idx.Level
	z.childCnt = len(idx.Branches)

	if z.childCnt < 1 || z.childCnt > t.geom.Fanout || z.level > t.geom.MaxLevels {
		return nil, fmt.Errorf("%w: index node at LEB %d:%d: %d branches, level %d",
			node.ErrCorrupt, zbr.Lnum, zbr.Offs, z.childCnt, z.level)
	}

	for i, br := range idx.Branches {
		zb := &z.zbranch[i]
		zb.Key = br.Key
		zb.Lnum, zb.Offs, zb.Len = br.Lnum, br.Offs, br.Len

		if !t.geom.InMainArea(zb.Lnum) || zb.Offs < 0 ||
			zb.Offs+zb.Len > t.geom.LebSize || zb.Offs&7 != 0 {
			return nil, fmt.Errorf("%w: bad branch %d in index node at LEB %d:%d",
				node.ErrCorrupt, i, zbr.Lnum, zbr.Offs)
		}

		kt := zb.Key.Type()
		switch kt {
		case key.TypeIno, key.TypeData, key.TypeDent, key.TypeXent:
		default:
			return nil, fmt.Errorf("%w: bad key type %v at branch %d in index node at LEB %d:%d",
				node.ErrCorrupt, kt, i, zbr.Lnum, zbr.Offs)
		}

		if z.level != 0 {
			continue
		}
		min, max, _ := node.LeafLenRange(kt, t.geom.BlockSize)
		if zb.Len < min || zb.Len > max {
			return nil, fmt.Errorf("%w: bad target length %d for %v branch %d in index node at LEB %d:%d",
				node.ErrCorrupt, zb.Len, kt, i, zbr.Lnum, zbr.Offs)
		}
	}

	// Keys must be non-decreasing; equal neighbors may only be hash
	// collisions
	for i := 0; i < z.childCnt-1; i++ {
		k1, k2 := z.zbranch[i].Key, z.zbranch[i+1].Key
		cmp := key.Compare(k1, k2)
		if cmp > 0 {
			return nil, fmt.Errorf("%w: bad key order (branches %d and %d) in index node at LEB %d:%d",
				node.ErrCorrupt, i, i+1, zbr.Lnum, zbr.Offs)
		}
		if cmp == 0 && !k1.Hashed() {
			return nil, fmt.Errorf("%w: equal unhashed keys (branches %d and %d) in index node at LEB %d:%d",
				node.ErrCorrupt, i, i+1, zbr.Lnum, zbr.Offs)
		}
	}

	atomic.AddInt64(&t.cleanCnt, 1)
	atomic.AddInt64(&cleanZnCnt, 1)

	zbr.znode = z
	z.parent = parent
	z.iip = iip
	z.time = time.Now().Unix()
	return z, nil
}

// getZnode returns the child znode at slot n, loading it if absent
func (t *TNC) getZnode(z *Znode, n int) (*Znode, error) {
	zbr := &z.zbranch[n]
	if zbr.znode != nil {
		return zbr.znode, nil
	}
	return t.loadZnode(zbr, z, n)
}

// root returns the root znode, loading it if absent
func (t *TNC) root() (*Znode, error) {
	if t.zroot.znode != nil {
		return t.zroot.znode, nil
	}
	return t.loadZnode(&t.zroot, nil, 0)
}

// lookupLevel0 descends to the level-0 znode covering k. It returns the
// znode, the slot and whether the key was matched exactly. When the key
// is not found the slot is that of the closest smaller branch, or -1 if
// k orders before everything in the znode.
//
// For hashed keys a miss at slot -1 needs one extra probe: a split may
// leave a colliding entry as the rightmost branch of the predecessor
// znode while the separator in the parent still equals k, so the walk
// legitimately ends one znode too far to the right. Stepping to the
// in-order predecessor and comparing keys recovers that entry.
func (t *TNC) lookupLevel0(k key.Key) (*Znode, int, bool, error) {
	z, err := t.root()
	if err != nil {
		return nil, 0, false, err
	}
	now := time.Now().Unix()
	z.time = now

	var n int
	var exact bool
	for {
		n, exact = z.search(k)
		if z.level == 0 {
			break
		}
		if n < 0 {
			n = 0
		}
		if child := z.zbranch[n].znode; child != nil {
			z.time = now
			z = child
			continue
		}
		z, err = t.loadZnode(&z.zbranch[n], z, n)
		if err != nil {
			return nil, 0, false, err
		}
	}

	if exact || !k.Hashed() || n != -1 {
		return z, n, exact, nil
	}

	// Left-edge collision probe
	zp, np, err := t.tncPrev(z, n)
	if err == errNoEnt {
		return z, -1, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if key.Compare(k, zp.zbranch[np].Key) != 0 {
		return z, -1, false, nil
	}
	return zp, np, true, nil
}

// lookupLevel0Dirty is lookupLevel0 with the whole path dirtied, so the
// caller may mutate the returned znode in place
func (t *TNC) lookupLevel0Dirty(k key.Key) (*Znode, int, bool, error) {
	if _, err := t.root(); err != nil {
		return nil, 0, false, err
	}
	z, err := t.dirtyCow(&t.zroot)
	if err != nil {
		return nil, 0, false, err
	}
	now := time.Now().Unix()
	z.time = now

	var n int
	var exact bool
	for {
		n, exact = z.search(k)
		if z.level == 0 {
			break
		}
		if n < 0 {
			n = 0
		}
		zbr := &z.zbranch[n]
		if zbr.znode == nil {
			if _, err := t.loadZnode(zbr, z, n); err != nil {
				return nil, 0, false, err
			}
		}
		z, err = t.dirtyCow(zbr)
		if err != nil {
			return nil, 0, false, err
		}
		z.time = now
	}

	if exact || !k.Hashed() || n != -1 {
		return z, n, exact, nil
	}

	zp, np, err := t.tncPrev(z, n)
	if err == errNoEnt {
		return z, -1, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if key.Compare(k, zp.zbranch[np].Key) != 0 {
		return z, -1, false, nil
	}
	// The probe may land on a clean or pinned znode which was not on
	// the dirtied path
	if zp.cnext != nil || !zp.dirty() {
		zp, err = t.dirtyCowBottomUp(zp)
		if err != nil {
			return nil, 0, false, err
		}
	}
	return zp, np, true, nil
}
