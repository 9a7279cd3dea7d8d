// pkg/replay/replay.go
// Package replay reconstructs the in-memory index from the journal at
// mount time.
//
// The journal consists of the log - a small ring of LEBs holding commit
// start and reference records - and the buds those references point at:
// segments of main-area LEBs filled with leaf nodes that were written
// after the last commit started. Replay walks the log, scans every bud,
// orders everything by sequence number and applies it to the tree node
// cache, fixing up per-LEB space accounting along the way. After replay
// the in-memory state is exactly what it was before the unclean unmount.
//
// Replay runs serially during mount and is the sole mutator of the tree,
// but bud LEBs are independent of each other, so their scans are fanned
// out before the sequential application pass.
package replay

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"nandfs/pkg/key"
	"nandfs/pkg/lprops"
	"nandfs/pkg/media"
	"nandfs/pkg/node"
	"nandfs/pkg/scan"
	"nandfs/pkg/tnc"
	"nandfs/pkg/wbuf"
)

var (
	ErrDuplicateSqnum = errors.New("duplicate sequence number in replay")
	ErrLifeEnded      = errors.New("file system's life ended")
)

// Replay entry flags
const (
	flagDeletion = 1 << iota
	flagRef
)

// Config wires the replay to its collaborators
type Config struct {
	Geom   *media.Geometry
	Media  media.Media
	TNC    *tnc.TNC
	Lprops *lprops.Table
	Wbufs  *wbuf.Set // optional: journal heads are seeked to bud ends

	// CmtNo is the commit number the first commit start record must
	// carry
	CmtNo uint64

	// LheadLnum and LheadOffs locate the start of the log
	LheadLnum int
	LheadOffs int

	// IheadLnum and IheadOffs locate the index head; zero IheadLnum
	// means the index is empty and there is no head to take
	IheadLnum int
	IheadOffs int

	// CsSqnum is the commit start sequence number; zero means "learn
	// it from the first log record"
	CsSqnum uint64

	// NeedRecovery selects the tolerant scan for buds, for mounts
	// after an unclean unmount
	NeedRecovery bool

	// ReadOnly suppresses seeking the journal heads
	ReadOnly bool

	// SizeAccum, when set and recovery is active, receives every
	// replayed non-hashed entry so inode sizes can be reconciled
	// afterwards
	SizeAccum func(k key.Key, deletion bool, newSize int64)
}

// Stats is what replay learned about the journal
type Stats struct {
	LheadLnum   int
	LheadOffs   int
	CsSqnum     uint64
	MaxSqnum    uint64
	HighestInum uint32
	BudBytes    int64
}

// entry is one record of the replay tree. The payload depends on the
// flags: a name for entry nodes, sizes for truncations, space counts for
// references.
type entry struct {
	lnum  int
	offs  int
	len   int
	sqnum uint64
	flags int
	key   key.Key

	name             string
	oldSize, newSize int64
	free, dirty      int
}

// bud is a journal segment awaiting replay
type bud struct {
	lnum  int
	start int
	jhead int
	sqnum uint64
}

type replayer struct {
	cfg  *Config
	geom *media.Geometry

	entries []*entry // ordered by sqnum
	buds    []*bud   // in log order
	byLeb   map[int]*bud

	stats Stats
}

// Run replays the journal. On success all uncommitted journal effects are
// present in the tree node cache and in the LEB accounting.
func Run(cfg *Config) (*Stats, error) {
	if err := cfg.Geom.Validate(); err != nil {
		return nil, err
	}
	r := &replayer{
		cfg:   cfg,
		geom:  cfg.Geom,
		byLeb: make(map[int]*bud),
	}
	r.stats.CsSqnum = cfg.CsSqnum
	r.stats.LheadLnum = cfg.LheadLnum
	r.stats.LheadOffs = cfg.LheadOffs

	if cfg.IheadLnum != 0 {
		if err := r.takeIhead(); err != nil {
			return nil, err
		}
	}

	cfg.TNC.BeginReplay()
	defer cfg.TNC.EndReplay()

	lnum, offs := cfg.LheadLnum, cfg.LheadOffs
	for i := 0; i < r.geom.LogLebs; i++ {
		if lnum >= r.geom.LogFirst+r.geom.LogLebs {
			// The log is logically circular
			lnum = r.geom.LogFirst
			offs = 0
		}
		done, err := r.replayLogLeb(lnum, offs)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		lnum++
		offs = 0
	}

	if err := r.replayBuds(); err != nil {
		return nil, err
	}
	if err := r.applyReplayTree(); err != nil {
		return nil, err
	}
	if r.stats.BudBytes > r.geom.MaxBudBytes && !r.cfg.NeedRecovery {
		return nil, fmt.Errorf("%w: journal size %d exceeds limit %d",
			node.ErrCorrupt, r.stats.BudBytes, r.geom.MaxBudBytes)
	}
	stats := r.stats
	return &stats, nil
}

// takeIhead marks the index head LEB taken so the journal cannot claim
// it, and cross-checks the recorded head offset against the accounting
func (r *replayer) takeIhead() error {
	lp := r.cfg.Lprops
	lp.Get()
	p, err := lp.LookupDirty(r.cfg.IheadLnum)
	if err != nil {
		lp.Release()
		return err
	}
	free := p.Free
	if _, err := lp.Change(r.cfg.IheadLnum, lprops.Keep, lprops.Keep, p.Flags|lprops.Taken); err != nil {
		lp.Release()
		return err
	}
	lp.Release()

	if r.cfg.IheadOffs != r.geom.LebSize-free {
		return fmt.Errorf("%w: bad index head LEB %d:%d (%d bytes free)",
			node.ErrCorrupt, r.cfg.IheadLnum, r.cfg.IheadOffs, free)
	}
	return nil
}

// replayLogLeb processes one log LEB. It returns true when the end of the
// logical log was reached.
func (r *replayer) replayLogLeb(lnum, offs int) (bool, error) {
	sleb, err := scan.Scan(r.cfg.Media, r.geom, lnum, offs)
	if err != nil && r.cfg.NeedRecovery {
		sleb, err = scan.Recover(r.cfg.Media, r.geom, lnum, offs)
	}
	if err != nil {
		return false, err
	}

	if len(sleb.Nodes) == 0 {
		return true, nil
	}

	first := sleb.Nodes[0]
	if r.stats.CsSqnum == 0 {
		// This is the first log LEB we look at: it must begin with a
		// commit start record of the expected commit, whose sequence
		// number tells where the log logically ends - everything
		// before it is older, already-committed data
		if first.Type != node.TypeCs {
			return false, fmt.Errorf("%w: first log node at LEB %d:%d is not a commit start",
				node.ErrCorrupt, lnum, offs)
		}
		cs, err := node.DecodeCs(first.Raw)
		if err != nil {
			return false, err
		}
		if cs.CmtNo != r.cfg.CmtNo {
			return false, fmt.Errorf("%w: commit start at LEB %d:%d has commit number %d, expected %d",
				node.ErrCorrupt, lnum, offs, cs.CmtNo, r.cfg.CmtNo)
		}
		r.stats.CsSqnum = cs.Sqnum
	}

	if first.Sqnum < r.stats.CsSqnum {
		// Older, not yet erased log data: the end of the logical log
		return true, nil
	}

	if first.Offs != 0 {
		return false, fmt.Errorf("%w: first log node of LEB %d is not at offset zero",
			node.ErrCorrupt, lnum)
	}

	for _, sn := range sleb.Nodes {
		// The highest observed sequence number is recorded even for
		// records the sanity checks then reject
		if sn.Sqnum > r.stats.MaxSqnum {
			r.stats.MaxSqnum = sn.Sqnum
		}
		if sn.Sqnum >= media.SqnumWatermark {
			return false, fmt.Errorf("%w: LEB %d:%d", ErrLifeEnded, lnum, sn.Offs)
		}
		if sn.Sqnum < r.stats.CsSqnum {
			return false, fmt.Errorf("%w: log node at LEB %d:%d has sqnum %d below commit start %d",
				node.ErrCorrupt, lnum, sn.Offs, sn.Sqnum, r.stats.CsSqnum)
		}

		switch sn.Type {
		case node.TypeRef:
			ref, err := node.DecodeRef(sn.Raw)
			if err != nil {
				return false, err
			}
			have, err := r.validateRef(ref)
			if err != nil {
				return false, err
			}
			if have {
				// Already have this bud
				break
			}
			r.addBud(&bud{lnum: ref.Lnum, start: ref.Offs, jhead: ref.Jhead, sqnum: sn.Sqnum})
		case node.TypeCs:
			// Only valid at the beginning of a LEB
			if sn.Offs != 0 {
				return false, fmt.Errorf("%w: unexpected commit start in log LEB %d:%d",
					node.ErrCorrupt, lnum, sn.Offs)
			}
		default:
			return false, fmt.Errorf("%w: unexpected %v node in log LEB %d:%d",
				node.ErrCorrupt, sn.Type, lnum, sn.Offs)
		}
	}

	if sleb.Endpt != 0 || r.stats.LheadOffs >= r.geom.LebSize {
		r.stats.LheadLnum = lnum
		r.stats.LheadOffs = sleb.Endpt
	}
	return sleb.Endpt == 0, nil
}

// validateRef checks a reference record. It reports true if an equal or
// wider bud for the LEB is already known; a conflicting reference is
// corruption.
func (r *replayer) validateRef(ref *node.Ref) (bool, error) {
	// ref.Offs may equal the LEB size: a reference written for a head
	// that points at the very end of its LEB
	if ref.Jhead >= r.geom.JheadCount || !r.geom.InMainArea(ref.Lnum) ||
		ref.Offs > r.geom.LebSize || ref.Offs&(r.geom.MinIOSize-1) != 0 {
		return false, fmt.Errorf("%w: bad reference node (LEB %d:%d, head %d)",
			node.ErrCorrupt, ref.Lnum, ref.Offs, ref.Jhead)
	}
	if b := r.byLeb[ref.Lnum]; b != nil {
		if b.jhead == ref.Jhead && b.start <= ref.Offs {
			return true, nil
		}
		return false, fmt.Errorf("%w: bud at LEB %d:%d already referred",
			node.ErrCorrupt, ref.Lnum, ref.Offs)
	}
	return false, nil
}

func (r *replayer) addBud(b *bud) {
	r.buds = append(r.buds, b)
	r.byLeb[b.lnum] = b
}

// replayBuds scans every bud and fills the replay tree. The scans touch
// disjoint LEBs and are fanned out; classification and tree insertion
// stay in log order so duplicate detection is deterministic.
func (r *replayer) replayBuds() error {
	slebs := make([]*scan.Leb, len(r.buds))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, b := range r.buds {
		i, b := i, b
		g.Go(func() error {
			var sleb *scan.Leb
			var err error
			if r.cfg.NeedRecovery {
				sleb, err = scan.Recover(r.cfg.Media, r.geom, b.lnum, b.start)
			} else {
				sleb, err = scan.Scan(r.cfg.Media, r.geom, b.lnum, b.start)
			}
			slebs[i] = sleb
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, b := range r.buds {
		free, dirty, err := r.replayBud(b, slebs[i])
		if err != nil {
			return err
		}
		if err := r.insertRef(b, free, dirty); err != nil {
			return err
		}
	}
	return nil
}

// replayBud classifies the nodes of one bud and inserts them into the
// replay tree. It returns the bud's free and dirty byte counts.
//
// The bud does not have to start at offset zero: the beginning of its
// LEB may hold previously committed data, which the accounting already
// knows about. The region between the bud start and the scan end point
// is bud data; whatever of it is not referenced by a live node - padding,
// deletion entries, nodes obsoleted later in the same bud - is dirt. So
// instead of the clean space, the used space is counted.
func (r *replayer) replayBud(b *bud, sleb *scan.Leb) (free, dirty int, err error) {
	used := 0
	for _, sn := range sleb.Nodes {
		if sn.Sqnum > r.stats.MaxSqnum {
			r.stats.MaxSqnum = sn.Sqnum
		}
		if sn.Sqnum >= media.SqnumWatermark {
			return 0, 0, fmt.Errorf("%w: LEB %d:%d", ErrLifeEnded, b.lnum, sn.Offs)
		}

		e := &entry{
			lnum:  b.lnum,
			offs:  sn.Offs,
			len:   sn.Len,
			sqnum: sn.Sqnum,
			key:   sn.Key,
		}
		switch sn.Type {
		case node.TypeIno:
			ino, err := node.DecodeIno(sn.Raw)
			if err != nil {
				return 0, 0, err
			}
			if ino.Nlink == 0 {
				e.flags |= flagDeletion
			}
			e.newSize = int64(ino.Size)
		case node.TypeData:
			dn, err := node.DecodeData(sn.Raw)
			if err != nil {
				return 0, 0, err
			}
			e.newSize = int64(dn.Size) + int64(sn.Key.Block())*int64(r.geom.BlockSize)
		case node.TypeDent, node.TypeXent:
			if err := node.ValidateEntry(sn.Raw); err != nil {
				return 0, 0, fmt.Errorf("bad node at LEB %d:%d: %w", b.lnum, sn.Offs, err)
			}
			dent, err := node.DecodeDent(sn.Raw)
			if err != nil {
				return 0, 0, err
			}
			if dent.Inum == 0 {
				e.flags |= flagDeletion
			}
			e.name = dent.Name
		case node.TypeTrun:
			trun, err := node.DecodeTrun(sn.Raw)
			if err != nil {
				return 0, 0, err
			}
			if trun.OldSize > uint64(r.geom.MaxInodeSize) ||
				trun.NewSize > uint64(r.geom.MaxInodeSize) ||
				trun.OldSize <= trun.NewSize {
				return 0, 0, fmt.Errorf("%w: bad truncation node at LEB %d:%d",
					node.ErrCorrupt, b.lnum, sn.Offs)
			}
			e.flags |= flagDeletion
			e.oldSize = int64(trun.OldSize)
			e.newSize = int64(trun.NewSize)
		default:
			return 0, 0, fmt.Errorf("%w: unexpected %v node in bud LEB %d:%d",
				node.ErrCorrupt, sn.Type, b.lnum, sn.Offs)
		}

		if e.flags&flagDeletion == 0 {
			used += node.Align8(sn.Len)
		}
		if inum := e.key.Inum(); inum > r.stats.HighestInum {
			r.stats.HighestInum = inum
		}
		if err := r.insertEntry(e); err != nil {
			return 0, 0, err
		}
	}

	if sleb.Endpt-b.start < used {
		return 0, 0, fmt.Errorf("%w: bud LEB %d:%d accounts %d used bytes beyond its end point %d",
			node.ErrCorrupt, b.lnum, b.start, used, sleb.Endpt)
	}
	if sleb.Endpt&(r.geom.MinIOSize-1) != 0 {
		return 0, 0, fmt.Errorf("%w: bud LEB %d end point %d is not I/O aligned",
			node.ErrCorrupt, b.lnum, sleb.Endpt)
	}

	// If the LEB can still take a write, park the journal head there so
	// new journal data appends after the replayed data
	if r.cfg.Wbufs != nil && !r.cfg.ReadOnly &&
		sleb.Endpt+r.geom.MinIOSize <= r.geom.LebSize {
		if err := r.cfg.Wbufs.Jhead(b.jhead).Seek(b.lnum, sleb.Endpt); err != nil {
			return 0, 0, err
		}
	}

	r.stats.BudBytes += int64(sleb.Endpt - b.start)

	dirty = sleb.Endpt - b.start - used
	free = r.geom.LebSize - sleb.Endpt
	return free, dirty, nil
}

// insertRef queues the accounting update of a bud, keyed by the sequence
// number of its reference record so it lands in its journal position
func (r *replayer) insertRef(b *bud, free, dirty int) error {
	return r.insertEntry(&entry{
		lnum:  b.lnum,
		offs:  b.start,
		sqnum: b.sqnum,
		flags: flagRef,
		key:   key.MaxKey,
		free:  free,
		dirty: dirty,
	})
}

// insertEntry adds an entry to the replay tree. Sequence numbers are
// globally unique; a duplicate means the journal is corrupt.
func (r *replayer) insertEntry(e *entry) error {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].sqnum >= e.sqnum
	})
	if i < len(r.entries) && r.entries[i].sqnum == e.sqnum {
		return fmt.Errorf("%w: sqnum %d at LEB %d:%d", ErrDuplicateSqnum, e.sqnum, e.lnum, e.offs)
	}
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
	return nil
}

// applyReplayTree applies the replay tree in ascending sequence number
// order
func (r *replayer) applyReplayTree() error {
	for _, e := range r.entries {
		// Long journals should not starve other goroutines during
		// mount
		runtime.Gosched()

		if err := r.applyEntry(e); err != nil {
			return err
		}
	}
	r.entries = nil
	r.buds = nil
	return nil
}

// applyEntry applies one replay entry to the tree node cache or, for
// references, to the LEB accounting
func (r *replayer) applyEntry(e *entry) error {
	t := r.cfg.TNC

	// The replay sequence number lets fallible reads recognize nodes
	// that cannot have existed yet when this entry was written
	t.SetReplaySqnum(e.sqnum)

	deletion := e.flags&flagDeletion != 0
	switch {
	case e.flags&flagRef != 0:
		return r.setBudLprops(e)
	case e.key.Hashed():
		if deletion {
			return t.RemoveNm(e.key, e.name)
		}
		return t.AddNm(e.key, e.lnum, e.offs, e.len, e.name)
	default:
		var err error
		if deletion {
			switch e.key.Type() {
			case key.TypeIno:
				err = t.RemoveIno(e.key.Inum())
			case key.TypeTrun:
				err = r.trunRemoveRange(e)
			default:
				err = t.Remove(e.key)
			}
		} else {
			err = t.Add(e.key, e.lnum, e.offs, e.len)
		}
		if err != nil {
			return err
		}
		if r.cfg.NeedRecovery && r.cfg.SizeAccum != nil {
			r.cfg.SizeAccum(e.key, deletion, e.newSize)
		}
		return nil
	}
}

// setBudLprops updates the accounting of a bud LEB with what the bud
// scan found. When the recorded state disagrees with a bud that starts
// at offset zero, the LEB was garbage-collected after the reference was
// written but before the commit: the space GC moved away is deducted
// from the dirt, the replayed numbers are authoritative for the rest.
func (r *replayer) setBudLprops(e *entry) error {
	lp := r.cfg.Lprops
	lp.Get()
	defer lp.Release()

	p, err := lp.LookupDirty(e.lnum)
	if err != nil {
		return err
	}
	dirty := p.Dirty
	if e.offs == 0 && (p.Free != r.geom.LebSize || p.Dirty != 0) {
		dirty -= r.geom.LebSize - p.Free
		if dirty < 0 {
			// A commit racing with GC may have rewritten part of
			// the LEB; the replayed numbers stand on their own
			dirty = 0
		}
	}
	_, err = lp.Change(e.lnum, e.free, dirty+e.dirty, p.Flags|lprops.Taken)
	return err
}

// trunRemoveRange removes the data blocks a truncation cut off
func (r *replayer) trunRemoveRange(e *entry) error {
	bs := int64(r.geom.BlockSize)
	minBlk := e.newSize / bs
	if e.newSize%bs != 0 {
		minBlk++
	}
	maxBlk := e.oldSize / bs
	if e.oldSize%bs == 0 {
		maxBlk--
	}
	if maxBlk < minBlk {
		return nil
	}
	inum := e.key.Inum()
	return r.cfg.TNC.RemoveRange(
		key.DataKey(inum, uint32(minBlk)),
		key.DataKey(inum, uint32(maxBlk)),
	)
}
