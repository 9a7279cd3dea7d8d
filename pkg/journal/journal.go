// pkg/journal/journal.go
// Package journal writes the log and bud structure that replay reads
// back: a commit start record opening the log, reference records pointing
// at buds, and leaf nodes appended to the buds through the journal head
// write buffers. Every written node carries the next value of the global
// sequence counter.
package journal

import (
	"errors"
	"fmt"

	"nandfs/pkg/key"
	"nandfs/pkg/media"
	"nandfs/pkg/node"
	"nandfs/pkg/wbuf"
)

var (
	ErrNoBud      = errors.New("journal head has no bud")
	ErrLogFull    = errors.New("log is full")
	ErrBudTracked = errors.New("LEB already holds a bud")
)

// Journal head assignments. The base head carries most leaf nodes; the
// data head carries bulk file data; head zero belongs to garbage
// collection.
const (
	GCHead = iota
	BaseHead
	DataHead
)

// Writer appends to the journal of one file system
type Writer struct {
	geom  *media.Geometry
	m     media.Media
	wbufs *wbuf.Set
	log   *wbuf.Wbuf

	sqnum   uint64 // last used sequence number
	logLnum int
	buds    map[int]int // bud LEB -> start offset
}

// NewWriter creates a journal writer. sqnum is the highest sequence
// number used so far; every node written gets a greater one.
func NewWriter(geom *media.Geometry, m media.Media, wbufs *wbuf.Set, sqnum uint64) (*Writer, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		geom:    geom,
		m:       m,
		wbufs:   wbufs,
		log:     wbuf.New(m, geom, 0),
		sqnum:   sqnum,
		logLnum: geom.LogFirst,
		buds:    make(map[int]int),
	}
	if err := w.log.Seek(geom.LogFirst, 0); err != nil {
		return nil, err
	}
	return w, nil
}

// NextSqnum hands out the next sequence number. Monotonicity is global
// and absolute; nothing may reuse or reorder them.
func (w *Writer) NextSqnum() uint64 {
	w.sqnum++
	return w.sqnum
}

// Sqnum returns the last used sequence number
func (w *Writer) Sqnum() uint64 {
	return w.sqnum
}

func (w *Writer) writeLog(raw []byte) error {
	lnum, offs := w.log.Pos()
	if offs+len(raw) > w.geom.LebSize {
		lnum++
		if lnum >= w.geom.LogFirst+w.geom.LogLebs {
			return ErrLogFull
		}
		if err := w.log.Seek(lnum, 0); err != nil {
			return err
		}
	}
	_, _, err := w.log.Write(raw)
	return err
}

// StartCommit opens a commit epoch: a commit start record with the given
// commit number becomes the first record of the log
func (w *Writer) StartCommit(cmtNo uint64) error {
	cs := &node.Cs{Sqnum: w.NextSqnum(), CmtNo: cmtNo}
	return w.writeLog(cs.Encode())
}

// AddBud dedicates the rest of a LEB, from offs on, to the given journal
// head: a reference record goes into the log and the head's write buffer
// is parked at the bud start
func (w *Writer) AddBud(jhead, lnum, offs int) error {
	if jhead >= w.geom.JheadCount || !w.geom.InMainArea(lnum) {
		return fmt.Errorf("bad bud (LEB %d, head %d)", lnum, jhead)
	}
	if _, ok := w.buds[lnum]; ok {
		return fmt.Errorf("%w: LEB %d", ErrBudTracked, lnum)
	}
	if offs&(w.geom.MinIOSize-1) != 0 {
		return fmt.Errorf("bud start %d:%d is not I/O aligned", lnum, offs)
	}
	ref := &node.Ref{Sqnum: w.NextSqnum(), Lnum: lnum, Offs: offs, Jhead: jhead}
	if err := w.writeLog(ref.Encode()); err != nil {
		return err
	}
	w.buds[lnum] = offs
	return w.wbufs.Jhead(jhead).Seek(lnum, offs)
}

// writeLeaf appends an encoded leaf node to a journal head's bud
func (w *Writer) writeLeaf(jhead int, raw []byte) (lnum, offs int, err error) {
	buf := w.wbufs.Jhead(jhead)
	if l, _ := buf.Pos(); l < 0 {
		return 0, 0, ErrNoBud
	}
	lnum, offs, err = buf.Write(raw)
	if err != nil {
		return 0, 0, err
	}
	// Keep the node 8-byte aligned on the media
	if pad := node.Align8(len(raw)) - len(raw); pad > 0 {
		if _, _, err := buf.Write(make([]byte, pad)); err != nil {
			return 0, 0, err
		}
	}
	return lnum, offs, nil
}

// WriteIno journals an inode node
func (w *Writer) WriteIno(jhead int, inum uint32, size uint64, nlink, mode uint32) (lnum, offs, length int, err error) {
	ino := &node.Ino{
		Sqnum: w.NextSqnum(),
		Key:   key.InoKey(inum),
		Size:  size,
		Nlink: nlink,
		Mode:  mode,
	}
	raw := ino.Encode()
	lnum, offs, err = w.writeLeaf(jhead, raw)
	return lnum, offs, len(raw), err
}

// WriteData journals a data node
func (w *Writer) WriteData(jhead int, inum, block uint32, data []byte) (lnum, offs, length int, err error) {
	dn := &node.Data{
		Sqnum: w.NextSqnum(),
		Key:   key.DataKey(inum, block),
		Size:  uint32(len(data)),
		Data:  data,
	}
	raw := dn.Encode()
	lnum, offs, err = w.writeLeaf(jhead, raw)
	return lnum, offs, len(raw), err
}

// WriteDent journals a directory entry node. tinum is the inode the
// entry points at; zero makes it a deletion entry.
func (w *Writer) WriteDent(jhead int, dirInum uint32, name string, tinum uint64, dtype uint8) (lnum, offs, length int, err error) {
	dent := &node.Dent{
		Sqnum: w.NextSqnum(),
		Key:   key.DentKey(dirInum, key.NameHash(name)),
		Inum:  tinum,
		Dtype: dtype,
		Name:  name,
	}
	raw := dent.Encode()
	lnum, offs, err = w.writeLeaf(jhead, raw)
	return lnum, offs, len(raw), err
}

// WriteXent journals an extended attribute entry node
func (w *Writer) WriteXent(jhead int, hostInum uint32, name string, tinum uint64) (lnum, offs, length int, err error) {
	xent := &node.Dent{
		Sqnum: w.NextSqnum(),
		Key:   key.XentKey(hostInum, key.NameHash(name)),
		Inum:  tinum,
		Name:  name,
		Xent:  true,
	}
	raw := xent.Encode()
	lnum, offs, err = w.writeLeaf(jhead, raw)
	return lnum, offs, len(raw), err
}

// WriteTrun journals a truncation node
func (w *Writer) WriteTrun(jhead int, inum uint32, oldSize, newSize uint64) (lnum, offs, length int, err error) {
	trun := &node.Trun{
		Sqnum:   w.NextSqnum(),
		Inum:    inum,
		OldSize: oldSize,
		NewSize: newSize,
	}
	raw := trun.Encode()
	lnum, offs, err = w.writeLeaf(jhead, raw)
	return lnum, offs, len(raw), err
}

// Sync flushes the log and every journal head to the media
func (w *Writer) Sync() error {
	if err := w.log.Sync(); err != nil {
		return err
	}
	for jhead := 0; jhead < w.geom.JheadCount; jhead++ {
		if err := w.wbufs.Jhead(jhead).Sync(); err != nil {
			return err
		}
	}
	return nil
}
