// pkg/wbuf/wbuf.go
// Package wbuf implements journal-head write buffers.
//
// Flash can only be programmed in multiples of the minimal I/O unit, so
// journal writes are staged in a per-head buffer and programmed when a
// full unit accumulates or on an explicit sync. Reads of not-yet-flushed
// positions are served from the buffer, which is what allows the index to
// reference nodes the moment they are appended to the journal.
package wbuf

import (
	"errors"
	"fmt"
	"sync"

	"nandfs/pkg/media"
	"nandfs/pkg/node"
)

var (
	ErrNoSpace  = errors.New("no space in LEB")
	ErrNotSeekd = errors.New("write buffer has no position")
)

// PaddingByte fills gaps too small to hold a padding node
const PaddingByte = 0xCE

// Wbuf is the write buffer of one journal head
type Wbuf struct {
	mu    sync.Mutex
	m     media.Media
	geom  *media.Geometry
	jhead int

	lnum int // LEB being written, -1 if not seeked
	offs int // media offset of the first buffered byte
	buf  []byte
}

// Set is the collection of write buffers, one per journal head
type Set struct {
	bufs []*Wbuf
}

// New creates a standalone write buffer for the given journal head
func New(m media.Media, geom *media.Geometry, jhead int) *Wbuf {
	return &Wbuf{m: m, geom: geom, jhead: jhead, lnum: -1}
}

// NewSet creates one write buffer per journal head
func NewSet(m media.Media, geom *media.Geometry) *Set {
	s := &Set{bufs: make([]*Wbuf, geom.JheadCount)}
	for i := range s.bufs {
		s.bufs[i] = New(m, geom, i)
	}
	return s
}

// Jhead returns the write buffer of the given journal head
func (s *Set) Jhead(i int) *Wbuf {
	return s.bufs[i]
}

// For returns the write buffer currently positioned in the given LEB, or
// nil if no head is writing there
func (s *Set) For(lnum int) *Wbuf {
	for _, w := range s.bufs {
		w.mu.Lock()
		match := w.lnum == lnum
		w.mu.Unlock()
		if match {
			return w
		}
	}
	return nil
}

// Jhead returns the journal head this buffer belongs to
func (w *Wbuf) Jhead() int {
	return w.jhead
}

// Pos returns the LEB and offset the next write will land at
func (w *Wbuf) Pos() (lnum, offs int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lnum, w.offs + len(w.buf)
}

// Seek positions the buffer at lnum:offs. Buffered data is flushed first.
func (w *Wbuf) Seek(lnum, offs int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		return err
	}
	if offs&(w.geom.MinIOSize-1) != 0 {
		return fmt.Errorf("cannot seek write buffer to unaligned offset %d:%d", lnum, offs)
	}
	w.lnum = lnum
	w.offs = offs
	w.buf = w.buf[:0]
	return nil
}

// Write appends data at the buffer position, programming every complete
// minimal I/O unit immediately
func (w *Wbuf) Write(data []byte) (lnum, offs int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lnum < 0 {
		return 0, 0, ErrNotSeekd
	}
	lnum, offs = w.lnum, w.offs+len(w.buf)
	if offs+len(data) > w.geom.LebSize {
		return 0, 0, fmt.Errorf("%w: LEB %d:%d len %d", ErrNoSpace, w.lnum, offs, len(data))
	}
	w.buf = append(w.buf, data...)
	full := len(w.buf) &^ (w.geom.MinIOSize - 1)
	if full > 0 {
		if err := w.m.WriteLeb(w.lnum, w.offs, w.buf[:full]); err != nil {
			return 0, 0, err
		}
		w.offs += full
		w.buf = append(w.buf[:0], w.buf[full:]...)
	}
	return lnum, offs, nil
}

// Sync pads the buffered tail to the minimal I/O unit and programs it. A
// gap large enough gets a padding node; smaller gaps are filled with
// padding bytes which the scanner knows to skip.
func (w *Wbuf) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Wbuf) syncLocked() error {
	if w.lnum < 0 || len(w.buf) == 0 {
		return nil
	}
	gap := media.Align(len(w.buf), w.geom.MinIOSize) - len(w.buf)
	if gap >= node.PadNodeSize {
		pad := &node.Pad{PadLen: gap - node.PadNodeSize}
		w.buf = append(w.buf, pad.Encode()...)
	} else {
		for i := 0; i < gap; i++ {
			w.buf = append(w.buf, PaddingByte)
		}
	}
	if err := w.m.WriteLeb(w.lnum, w.offs, w.buf); err != nil {
		return err
	}
	w.offs += len(w.buf)
	w.buf = w.buf[:0]
	return nil
}

// Covers reports whether the byte range lnum:offs..offs+n overlaps data
// that is staged in this buffer
func (w *Wbuf) Covers(lnum, offs, n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return lnum == w.lnum && offs+n > w.offs && len(w.buf) > 0 && offs < w.offs+len(w.buf)
}

// ReadNode reads len(buf) bytes at lnum:offs, serving staged bytes from
// memory and the rest from the media
func (w *Wbuf) ReadNode(lnum, offs int, buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lnum != w.lnum || offs+len(buf) <= w.offs {
		return w.m.ReadLeb(lnum, offs, buf)
	}
	if offs < w.offs {
		// Straddles the media/buffer boundary
		if err := w.m.ReadLeb(lnum, offs, buf[:w.offs-offs]); err != nil {
			return err
		}
	}
	for i := range buf {
		pos := offs + i
		if pos >= w.offs {
			bi := pos - w.offs
			if bi >= len(w.buf) {
				return fmt.Errorf("read of LEB %d:%d beyond write buffer", lnum, offs)
			}
			buf[i] = w.buf[bi]
		}
	}
	return nil
}
