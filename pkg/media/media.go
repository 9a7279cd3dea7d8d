// pkg/media/media.go
// Package media abstracts the flash device as an array of logical erase
// blocks (LEBs) and defines the file-system geometry shared by every
// other package.
package media

import (
	"errors"
	"fmt"
)

var (
	ErrReadOnly    = errors.New("media is read-only")
	ErrOutOfRange  = errors.New("LEB address out of range")
	ErrMediaLocked = errors.New("media image is locked by another process")
	ErrBadGeometry = errors.New("bad geometry")
)

// SqnumWatermark is the sequence number at which the file system's life
// ends. Nodes at or above the watermark are rejected.
const SqnumWatermark = 0xFFFFFFFF00000000

// Align rounds n up to a multiple of unit, which must be a power of two
func Align(n, unit int) int {
	return (n + unit - 1) &^ (unit - 1)
}

// Geometry describes the layout of the media and the fixed parameters of
// the file system on it
type Geometry struct {
	LebSize   int // bytes per logical erase block
	LebCount  int // number of LEBs on the media
	MinIOSize int // minimal write unit; node groups are padded to it

	LogFirst  int // first LEB of the log area
	LogLebs   int // number of log LEBs, used as a logical ring
	MainFirst int // first LEB of the main area

	JheadCount int // number of journal heads

	Fanout    int // index tree fanout
	MaxLevels int // maximum index tree height

	BlockSize    int   // file data block size
	MaxInodeSize int64 // largest representable inode size
	MaxBudBytes  int64 // journal size limit
}

// Validate fills zero fields with defaults and checks consistency
func (g *Geometry) Validate() error {
	if g.LebSize == 0 {
		g.LebSize = 64 * 1024
	}
	if g.LebCount == 0 {
		g.LebCount = 64
	}
	if g.MinIOSize == 0 {
		g.MinIOSize = 8
	}
	if g.LogFirst == 0 {
		g.LogFirst = 1
	}
	if g.LogLebs == 0 {
		g.LogLebs = 4
	}
	if g.MainFirst == 0 {
		g.MainFirst = g.LogFirst + g.LogLebs
	}
	if g.JheadCount == 0 {
		g.JheadCount = 3
	}
	if g.Fanout == 0 {
		g.Fanout = 8
	}
	if g.MaxLevels == 0 {
		g.MaxLevels = 512
	}
	if g.BlockSize == 0 {
		g.BlockSize = 4096
	}
	if g.MaxInodeSize == 0 {
		g.MaxInodeSize = 1 << 40
	}
	if g.MaxBudBytes == 0 {
		g.MaxBudBytes = int64(g.LebSize) * 4
	}
	if g.MinIOSize&7 != 0 {
		return fmt.Errorf("%w: min I/O size %d is not 8-byte aligned", ErrBadGeometry, g.MinIOSize)
	}
	if g.Fanout < 3 {
		return fmt.Errorf("%w: fanout %d is too small", ErrBadGeometry, g.Fanout)
	}
	if g.MainFirst < g.LogFirst+g.LogLebs || g.MainFirst >= g.LebCount {
		return fmt.Errorf("%w: main area at LEB %d overlaps the log", ErrBadGeometry, g.MainFirst)
	}
	return nil
}

// InMainArea reports whether lnum addresses a main-area LEB
func (g *Geometry) InMainArea(lnum int) bool {
	return lnum >= g.MainFirst && lnum < g.LebCount
}

// Media is a LEB-addressed flash device
type Media interface {
	// ReadLeb reads len(buf) bytes from lnum at offs. Erased space
	// reads as 0xFF.
	ReadLeb(lnum, offs int, buf []byte) error

	// WriteLeb programs data into lnum at offs
	WriteLeb(lnum, offs int, data []byte) error

	// UnmapLeb returns the LEB to the erased state
	UnmapLeb(lnum int) error

	// LebCount returns the number of LEBs on the device
	LebCount() int
}

// MemMedia is an in-memory media, used by tests and as the model
// implementation of the Media contract
type MemMedia struct {
	lebSize int
	lebs    [][]byte
}

// NewMemMedia creates an erased in-memory media with the given geometry
func NewMemMedia(g *Geometry) *MemMedia {
	m := &MemMedia{
		lebSize: g.LebSize,
		lebs:    make([][]byte, g.LebCount),
	}
	return m
}

func (m *MemMedia) check(lnum, offs, n int) error {
	if lnum < 0 || lnum >= len(m.lebs) || offs < 0 || offs+n > m.lebSize {
		return fmt.Errorf("%w: LEB %d:%d len %d", ErrOutOfRange, lnum, offs, n)
	}
	return nil
}

// ReadLeb implements Media
func (m *MemMedia) ReadLeb(lnum, offs int, buf []byte) error {
	if err := m.check(lnum, offs, len(buf)); err != nil {
		return err
	}
	leb := m.lebs[lnum]
	if leb == nil {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	copy(buf, leb[offs:offs+len(buf)])
	return nil
}

// WriteLeb implements Media
func (m *MemMedia) WriteLeb(lnum, offs int, data []byte) error {
	if err := m.check(lnum, offs, len(data)); err != nil {
		return err
	}
	leb := m.lebs[lnum]
	if leb == nil {
		leb = make([]byte, m.lebSize)
		for i := range leb {
			leb[i] = 0xFF
		}
		m.lebs[lnum] = leb
	}
	copy(leb[offs:], data)
	return nil
}

// UnmapLeb implements Media
func (m *MemMedia) UnmapLeb(lnum int) error {
	if err := m.check(lnum, 0, 0); err != nil {
		return err
	}
	m.lebs[lnum] = nil
	return nil
}

// LebCount implements Media
func (m *MemMedia) LebCount() int {
	return len(m.lebs)
}
