// pkg/scan/scan.go
// Package scan walks the nodes written to a logical erase block.
//
// A LEB is a sequence of 8-byte aligned nodes followed by erased space.
// Padding nodes and padding bytes keep node groups aligned to the minimal
// I/O unit; the scanner accounts them into the end point but does not
// report them. The recovery variant tolerates a garbled tail, which is
// what an interrupted program operation leaves behind.
package scan

import (
	"fmt"

	"nandfs/pkg/key"
	"nandfs/pkg/media"
	"nandfs/pkg/node"
)

// Node is one scanned node
type Node struct {
	Type  node.Type
	Offs  int
	Len   int
	Sqnum uint64
	Key   key.Key // zero for node types that carry no key
	Raw   []byte  // the encoded node
}

// Leb is the result of scanning one LEB
type Leb struct {
	Lnum  int
	Endpt int // offset of the first byte after the last node or padding
	Nodes []*Node
}

// Scan reads the LEB and walks its nodes starting at offs. It fails with
// node.ErrCorrupt on anything that is neither a valid node, padding nor
// erased space.
func Scan(m media.Media, geom *media.Geometry, lnum, offs int) (*Leb, error) {
	return scanLeb(m, geom, lnum, offs, false)
}

// Recover is like Scan but drops a corrupt tail instead of failing: the
// LEB ends at the last good node. Scanning stops at the first spot that
// is not a valid node, padding or erased space, and nothing after it is
// examined: valid nodes that follow a corrupt spot are dropped with it
// rather than reported as an error.
func Recover(m media.Media, geom *media.Geometry, lnum, offs int) (*Leb, error) {
	return scanLeb(m, geom, lnum, offs, true)
}

func scanLeb(m media.Media, geom *media.Geometry, lnum, offs int, recover bool) (*Leb, error) {
	buf := make([]byte, geom.LebSize)
	if err := m.ReadLeb(lnum, 0, buf); err != nil {
		return nil, fmt.Errorf("scan LEB %d: %w", lnum, err)
	}

	sleb := &Leb{Lnum: lnum, Endpt: offs}
	pos := offs
	for pos+node.HeaderSize <= geom.LebSize {
		if buf[pos] == 0xFF {
			if !erasedFrom(buf, pos) {
				if recover {
					break
				}
				return nil, fmt.Errorf("%w: LEB %d:%d: data after erased space", node.ErrCorrupt, lnum, pos)
			}
			break
		}
		if buf[pos] == PaddingByte {
			// Padding bytes fill a gap up to the next I/O boundary
			run := 0
			for pos+run < geom.LebSize && buf[pos+run] == PaddingByte {
				run++
			}
			boundary := media.Align(pos, geom.MinIOSize)
			if pos+run < boundary {
				if recover {
					break
				}
				return nil, fmt.Errorf("%w: LEB %d:%d: short padding run", node.ErrCorrupt, lnum, pos)
			}
			pos = boundary
			sleb.Endpt = pos
			continue
		}
		h, err := node.DecodeHeader(buf[pos:])
		if err != nil {
			if recover {
				break
			}
			return nil, fmt.Errorf("LEB %d:%d: %w", lnum, pos, err)
		}
		if h.Type == node.TypePad {
			padLen, err := node.DecodePad(buf[pos:])
			if err != nil {
				if recover {
					break
				}
				return nil, fmt.Errorf("LEB %d:%d: %w", lnum, pos, err)
			}
			pos += node.PadNodeSize + padLen
			sleb.Endpt = pos
			continue
		}
		sn := &Node{
			Type:  h.Type,
			Offs:  pos,
			Len:   h.Len,
			Sqnum: h.Sqnum,
			Raw:   buf[pos : pos+h.Len : pos+h.Len],
		}
		if k, ok := node.NodeKey(h, buf[pos:]); ok {
			sn.Key = k
		}
		sleb.Nodes = append(sleb.Nodes, sn)
		pos += node.Align8(h.Len)
		sleb.Endpt = pos
	}
	return sleb, nil
}

// PaddingByte is re-exported so callers need not import pkg/wbuf just to
// interpret scan results
const PaddingByte = 0xCE

// erasedFrom reports whether the LEB is erased from pos to its end
func erasedFrom(buf []byte, pos int) bool {
	for _, b := range buf[pos:] {
		if b != 0xFF {
			return false
		}
	}
	return true
}
