// pkg/scan/scan_test.go
package scan

import (
	"errors"
	"testing"

	"nandfs/pkg/key"
	"nandfs/pkg/media"
	"nandfs/pkg/node"
)

func testGeom(t *testing.T) *media.Geometry {
	t.Helper()
	g := &media.Geometry{LebSize: 4096, LebCount: 16}
	if err := g.Validate(); err != nil {
		t.Fatalf("geometry: %v", err)
	}
	return g
}

// writeNodes lays encoded nodes into a LEB back to back, 8-byte aligned
func writeNodes(t *testing.T, m media.Media, lnum int, raws ...[]byte) int {
	t.Helper()
	pos := 0
	for _, raw := range raws {
		if err := m.WriteLeb(lnum, pos, raw); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		pos += node.Align8(len(raw))
	}
	return pos
}

func TestScanWalksNodes(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)
	lnum := g.MainFirst

	ino := &node.Ino{Sqnum: 1, Key: key.InoKey(1), Nlink: 1}
	dent := &node.Dent{Sqnum: 2, Key: key.DentKey(1, key.NameHash("f")), Inum: 2, Name: "f"}
	end := writeNodes(t, m, lnum, ino.Encode(), dent.Encode())

	sleb, err := Scan(m, g, lnum, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sleb.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(sleb.Nodes))
	}
	if sleb.Endpt != end {
		t.Fatalf("expected end point %d, got %d", end, sleb.Endpt)
	}
	if sleb.Nodes[0].Type != node.TypeIno || sleb.Nodes[0].Sqnum != 1 {
		t.Fatalf("bad first node: %+v", sleb.Nodes[0])
	}
	if sleb.Nodes[1].Key != dent.Key {
		t.Fatalf("bad scanned key %016x", uint64(sleb.Nodes[1].Key))
	}
}

func TestScanSkipsPadding(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)
	lnum := g.MainFirst

	pad := &node.Pad{PadLen: 64}
	ino := &node.Ino{Sqnum: 3, Key: key.InoKey(9), Nlink: 1}
	writeNodes(t, m, lnum, pad.Encode(), ino.Encode())

	sleb, err := Scan(m, g, lnum, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sleb.Nodes) != 1 || sleb.Nodes[0].Type != node.TypeIno {
		t.Fatalf("padding was not skipped: %+v", sleb.Nodes)
	}
}

func TestScanStartOffset(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)
	lnum := g.MainFirst

	a := &node.Ino{Sqnum: 1, Key: key.InoKey(1), Nlink: 1}
	b := &node.Ino{Sqnum: 2, Key: key.InoKey(2), Nlink: 1}
	writeNodes(t, m, lnum, a.Encode(), b.Encode())

	// A bud need not start at offset zero: earlier data is committed
	sleb, err := Scan(m, g, lnum, node.Align8(node.InoNodeSize))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sleb.Nodes) != 1 || sleb.Nodes[0].Sqnum != 2 {
		t.Fatalf("scan from offset picked up wrong nodes: %+v", sleb.Nodes)
	}
}

func TestScanEmptyLeb(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)

	sleb, err := Scan(m, g, g.MainFirst, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sleb.Nodes) != 0 || sleb.Endpt != 0 {
		t.Fatalf("empty LEB scanned as %+v", sleb)
	}
}

func TestScanCorruptTail(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)
	lnum := g.MainFirst

	ino := &node.Ino{Sqnum: 1, Key: key.InoKey(1), Nlink: 1}
	end := writeNodes(t, m, lnum, ino.Encode())

	// A torn write: garbage after the last good node
	if err := m.WriteLeb(lnum, end, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Scan(m, g, lnum, 0); !errors.Is(err, node.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	sleb, err := Recover(m, g, lnum, 0)
	if err != nil {
		t.Fatalf("recovery scan failed: %v", err)
	}
	if len(sleb.Nodes) != 1 || sleb.Endpt != end {
		t.Fatalf("recovery did not keep the good prefix: %+v", sleb)
	}
}

func TestScanRejectsDataAfterErasedSpace(t *testing.T) {
	g := testGeom(t)
	m := media.NewMemMedia(g)
	lnum := g.MainFirst

	ino := &node.Ino{Sqnum: 1, Key: key.InoKey(1), Nlink: 1}
	writeNodes(t, m, lnum, ino.Encode())
	// Stray data far into the erased region
	if err := m.WriteLeb(lnum, 2048, []byte{0x55}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Scan(m, g, lnum, 0); !errors.Is(err, node.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
