// pkg/journal/journal_test.go
package journal

import (
	"errors"
	"testing"

	"nandfs/pkg/media"
	"nandfs/pkg/node"
	"nandfs/pkg/scan"
	"nandfs/pkg/wbuf"
)

func testSetup(t *testing.T) (*media.Geometry, *media.MemMedia, *Writer) {
	t.Helper()
	g := &media.Geometry{LebSize: 8 * 1024, LebCount: 32, Fanout: 8}
	if err := g.Validate(); err != nil {
		t.Fatalf("geometry: %v", err)
	}
	m := media.NewMemMedia(g)
	w, err := NewWriter(g, m, wbuf.NewSet(m, g), 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return g, m, w
}

func TestLogShape(t *testing.T) {
	g, m, w := testSetup(t)
	if err := w.StartCommit(4); err != nil {
		t.Fatalf("start commit: %v", err)
	}
	if err := w.AddBud(BaseHead, g.MainFirst, 0); err != nil {
		t.Fatalf("add bud: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	sleb, err := scan.Scan(m, g, g.LogFirst, 0)
	if err != nil {
		t.Fatalf("scan log: %v", err)
	}
	if len(sleb.Nodes) != 2 {
		t.Fatalf("expected commit start + reference, got %d nodes", len(sleb.Nodes))
	}
	cs, err := node.DecodeCs(sleb.Nodes[0].Raw)
	if err != nil || cs.CmtNo != 4 || cs.Sqnum != 1 {
		t.Fatalf("bad commit start: %+v %v", cs, err)
	}
	ref, err := node.DecodeRef(sleb.Nodes[1].Raw)
	if err != nil || ref.Lnum != g.MainFirst || ref.Jhead != BaseHead {
		t.Fatalf("bad reference: %+v %v", ref, err)
	}
	if ref.Sqnum <= cs.Sqnum {
		t.Fatal("sequence numbers not monotonic")
	}
}

func TestLeafNodesAreAligned(t *testing.T) {
	g, m, w := testSetup(t)
	if err := w.StartCommit(0); err != nil {
		t.Fatalf("start commit: %v", err)
	}
	if err := w.AddBud(BaseHead, g.MainFirst, 0); err != nil {
		t.Fatalf("add bud: %v", err)
	}

	// A dent whose encoded size is not a multiple of 8
	if _, _, _, err := w.WriteDent(BaseHead, 1, "oddly", 5, 0); err != nil {
		t.Fatalf("write dent: %v", err)
	}
	lnum, offs, length, err := w.WriteIno(BaseHead, 5, 0, 1, 0)
	if err != nil {
		t.Fatalf("write ino: %v", err)
	}
	if offs&7 != 0 {
		t.Fatalf("node at unaligned offset %d:%d", lnum, offs)
	}
	if length != node.InoNodeSize {
		t.Fatalf("bad node length %d", length)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	sleb, err := scan.Scan(m, g, g.MainFirst, 0)
	if err != nil {
		t.Fatalf("scan bud: %v", err)
	}
	if len(sleb.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(sleb.Nodes))
	}
}

func TestWriteWithoutBud(t *testing.T) {
	_, _, w := testSetup(t)
	if _, _, _, err := w.WriteIno(BaseHead, 1, 0, 1, 0); !errors.Is(err, ErrNoBud) {
		t.Fatalf("expected ErrNoBud, got %v", err)
	}
}

func TestBudTrackedOnce(t *testing.T) {
	g, _, w := testSetup(t)
	if err := w.StartCommit(0); err != nil {
		t.Fatalf("start commit: %v", err)
	}
	if err := w.AddBud(BaseHead, g.MainFirst, 0); err != nil {
		t.Fatalf("add bud: %v", err)
	}
	if err := w.AddBud(DataHead, g.MainFirst, 0); !errors.Is(err, ErrBudTracked) {
		t.Fatalf("expected ErrBudTracked, got %v", err)
	}
}
