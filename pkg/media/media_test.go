// pkg/media/media_test.go
package media

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func testGeometry() *Geometry {
	g := &Geometry{LebSize: 4096, LebCount: 8}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
}

func TestGeometryDefaults(t *testing.T) {
	g := &Geometry{}
	if err := g.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if g.Fanout == 0 || g.LebSize == 0 || g.MainFirst == 0 {
		t.Fatalf("defaults not filled: %+v", g)
	}
	if g.MainFirst < g.LogFirst+g.LogLebs {
		t.Fatalf("main area overlaps the log: %+v", g)
	}
}

func TestMemMediaErasedReadsFF(t *testing.T) {
	m := NewMemMedia(testGeometry())
	buf := make([]byte, 16)
	if err := m.ReadLeb(3, 100, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for _, b := range buf {
		if b != 0xFF {
			t.Fatalf("erased LEB did not read as 0xFF: % x", buf)
		}
	}
}

func TestMemMediaWriteUnmap(t *testing.T) {
	m := NewMemMedia(testGeometry())
	data := []byte("hello flash")
	if err := m.WriteLeb(2, 64, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, len(data))
	if err := m.ReadLeb(2, 64, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read back %q, wrote %q", buf, data)
	}

	if err := m.UnmapLeb(2); err != nil {
		t.Fatalf("unmap failed: %v", err)
	}
	if err := m.ReadLeb(2, 64, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if buf[0] != 0xFF {
		t.Fatal("unmapped LEB is not erased")
	}
}

func TestMemMediaBounds(t *testing.T) {
	m := NewMemMedia(testGeometry())
	if err := m.WriteLeb(99, 0, []byte{1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := m.ReadLeb(0, 4090, make([]byte, 16)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestFileMediaRoundTrip(t *testing.T) {
	g := testGeometry()
	path := filepath.Join(t.TempDir(), "flash.img")

	m, err := CreateFile(path, g)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.WriteLeb(5, 8, []byte("persisted")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	m, err = OpenFile(path, g, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer m.Close()

	buf := make([]byte, 9)
	if err := m.ReadLeb(5, 8, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "persisted" {
		t.Fatalf("read back %q", buf)
	}

	// Untouched space is erased
	if err := m.ReadLeb(4, 0, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if buf[0] != 0xFF {
		t.Fatal("fresh image is not erased")
	}

	if err := m.WriteLeb(5, 8, []byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestFileMediaLock(t *testing.T) {
	g := testGeometry()
	path := filepath.Join(t.TempDir(), "flash.img")

	m, err := CreateFile(path, g)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer m.Close()

	if _, err := OpenFile(path, g, Options{}); !errors.Is(err, ErrMediaLocked) {
		t.Fatalf("expected ErrMediaLocked, got %v", err)
	}
}

func TestFileMediaSizeMismatch(t *testing.T) {
	g := testGeometry()
	path := filepath.Join(t.TempDir(), "flash.img")

	m, err := CreateFile(path, g)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	m.Close()

	other := *g
	other.LebCount = 16
	if _, err := OpenFile(path, &other, Options{}); !errors.Is(err, ErrBadGeometry) {
		t.Fatalf("expected ErrBadGeometry, got %v", err)
	}
}
