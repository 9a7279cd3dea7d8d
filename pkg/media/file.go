// pkg/media/file.go
package media

import (
	"fmt"
	"os"
)

// FileMedia is a media backed by a regular file: LEB n occupies bytes
// [n*LebSize, (n+1)*LebSize). An exclusive lock is held on the file for
// the lifetime of the media so two processes cannot write the same image.
type FileMedia struct {
	file     *os.File
	lebSize  int
	lebCount int
	readOnly bool
}

// Options configures a file media
type Options struct {
	ReadOnly bool
}

// CreateFile creates a fully erased image file for the given geometry,
// truncating any existing file at path
func CreateFile(path string, g *Geometry) (*FileMedia, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	m := &FileMedia{file: f, lebSize: g.LebSize, lebCount: g.LebCount}
	erased := make([]byte, g.LebSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	for lnum := 0; lnum < g.LebCount; lnum++ {
		if _, err := f.WriteAt(erased, int64(lnum)*int64(g.LebSize)); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// OpenFile opens an existing image file
func OpenFile(path string, g *Geometry, opts Options) (*FileMedia, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != int64(g.LebSize)*int64(g.LebCount) {
		f.Close()
		return nil, fmt.Errorf("%w: image size %d does not match %d LEBs of %d bytes",
			ErrBadGeometry, info.Size(), g.LebCount, g.LebSize)
	}
	return &FileMedia{
		file:     f,
		lebSize:  g.LebSize,
		lebCount: g.LebCount,
		readOnly: opts.ReadOnly,
	}, nil
}

func (m *FileMedia) check(lnum, offs, n int) error {
	if lnum < 0 || lnum >= m.lebCount || offs < 0 || offs+n > m.lebSize {
		return fmt.Errorf("%w: LEB %d:%d len %d", ErrOutOfRange, lnum, offs, n)
	}
	return nil
}

// ReadLeb implements Media
func (m *FileMedia) ReadLeb(lnum, offs int, buf []byte) error {
	if err := m.check(lnum, offs, len(buf)); err != nil {
		return err
	}
	_, err := m.file.ReadAt(buf, int64(lnum)*int64(m.lebSize)+int64(offs))
	return err
}

// WriteLeb implements Media
func (m *FileMedia) WriteLeb(lnum, offs int, data []byte) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.check(lnum, offs, len(data)); err != nil {
		return err
	}
	_, err := m.file.WriteAt(data, int64(lnum)*int64(m.lebSize)+int64(offs))
	return err
}

// UnmapLeb implements Media
func (m *FileMedia) UnmapLeb(lnum int) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.check(lnum, 0, 0); err != nil {
		return err
	}
	erased := make([]byte, m.lebSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	_, err := m.file.WriteAt(erased, int64(lnum)*int64(m.lebSize))
	return err
}

// LebCount implements Media
func (m *FileMedia) LebCount() int {
	return m.lebCount
}

// Sync flushes the image file to stable storage
func (m *FileMedia) Sync() error {
	if m.readOnly {
		return nil
	}
	return m.file.Sync()
}

// Close releases the lock and closes the image file
func (m *FileMedia) Close() error {
	if m.file == nil {
		return nil
	}
	unlockFile(m.file)
	err := m.file.Close()
	m.file = nil
	return err
}
