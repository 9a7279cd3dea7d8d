// pkg/node/node.go
// Package node implements the on-flash node formats.
//
// # COMMON HEADER
//
// Every node written to the media starts with a 24-byte header of
// little-endian fields:
//
//	0-3:   Magic number (0x4e464d31)
//	4-7:   CRC32 of the node from byte 8 to the end of the node
//	8-15:  Sequence number
//	16-19: Node length including this header
//	20:    Node type
//	21-23: Padding, must be zero
//
// Nodes are 8-byte aligned on the media; the length field is the exact,
// unaligned length.
package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"nandfs/pkg/key"
)

const (
	// HeaderSize is the size of the common node header in bytes
	HeaderSize = 24

	// Magic identifies a node on the media
	Magic = 0x4e464d31
)

var (
	ErrCorrupt = errors.New("corrupt node")
)

// Type is an on-flash node type
type Type uint8

const (
	TypeIno Type = iota
	TypeData
	TypeDent
	TypeXent
	TypeTrun
	TypePad
	TypeRef
	TypeCs
	TypeIdx

	// TypesCount is the number of on-flash node types
	TypesCount
)

// String returns the conventional short name of a node type
func (t Type) String() string {
	switch t {
	case TypeIno:
		return "inode"
	case TypeData:
		return "data"
	case TypeDent:
		return "dent"
	case TypeXent:
		return "xent"
	case TypeTrun:
		return "trun"
	case TypePad:
		return "pad"
	case TypeRef:
		return "ref"
	case TypeCs:
		return "commit-start"
	case TypeIdx:
		return "index"
	}
	return "unknown"
}

// Fixed node sizes and payload offsets
const (
	InoNodeSize  = HeaderSize + 24 // key, size, nlink, mode
	DataNodeSize = HeaderSize + 16 // key, size, pad; data follows
	DentNodeSize = HeaderSize + 20 // key, inum, dtype, nlen, pad; name follows
	TrunNodeSize = HeaderSize + 24 // inum, old size, new size
	RefNodeSize  = HeaderSize + 16 // lnum, offs, jhead, pad
	CsNodeSize   = HeaderSize + 8  // commit number
	PadNodeSize  = HeaderSize + 8  // pad length, pad

	// IdxBranchSize is the size of one encoded index branch
	IdxBranchSize = 20

	// MaxNameLen is the longest directory entry name
	MaxNameLen = 255

	// ItypesCount is the number of directory entry types (regular, dir,
	// symlink, block dev, char dev, fifo, socket)
	ItypesCount = 7
)

// Align8 rounds n up to the 8-byte media alignment
func Align8(n int) int {
	return (n + 7) &^ 7
}

// IdxNodeSize returns the encoded size of an index node with n branches
func IdxNodeSize(n int) int {
	return HeaderSize + 4 + n*IdxBranchSize
}

// Header is the decoded common header of a node
type Header struct {
	Sqnum uint64
	Len   int
	Type  Type
}

// crc computes the header/payload checksum of an encoded node
func crc(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf[8:])
}

// finish stamps the common header fields into an encoded node and computes
// its CRC. The buffer must already hold the payload.
func finish(buf []byte, t Type, sqnum uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], sqnum)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(buf)))
	buf[20] = byte(t)
	buf[21], buf[22], buf[23] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], crc(buf))
}

// DecodeHeader decodes and validates the common header. The buffer may be
// longer than the node. The node CRC is verified against the length
// recorded in the header.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, binary.LittleEndian.Uint32(buf[0:4]))
	}
	h.Sqnum = binary.LittleEndian.Uint64(buf[8:16])
	h.Len = int(binary.LittleEndian.Uint32(buf[16:20]))
	h.Type = Type(buf[20])
	if h.Len < HeaderSize || h.Len > len(buf) {
		return h, fmt.Errorf("%w: bad length %d", ErrCorrupt, h.Len)
	}
	if h.Type >= TypesCount {
		return h, fmt.Errorf("%w: bad node type %d", ErrCorrupt, h.Type)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != crc(buf[:h.Len]) {
		return h, fmt.Errorf("%w: bad CRC", ErrCorrupt)
	}
	return h, nil
}

// Probe decodes the common header without failing the whole scan: it
// returns (header, ok) where ok is false if no valid node starts at buf.
// An I/O-sized prefix of 0xFF bytes means erased space and is also not ok.
func Probe(buf []byte) (Header, bool) {
	h, err := DecodeHeader(buf)
	return h, err == nil
}

// Branch is one decoded branch of an index node
type Branch struct {
	Key  key.Key
	Lnum int
	Offs int
	Len  int
}

// Idx is an index node: one page of the on-flash tree
type Idx struct {
	Sqnum    uint64
	Level    int
	Branches []Branch
}

// Encode serializes the index node
func (x *Idx) Encode() []byte {
	buf := make([]byte, IdxNodeSize(len(x.Branches)))
	binary.LittleEndian.PutUint16(buf[24:26], uint16(len(x.Branches)))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(x.Level))
	p := 28
	for _, br := range x.Branches {
		binary.LittleEndian.PutUint64(buf[p:p+8], uint64(br.Key))
		binary.LittleEndian.PutUint32(buf[p+8:p+12], uint32(br.Lnum))
		binary.LittleEndian.PutUint32(buf[p+12:p+16], uint32(br.Offs))
		binary.LittleEndian.PutUint32(buf[p+16:p+20], uint32(br.Len))
		p += IdxBranchSize
	}
	finish(buf, TypeIdx, x.Sqnum)
	return buf
}

// DecodeIdx decodes an index node
func DecodeIdx(buf []byte) (*Idx, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeIdx {
		return nil, fmt.Errorf("%w: expected index node, got %v", ErrCorrupt, h.Type)
	}
	if h.Len < HeaderSize+4 {
		return nil, fmt.Errorf("%w: short index node", ErrCorrupt)
	}
	cnt := int(binary.LittleEndian.Uint16(buf[24:26]))
	x := &Idx{
		Sqnum: h.Sqnum,
		Level: int(binary.LittleEndian.Uint16(buf[26:28])),
	}
	if h.Len != IdxNodeSize(cnt) {
		return nil, fmt.Errorf("%w: index node length %d does not match %d branches", ErrCorrupt, h.Len, cnt)
	}
	x.Branches = make([]Branch, cnt)
	p := 28
	for i := range x.Branches {
		x.Branches[i] = Branch{
			Key:  key.Key(binary.LittleEndian.Uint64(buf[p : p+8])),
			Lnum: int(binary.LittleEndian.Uint32(buf[p+8 : p+12])),
			Offs: int(binary.LittleEndian.Uint32(buf[p+12 : p+16])),
			Len:  int(binary.LittleEndian.Uint32(buf[p+16 : p+20])),
		}
		p += IdxBranchSize
	}
	return x, nil
}

// Ino is an inode node
type Ino struct {
	Sqnum uint64
	Key   key.Key
	Size  uint64
	Nlink uint32
	Mode  uint32
}

// Encode serializes the inode node
func (n *Ino) Encode() []byte {
	buf := make([]byte, InoNodeSize)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.Key))
	binary.LittleEndian.PutUint64(buf[32:40], n.Size)
	binary.LittleEndian.PutUint32(buf[40:44], n.Nlink)
	binary.LittleEndian.PutUint32(buf[44:48], n.Mode)
	finish(buf, TypeIno, n.Sqnum)
	return buf
}

// DecodeIno decodes an inode node
func DecodeIno(buf []byte) (*Ino, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeIno || h.Len != InoNodeSize {
		return nil, fmt.Errorf("%w: bad inode node", ErrCorrupt)
	}
	return &Ino{
		Sqnum: h.Sqnum,
		Key:   key.Key(binary.LittleEndian.Uint64(buf[24:32])),
		Size:  binary.LittleEndian.Uint64(buf[32:40]),
		Nlink: binary.LittleEndian.Uint32(buf[40:44]),
		Mode:  binary.LittleEndian.Uint32(buf[44:48]),
	}, nil
}

// Data is a data node carrying one block of file content
type Data struct {
	Sqnum uint64
	Key   key.Key
	Size  uint32 // uncompressed data size in bytes
	Data  []byte
}

// Encode serializes the data node
func (n *Data) Encode() []byte {
	buf := make([]byte, DataNodeSize+len(n.Data))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.Key))
	binary.LittleEndian.PutUint32(buf[32:36], n.Size)
	copy(buf[40:], n.Data)
	finish(buf, TypeData, n.Sqnum)
	return buf
}

// DecodeData decodes a data node
func DecodeData(buf []byte) (*Data, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeData || h.Len < DataNodeSize {
		return nil, fmt.Errorf("%w: bad data node", ErrCorrupt)
	}
	return &Data{
		Sqnum: h.Sqnum,
		Key:   key.Key(binary.LittleEndian.Uint64(buf[24:32])),
		Size:  binary.LittleEndian.Uint32(buf[32:36]),
		Data:  append([]byte(nil), buf[40:h.Len]...),
	}, nil
}

// Dent is a directory entry or extended attribute entry node. An entry
// with Inum == 0 is a deletion entry.
type Dent struct {
	Sqnum uint64
	Key   key.Key
	Inum  uint64
	Dtype uint8
	Name  string
	Xent  bool
}

// Encode serializes the entry node
func (n *Dent) Encode() []byte {
	buf := make([]byte, DentNodeSize+len(n.Name)+1)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.Key))
	binary.LittleEndian.PutUint64(buf[32:40], n.Inum)
	buf[40] = n.Dtype
	binary.LittleEndian.PutUint16(buf[41:43], uint16(len(n.Name)))
	copy(buf[44:], n.Name)
	t := TypeDent
	if n.Xent {
		t = TypeXent
	}
	finish(buf, t, n.Sqnum)
	return buf
}

// DecodeDent decodes a directory or extended attribute entry node
func DecodeDent(buf []byte) (*Dent, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeDent && h.Type != TypeXent {
		return nil, fmt.Errorf("%w: expected entry node, got %v", ErrCorrupt, h.Type)
	}
	if h.Len < DentNodeSize+1 {
		return nil, fmt.Errorf("%w: short entry node", ErrCorrupt)
	}
	nlen := int(binary.LittleEndian.Uint16(buf[41:43]))
	d := &Dent{
		Sqnum: h.Sqnum,
		Key:   key.Key(binary.LittleEndian.Uint64(buf[24:32])),
		Inum:  binary.LittleEndian.Uint64(buf[32:40]),
		Dtype: buf[40],
		Xent:  h.Type == TypeXent,
	}
	if DentNodeSize+nlen+1 != h.Len {
		return nil, fmt.Errorf("%w: entry length %d does not match name length %d", ErrCorrupt, h.Len, nlen)
	}
	d.Name = string(buf[44 : 44+nlen])
	return d, nil
}

// ValidateEntry checks the shape of an encoded directory or extended
// attribute entry node: length consistent with the name length, known
// entry type, bounded and NUL-terminated name without embedded NULs, and
// a representable inode number.
func ValidateEntry(buf []byte) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if h.Type != TypeDent && h.Type != TypeXent {
		return fmt.Errorf("%w: bad entry node type %v", ErrCorrupt, h.Type)
	}
	if h.Len < DentNodeSize+1 {
		return fmt.Errorf("%w: short entry node", ErrCorrupt)
	}
	nlen := int(binary.LittleEndian.Uint16(buf[41:43]))
	inum := binary.LittleEndian.Uint64(buf[32:40])
	if h.Len != DentNodeSize+nlen+1 ||
		buf[40] >= ItypesCount ||
		nlen > MaxNameLen ||
		buf[DentNodeSize+nlen] != 0 ||
		inum > key.MaxInum {
		return fmt.Errorf("%w: bad entry node", ErrCorrupt)
	}
	for i := 0; i < nlen; i++ {
		if buf[DentNodeSize+i] == 0 {
			return fmt.Errorf("%w: entry name contains NUL", ErrCorrupt)
		}
	}
	return nil
}

// EntryName extracts the name from a validated encoded entry node
func EntryName(buf []byte) string {
	nlen := int(binary.LittleEndian.Uint16(buf[41:43]))
	return string(buf[DentNodeSize : DentNodeSize+nlen])
}

// Trun is a truncation node. Truncations are deletion entries: they exist
// only in the journal, never in the index.
type Trun struct {
	Sqnum   uint64
	Inum    uint32
	OldSize uint64
	NewSize uint64
}

// Encode serializes the truncation node
func (n *Trun) Encode() []byte {
	buf := make([]byte, TrunNodeSize)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.Inum))
	binary.LittleEndian.PutUint64(buf[32:40], n.OldSize)
	binary.LittleEndian.PutUint64(buf[40:48], n.NewSize)
	finish(buf, TypeTrun, n.Sqnum)
	return buf
}

// DecodeTrun decodes a truncation node
func DecodeTrun(buf []byte) (*Trun, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeTrun || h.Len != TrunNodeSize {
		return nil, fmt.Errorf("%w: bad truncation node", ErrCorrupt)
	}
	return &Trun{
		Sqnum:   h.Sqnum,
		Inum:    uint32(binary.LittleEndian.Uint64(buf[24:32])),
		OldSize: binary.LittleEndian.Uint64(buf[32:40]),
		NewSize: binary.LittleEndian.Uint64(buf[40:48]),
	}, nil
}

// Ref is a journal reference node: it records that a bud starts at
// Lnum:Offs and belongs to journal head Jhead.
type Ref struct {
	Sqnum uint64
	Lnum  int
	Offs  int
	Jhead int
}

// Encode serializes the reference node
func (n *Ref) Encode() []byte {
	buf := make([]byte, RefNodeSize)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(n.Lnum))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(n.Offs))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Jhead))
	finish(buf, TypeRef, n.Sqnum)
	return buf
}

// DecodeRef decodes a reference node
func DecodeRef(buf []byte) (*Ref, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeRef || h.Len != RefNodeSize {
		return nil, fmt.Errorf("%w: bad reference node", ErrCorrupt)
	}
	return &Ref{
		Sqnum: h.Sqnum,
		Lnum:  int(binary.LittleEndian.Uint32(buf[24:28])),
		Offs:  int(binary.LittleEndian.Uint32(buf[28:32])),
		Jhead: int(binary.LittleEndian.Uint32(buf[32:36])),
	}, nil
}

// Cs is a commit start node, the first node of every commit's log
type Cs struct {
	Sqnum uint64
	CmtNo uint64
}

// Encode serializes the commit start node
func (n *Cs) Encode() []byte {
	buf := make([]byte, CsNodeSize)
	binary.LittleEndian.PutUint64(buf[24:32], n.CmtNo)
	finish(buf, TypeCs, n.Sqnum)
	return buf
}

// DecodeCs decodes a commit start node
func DecodeCs(buf []byte) (*Cs, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeCs || h.Len != CsNodeSize {
		return nil, fmt.Errorf("%w: bad commit start node", ErrCorrupt)
	}
	return &Cs{Sqnum: h.Sqnum, CmtNo: binary.LittleEndian.Uint64(buf[24:32])}, nil
}

// Pad is a padding node filling the unused tail of a minimal I/O unit.
// PadLen bytes of zero padding follow the node itself.
type Pad struct {
	PadLen int
}

// Encode serializes the padding node followed by its padding bytes
func (n *Pad) Encode() []byte {
	buf := make([]byte, PadNodeSize+n.PadLen)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(n.PadLen))
	finish(buf[:PadNodeSize], TypePad, 0)
	return buf
}

// DecodePad decodes a padding node and returns the number of padding
// bytes that follow it
func DecodePad(buf []byte) (int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.Type != TypePad || h.Len != PadNodeSize {
		return 0, fmt.Errorf("%w: bad padding node", ErrCorrupt)
	}
	padLen := int(binary.LittleEndian.Uint32(buf[24:28]))
	if padLen < 0 || PadNodeSize+padLen > len(buf) {
		return 0, fmt.Errorf("%w: bad padding length %d", ErrCorrupt, padLen)
	}
	return padLen, nil
}

// NodeKey extracts the key of an encoded leaf node. Truncation nodes do
// not carry a key on the media, so one is synthesized from the inode
// number. Nodes without a key return false.
func NodeKey(h Header, buf []byte) (key.Key, bool) {
	switch h.Type {
	case TypeIno, TypeData, TypeDent, TypeXent:
		return key.Key(binary.LittleEndian.Uint64(buf[24:32])), true
	case TypeTrun:
		return key.TrunKey(uint32(binary.LittleEndian.Uint64(buf[24:32]))), true
	}
	return 0, false
}

// LeafLenRange returns the valid on-flash length range for leaf nodes
// referenced from level-0 index branches, per key type. blockSize is the
// file data block size. ok is false for key types that never appear in
// the index.
func LeafLenRange(t key.Type, blockSize int) (min, max int, ok bool) {
	switch t {
	case key.TypeIno:
		return InoNodeSize, InoNodeSize, true
	case key.TypeData:
		return DataNodeSize, DataNodeSize + blockSize, true
	case key.TypeDent, key.TypeXent:
		return DentNodeSize + 2, DentNodeSize + MaxNameLen + 1, true
	}
	return 0, 0, false
}
