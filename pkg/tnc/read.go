// pkg/tnc/read.go
package tnc

import (
	"fmt"

	"nandfs/pkg/key"
	"nandfs/pkg/node"
)

// The leaf node cache keeps the encoded payload of directory and extended
// attribute entry leaves on their zbranch, so collision resolution and
// readdir do not re-read the same entries from flash over and over. The
// cache is a hint: it may decline to populate, and a later read will hit
// the media again. Correctness holds because every mutation of a branch
// frees its cached leaf before changing the position.

// lncLookup returns the cached leaf payload, or nil
func lncLookup(zbr *Zbranch) []byte {
	return zbr.leaf
}

// lncAdd considers caching an encoded leaf node. Only entry nodes are
// cached, and only after their shape has been validated.
func lncAdd(zbr *Zbranch, raw []byte) error {
	if zbr.leaf != nil {
		return nil
	}
	kt := zbr.Key.Type()
	if kt != key.TypeDent && kt != key.TypeXent {
		return nil
	}
	if err := node.ValidateEntry(raw); err != nil {
		return err
	}
	zbr.leaf = append([]byte(nil), raw...)
	return nil
}

// lncFree drops the cached leaf payload
func lncFree(zbr *Zbranch) {
	zbr.leaf = nil
}

// expectedNodeType maps a leaf key type to the node type its target must
// have on the media
func expectedNodeType(kt key.Type) node.Type {
	switch kt {
	case key.TypeIno:
		return node.TypeIno
	case key.TypeData:
		return node.TypeData
	case key.TypeDent:
		return node.TypeDent
	case key.TypeXent:
		return node.TypeXent
	}
	return node.TypesCount
}

// readRaw reads zbr.Len bytes at the branch position. The node may sit
// in a bud that is still partly in a journal head's write buffer, in
// which case the buffered bytes are served from memory.
func (t *TNC) readRaw(zbr *Zbranch) ([]byte, error) {
	buf := make([]byte, zbr.Len)
	if t.wbufs != nil {
		if w := t.wbufs.For(zbr.Lnum); w != nil {
			return buf, w.ReadNode(zbr.Lnum, zbr.Offs, buf)
		}
	}
	return buf, t.m.ReadLeb(zbr.Lnum, zbr.Offs, buf)
}

// readNode reads the leaf node referenced by zbr and verifies that what
// came back is the node the branch points at
func (t *TNC) readNode(zbr *Zbranch) ([]byte, error) {
	if leaf := lncLookup(zbr); leaf != nil {
		return leaf, nil
	}
	buf, err := t.readRaw(zbr)
	if err != nil {
		return nil, err
	}
	h, err := node.DecodeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("leaf node at LEB %d:%d: %w", zbr.Lnum, zbr.Offs, err)
	}
	if h.Type != expectedNodeType(zbr.Key.Type()) || h.Len != zbr.Len {
		return nil, fmt.Errorf("%w: wrong node at LEB %d:%d: type %v len %d",
			node.ErrCorrupt, zbr.Lnum, zbr.Offs, h.Type, h.Len)
	}
	if k, ok := node.NodeKey(h, buf); !ok || key.Compare(k, zbr.Key) != 0 {
		return nil, fmt.Errorf("%w: bad key in node at LEB %d:%d", node.ErrCorrupt, zbr.Lnum, zbr.Offs)
	}
	if err := lncAdd(zbr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadNode reads the leaf node behind a zbranch copy obtained under the
// lock. This is the only operation allowed outside the tree lock.
func (t *TNC) ReadNode(zbr Zbranch) ([]byte, error) {
	zbr.leaf = nil
	return t.readNode(&zbr)
}

// tryReadNode reads a node of known type and length but does not insist
// one is there: it reports false for erased space, a foreign node or a
// torn write, and fails only on real I/O errors
func (t *TNC) tryReadNode(zbr *Zbranch, want node.Type) ([]byte, bool, error) {
	buf, err := t.readRaw(zbr)
	if err != nil {
		return nil, false, err
	}
	h, ok := node.Probe(buf)
	if !ok || h.Type != want || h.Len != zbr.Len {
		return nil, false, nil
	}
	return buf, true, nil
}

// fallibleReadNode reads a leaf node that may legitimately no longer
// exist: during replay, a branch can refer to a node in a bud that was
// garbage-collected after the journal record was written. It returns
// false if the node is not on the media. A present node younger than the
// record being replayed cannot be the branch target either, since it was
// not yet written when the branch was: it is reported absent as well.
func (t *TNC) fallibleReadNode(k key.Key, zbr *Zbranch) ([]byte, bool, error) {
	if leaf := lncLookup(zbr); leaf != nil {
		return leaf, true, nil
	}
	buf, ok, err := t.tryReadNode(zbr, expectedNodeType(k.Type()))
	if err != nil || !ok {
		return nil, false, err
	}
	h, _ := node.DecodeHeader(buf)
	nk, ok := node.NodeKey(h, buf)
	if !ok || key.Compare(nk, k) != 0 {
		return nil, false, nil
	}
	if h.Sqnum > t.replaySqnum {
		return nil, false, nil
	}
	if err := lncAdd(zbr, buf); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}
