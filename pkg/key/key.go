// pkg/key/key.go
// Package key implements the index key algebra.
//
// # KEY FORMAT
//
// A key is a 64-bit value composed of three fields:
//
//	bits 32-63: inode number
//	bits 29-31: key type
//	bits 0-28:  discriminator (block number or name hash)
//
// Because the inode number occupies the most significant bits, followed by
// the type and then the discriminator, the natural uint64 ordering of keys
// is exactly the lexicographic ordering of the (inum, type, discriminator)
// tuple. All index ordering in the tree relies on this.
package key

const (
	// HashBits is the width of the discriminator field
	HashBits = 29

	// HashMask extracts the discriminator from the low key word
	HashMask = (1 << HashBits) - 1

	// MaxInum is the largest representable inode number
	MaxInum = (1 << 32) - 1

	// MaxBlock is the largest representable data block number
	MaxBlock = HashMask
)

// Type identifies what kind of file-system object a key refers to
type Type uint8

const (
	TypeIno Type = iota
	TypeData
	TypeDent
	TypeXent
	TypeTrun

	// TypesCount is the number of recognized key types
	TypesCount
)

// String returns the conventional short name of a key type
func (t Type) String() string {
	switch t {
	case TypeIno:
		return "ino"
	case TypeData:
		return "data"
	case TypeDent:
		return "dent"
	case TypeXent:
		return "xent"
	case TypeTrun:
		return "trun"
	}
	return "unknown"
}

// Key is a packed index key
type Key uint64

func mk(inum uint32, t Type, disc uint32) Key {
	return Key(uint64(inum)<<32 | uint64(t)<<HashBits | uint64(disc&HashMask))
}

// InoKey returns the key of an inode node
func InoKey(inum uint32) Key {
	return mk(inum, TypeIno, 0)
}

// DataKey returns the key of a data node
func DataKey(inum uint32, block uint32) Key {
	return mk(inum, TypeData, block)
}

// DentKey returns the key of a directory entry with the given name hash
func DentKey(inum uint32, hash uint32) Key {
	return mk(inum, TypeDent, hash)
}

// XentKey returns the key of an extended attribute entry
func XentKey(inum uint32, hash uint32) Key {
	return mk(inum, TypeXent, hash)
}

// TrunKey returns the in-memory key of a truncation node. Truncation keys
// never appear in the index, they only order truncations during replay.
func TrunKey(inum uint32) Key {
	return mk(inum, TypeTrun, 0)
}

// LowestInoKey returns the smallest possible key of the given inode
func LowestInoKey(inum uint32) Key {
	return Key(uint64(inum) << 32)
}

// HighestInoKey returns the largest possible key of the given inode
func HighestInoKey(inum uint32) Key {
	return Key(uint64(inum)<<32 | 0xFFFFFFFF)
}

// LowestDentKey returns the smallest directory entry key of the given inode
func LowestDentKey(inum uint32) Key {
	return mk(inum, TypeDent, 0)
}

// LowestXentKey returns the smallest extended attribute key of the given inode
func LowestXentKey(inum uint32) Key {
	return mk(inum, TypeXent, 0)
}

// MaxKey is the largest representable key. It is used as the synthetic key
// of records that must order after every real key.
const MaxKey = Key(1<<64 - 1)

// Inum returns the inode number field
func (k Key) Inum() uint32 {
	return uint32(k >> 32)
}

// Type returns the key type field
func (k Key) Type() Type {
	return Type(k >> HashBits & 7)
}

// Block returns the block number of a data key
func (k Key) Block() uint32 {
	return uint32(k) & HashMask
}

// Hash returns the name hash of a directory or extended attribute entry key
func (k Key) Hash() uint32 {
	return uint32(k) & HashMask
}

// Hashed reports whether the key's discriminator is a name hash, meaning
// distinct names may collide on the same key
func (k Key) Hashed() bool {
	t := k.Type()
	return t == TypeDent || t == TypeXent
}

// Compare returns -1, 0 or 1 as a orders before, equal to or after b
func Compare(a, b Key) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// InRange reports whether lo <= k <= hi
func InRange(k, lo, hi Key) bool {
	return k >= lo && k <= hi
}

// NameHash computes the R5 hash of a name, masked to the discriminator
// width. Hash values 0, 1 and 2 are reserved for "." and ".." and are
// remapped, so they never occur as real name hashes.
func NameHash(name string) uint32 {
	var a uint32
	for i := 0; i < len(name); i++ {
		c := uint32(int8(name[i]))
		a += c << 4
		a += c >> 4
		a *= 11
	}
	a &= HashMask
	if a <= 2 {
		a += 3
	}
	return a
}
