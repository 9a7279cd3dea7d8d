// pkg/key/key_test.go
package key

import (
	"sort"
	"testing"
)

func TestKeyFields(t *testing.T) {
	k := DataKey(42, 17)
	if k.Inum() != 42 {
		t.Errorf("expected inum 42, got %d", k.Inum())
	}
	if k.Type() != TypeData {
		t.Errorf("expected data key, got %v", k.Type())
	}
	if k.Block() != 17 {
		t.Errorf("expected block 17, got %d", k.Block())
	}

	d := DentKey(7, 0x1234)
	if d.Type() != TypeDent || d.Hash() != 0x1234 || d.Inum() != 7 {
		t.Errorf("bad dent key fields: %v %d %d", d.Type(), d.Hash(), d.Inum())
	}
}

func TestKeyOrdering(t *testing.T) {
	// The uint64 ordering must match the (inum, type, discriminator)
	// tuple ordering
	ordered := []Key{
		InoKey(1),
		DataKey(1, 0),
		DataKey(1, 1),
		DentKey(1, 3),
		DentKey(1, 4),
		XentKey(1, 3),
		TrunKey(1),
		InoKey(2),
		DataKey(2, 0),
	}
	if !sort.SliceIsSorted(ordered, func(i, j int) bool {
		return Compare(ordered[i], ordered[j]) < 0
	}) {
		t.Fatal("key sequence is not ordered by (inum, type, discriminator)")
	}
}

func TestKeyHashed(t *testing.T) {
	cases := []struct {
		k      Key
		hashed bool
	}{
		{InoKey(1), false},
		{DataKey(1, 5), false},
		{DentKey(1, 9), true},
		{XentKey(1, 9), true},
		{TrunKey(1), false},
	}
	for _, c := range cases {
		if c.k.Hashed() != c.hashed {
			t.Errorf("key %v: expected hashed=%v", c.k.Type(), c.hashed)
		}
	}
}

func TestInoKeyRange(t *testing.T) {
	lo, hi := LowestInoKey(5), HighestInoKey(5)
	for _, k := range []Key{InoKey(5), DataKey(5, 0), DataKey(5, MaxBlock), DentKey(5, 100), XentKey(5, 100)} {
		if !InRange(k, lo, hi) {
			t.Errorf("key %v of inode 5 not in the inode's range", k.Type())
		}
	}
	for _, k := range []Key{InoKey(4), InoKey(6), DataKey(6, 0), HighestInoKey(4)} {
		if InRange(k, lo, hi) {
			t.Errorf("foreign key %016x in inode 5's range", uint64(k))
		}
	}
}

func TestNameHashReservedValues(t *testing.T) {
	// 0, 1 and 2 are reserved; no name may hash to them
	names := []string{"", "a", "b", ".", "..", "some-longer-name", "\x01\x02"}
	for _, name := range names {
		if h := NameHash(name); h <= 2 {
			t.Errorf("name %q hashed to reserved value %d", name, h)
		}
	}
}

func TestNameHashStable(t *testing.T) {
	if NameHash("hello") != NameHash("hello") {
		t.Error("hash is not deterministic")
	}
	if NameHash("hello") == NameHash("world") {
		t.Error("suspicious hash collision between test names")
	}
	if NameHash("x")&^uint32(HashMask) != 0 {
		t.Error("hash exceeds the discriminator width")
	}
}
