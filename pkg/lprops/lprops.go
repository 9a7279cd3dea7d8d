// pkg/lprops/lprops.go
// Package lprops tracks per-LEB space accounting: how many bytes of each
// logical erase block are free (never written since erase) and how many
// are dirty (written but obsoleted). The garbage collector and the commit
// use these numbers to pick LEBs; journal replay corrects them for every
// bud it processes.
package lprops

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBadAccounting = errors.New("bad LEB accounting")
)

// Flags on a LEB
const (
	// Taken marks a LEB reserved by the journal or the index head; the
	// allocator must not hand it out
	Taken = 1 << iota
	// Index marks a LEB holding index nodes
	Index
)

// Keep passed as free or dirty to Change leaves the field unchanged
const Keep = -1

// Lprops is the accounting record of one LEB
type Lprops struct {
	Lnum  int
	Free  int
	Dirty int
	Flags int
}

// Table holds the accounting for all LEBs. Callers bracket groups of
// related updates with Get and Release, the same discipline the rest of
// the system uses for its accounting structures.
type Table struct {
	mu      sync.Mutex
	lebSize int
	lebs    map[int]*Lprops
}

// NewTable creates a table in which every LEB is fully free
func NewTable(lebSize int) *Table {
	return &Table{
		lebSize: lebSize,
		lebs:    make(map[int]*Lprops),
	}
}

// Get locks the table
func (t *Table) Get() {
	t.mu.Lock()
}

// Release unlocks the table
func (t *Table) Release() {
	t.mu.Unlock()
}

func (t *Table) lookup(lnum int) *Lprops {
	lp := t.lebs[lnum]
	if lp == nil {
		lp = &Lprops{Lnum: lnum, Free: t.lebSize}
		t.lebs[lnum] = lp
	}
	return lp
}

// LookupDirty returns the accounting record of a LEB, faulting it in if
// necessary. The table must be held.
func (t *Table) LookupDirty(lnum int) (*Lprops, error) {
	return t.lookup(lnum), nil
}

// Change updates a LEB's accounting. Keep (-1) preserves a field. The
// table must be held.
func (t *Table) Change(lnum, free, dirty, flags int) (*Lprops, error) {
	lp := t.lookup(lnum)
	if free != Keep {
		lp.Free = free
	}
	if dirty != Keep {
		lp.Dirty = dirty
	}
	if flags != Keep {
		lp.Flags = flags
	}
	if lp.Free < 0 || lp.Dirty < 0 || lp.Free+lp.Dirty > t.lebSize {
		return nil, fmt.Errorf("%w: LEB %d free %d dirty %d", ErrBadAccounting, lnum, lp.Free, lp.Dirty)
	}
	return lp, nil
}

// AddDirt charges bytes of a LEB as dirty. It takes the table itself, so
// it must be called without holding it. Charging LEB 0 is a no-op: 0:0 is
// never a valid main-area position and stands for "no on-flash image".
//
// The table stands in for the on-flash LEB properties tree; a LEB whose
// write history it never saw still carries the "fully free" default, so
// dirt charged there consumes the free estimate rather than violating
// the free+dirty bound.
func (t *Table) AddDirt(lnum, bytes int) error {
	if lnum == 0 || bytes == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lp := t.lookup(lnum)
	lp.Dirty += bytes
	if over := lp.Free + lp.Dirty - t.lebSize; over > 0 {
		lp.Free -= over
	}
	if lp.Free < 0 || lp.Dirty > t.lebSize {
		return fmt.Errorf("%w: LEB %d free %d dirty %d", ErrBadAccounting, lnum, lp.Free, lp.Dirty)
	}
	return nil
}

// Snapshot returns a copy of the accounting record of a LEB, without the
// caller having to hold the table
func (t *Table) Snapshot(lnum int) Lprops {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.lookup(lnum)
}
