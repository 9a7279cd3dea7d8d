// pkg/tnc/dump.go
package tnc

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes a human-readable rendering of the cached part of the tree.
// Unloaded subtrees are shown by their on-flash position only.
func (t *TNC) Dump(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(w, "zroot: LEB %d:%d len %d\n", t.zroot.Lnum, t.zroot.Offs, t.zroot.Len)
	dumpZnode(w, t.zroot.znode, 0)
}

func dumpZnode(w io.Writer, z *Znode, depth int) {
	if z == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%sznode level %d, %d branches, flags %s\n",
		indent, z.level, z.childCnt, flagString(z.flags))
	for i := 0; i < z.childCnt; i++ {
		zbr := &z.zbranch[i]
		fmt.Fprintf(w, "%s  [%d] %016x (%v ino %d) LEB %d:%d len %d\n",
			indent, i, uint64(zbr.Key), zbr.Key.Type(), zbr.Key.Inum(),
			zbr.Lnum, zbr.Offs, zbr.Len)
		if z.level != 0 {
			dumpZnode(w, zbr.znode, depth+1)
		}
	}
}

func flagString(f uint8) string {
	var s []string
	if f&flagDirty != 0 {
		s = append(s, "dirty")
	}
	if f&flagCow != 0 {
		s = append(s, "cow")
	}
	if f&flagObsolete != 0 {
		s = append(s, "obsolete")
	}
	if f&flagAlt != 0 {
		s = append(s, "alt")
	}
	if len(s) == 0 {
		return "clean"
	}
	return strings.Join(s, "|")
}
