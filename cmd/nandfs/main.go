// cmd/nandfs/main.go
//
// nandfs - inspect a flash file-system image.
//
// Usage:
//
//	nandfs [flags] image-file
//
// The tool opens the image read-only, replays its journal and prints what
// the replay learned. With -dump the reconstructed index is printed too.
package main

import (
	"flag"
	"fmt"
	"os"

	"nandfs/pkg/lprops"
	"nandfs/pkg/media"
	"nandfs/pkg/replay"
	"nandfs/pkg/tnc"
)

func main() {
	var (
		lebSize  = flag.Int("leb-size", 64*1024, "bytes per logical erase block")
		lebCount = flag.Int("lebs", 64, "number of logical erase blocks")
		logLebs  = flag.Int("log-lebs", 4, "number of log LEBs")
		fanout   = flag.Int("fanout", 8, "index tree fanout")
		cmtNo    = flag.Uint64("cmt-no", 0, "expected commit number")
		lhead    = flag.Int("lhead", 0, "log head LEB (defaults to the first log LEB)")
		rootLnum = flag.Int("root-lnum", 0, "index root LEB")
		rootOffs = flag.Int("root-offs", 0, "index root offset")
		rootLen  = flag.Int("root-len", 0, "index root length")
		recovery = flag.Bool("recover", false, "tolerate a torn journal tail")
		dump     = flag.Bool("dump", false, "dump the reconstructed index")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nandfs [flags] image-file")
		os.Exit(2)
	}

	geom := &media.Geometry{
		LebSize:  *lebSize,
		LebCount: *lebCount,
		LogLebs:  *logLebs,
		Fanout:   *fanout,
	}
	if err := geom.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *lhead == 0 {
		*lhead = geom.LogFirst
	}

	m, err := media.OpenFile(flag.Arg(0), geom, media.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening image: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	lp := lprops.NewTable(geom.LebSize)
	t, err := tnc.New(tnc.Config{
		Geom:     geom,
		Media:    m,
		Lprops:   lp,
		RootLnum: *rootLnum,
		RootOffs: *rootOffs,
		RootLen:  *rootLen,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer t.Close()

	stats, err := replay.Run(&replay.Config{
		Geom:         geom,
		Media:        m,
		TNC:          t,
		Lprops:       lp,
		CmtNo:        *cmtNo,
		LheadLnum:    *lhead,
		NeedRecovery: *recovery,
		ReadOnly:     true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("log head:       LEB %d:%d\n", stats.LheadLnum, stats.LheadOffs)
	fmt.Printf("commit start:   sqnum %d\n", stats.CsSqnum)
	fmt.Printf("max sqnum:      %d\n", stats.MaxSqnum)
	fmt.Printf("highest inode:  %d\n", stats.HighestInum)
	fmt.Printf("journal bytes:  %d\n", stats.BudBytes)
	fmt.Printf("cached znodes:  %d clean, %d dirty\n", t.CleanCount(), t.DirtyCount())

	if *dump {
		fmt.Println()
		t.Dump(os.Stdout)
	}
}
