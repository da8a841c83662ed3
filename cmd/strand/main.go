package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wilhg/strand/pkg/wal"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var dir string
	var verify bool
	var dump bool
	var from uint64

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&dir, "dir", getEnv("STRAND_DIR", "./strand-data"), "log directory")
	flag.BoolVar(&verify, "verify", false, "verify log integrity and exit")
	flag.BoolVar(&dump, "dump", false, "dump log records and exit")
	flag.Uint64Var(&from, "from", 1, "first global offset to dump")
	flag.Parse()

	if showVersion {
		fmt.Printf("strand %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	switch {
	case verify:
		res, err := wal.Verify(dir, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("segments=%d records=%d first=%d last=%d\n",
			res.Segments, res.Records, res.FirstOffset, res.LastOffset)
		if res.Torn {
			fmt.Printf("torn: %s at byte %d of %s (recovery would truncate here)\n",
				res.TornReason, res.TornAt, res.TornSegment)
			os.Exit(2)
		}
	case dump:
		_, err := wal.Verify(dir, func(rec wal.Record) bool {
			if rec.Offset < from {
				return true
			}
			fmt.Printf("offset=%d seq=%d kind=%d len=%d\n",
				rec.Offset, rec.StreamSeq, rec.Kind, len(rec.Payload))
			return true
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "dump: %v\n", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
