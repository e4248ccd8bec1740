package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/kolide/cabkit/pkg/cab"
	"github.com/kolide/kit/env"
	"github.com/pkg/errors"
)

func runList(args []string) error {
	flagset := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		flCabinet = flagset.String(
			"cabinet",
			env.String("CABINET", ""),
			"path to the first cabinet of a set",
		)
		flVerify = flagset.Bool(
			"verify",
			env.Bool("VERIFY", false),
			"decompress every file and check block checksums",
		)
	)

	flagset.Usage = usageFor(flagset, "cabinet-builder list [flags]")
	if err := flagset.Parse(args); err != nil {
		return err
	}

	if *flCabinet == "" {
		return errors.New("cabinet is required")
	}

	return listSet(os.Stdout, *flCabinet, *flVerify)
}

// listSet prints every entry of the set starting at first, one cabinet
// after another.
func listSet(out io.Writer, first string, verify bool) error {
	set, err := cab.OpenSet(first)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "CABINET\tFILE\tSIZE\tMODIFIED\tSPAN\n")

	for _, c := range set {
		for _, e := range c.Files {
			span := ""
			switch {
			case e.ContinuedFromPrev() && e.ContinuedToNext():
				span = "prev,next"
			case e.ContinuedFromPrev():
				span = "prev"
			case e.ContinuedToNext():
				span = "next"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				filepath.Base(c.Path),
				e.Name,
				humanize.IBytes(uint64(e.Size)),
				e.Modified.Format("2006-01-02 15:04:05"),
				span,
			)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !verify {
		return nil
	}

	var files int
	var total int64
	err = cab.ExtractSet(first, func(name string, r io.Reader) error {
		n, err := io.Copy(io.Discard, r)
		files++
		total += n
		return err
	})
	if err != nil {
		return errors.Wrap(err, "verifying cabinet set")
	}

	fmt.Fprintf(out, "\nverified %d files, %s\n", files, humanize.IBytes(uint64(total)))
	return nil
}
