// Command stripefs-fsck audits a cluster's on-disk chunk files
// directly, without contacting any running server: it verifies the
// RAID-4 parity invariant stripe by stripe and reports a BLAKE3
// digest per node for every file found.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/stripefs/stripefs/lib/fsck"
)

func main() {
	clean, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !clean {
		os.Exit(1)
	}
}

func run() (bool, error) {
	var roots []string

	flagSet := pflag.NewFlagSet("stripefs-fsck", pflag.ContinueOnError)
	flagSet.StringArrayVar(&roots, "storage-root", nil, "a node's local storage root, in stripe order; repeat once per node")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return true, nil
		}
		printUsage(flagSet)
		return true, err
	}
	if *help {
		printUsage(flagSet)
		return true, nil
	}
	if len(roots) == 0 {
		printUsage(flagSet)
		return true, fmt.Errorf("at least one --storage-root is required")
	}

	results, err := fsck.Audit(roots)
	if err != nil {
		return true, err
	}

	clean := true
	for _, result := range results {
		if result.Clean() {
			fmt.Printf("OK   %s\n", result.Name)
		} else {
			clean = false
			fmt.Printf("FAIL %s", result.Name)
			if result.SizeMismatch {
				fmt.Printf(" size-mismatch")
			}
			for _, s := range result.BadStripes {
				fmt.Printf(" bad-stripe=%d", s)
			}
			fmt.Println()
		}
		for i, digest := range result.NodeDigests {
			fmt.Printf("     node %d: %s\n", i, digest)
		}
	}

	return clean, nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: stripefs-fsck --storage-root <dir> [--storage-root <dir> ...]\n\n")
	flagSet.PrintDefaults()
}
