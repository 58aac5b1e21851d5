package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/deepresearch/cmd/deepresearch/cmd"
)

// Set with -ldflags "-X main.version=..." when building releases.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
