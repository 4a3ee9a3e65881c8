// Command rangedl is a resumable, multi-source, multi-connection file
// downloader.
package main

import (
	"fmt"
	"os"

	"github.com/mkdlm/rangedl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
