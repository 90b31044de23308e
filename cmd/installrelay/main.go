// Command installrelay serves a cached installer script and counts its downloads.
package main

import (
	"os"

	"github.com/nhalm/installrelay/cmd/installrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
