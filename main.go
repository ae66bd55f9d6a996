// The main package for the crawlkit executable.
package main

import (
	"os"

	"github.com/parlcrawl/crawlkit/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
