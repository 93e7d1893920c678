// interceptd - an HTTP(S) interception proxy driven by test callbacks.
package main

import (
	"fmt"
	"os"

	"github.com/interceptd/interceptd/pkg/cli"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.Version = Version
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
