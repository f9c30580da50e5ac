// Agentboard dispatches board tasks to coding agents under risk, breaker and
// trust governance.
package main

import (
	"fmt"
	"os"

	"github.com/swamp-dev/agentboard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
