// Command kiosk is the edge agent that runs next to the POS on every
// terminal.
package main

import (
	"context"
	"fmt"
	"os"

	"xpos/internal/kioskcli"
)

func main() {
	cmd := kioskcli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(kioskcli.ExitCode(err))
	}
}
