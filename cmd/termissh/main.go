// Termissh is a tabbed SSH terminal. Each tab is served by its own
// termissh-relay process, which owns the SSH connection and the remote PTY;
// termissh only exchanges framed bytes with it over stdio.
//
// Hosts come from ~/.config/termissh/hosts.yaml (or .toml), optionally
// merged with ~/.ssh/config. Run without arguments for the tabbed UI, or
// see `termissh --help` for the other commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "termissh: %v\n", err)
		os.Exit(1)
	}
}
