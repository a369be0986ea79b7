//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchTerminalResize calls fn on every SIGWINCH while stdout is a
// terminal. The returned func stops watching.
func watchTerminalResize(fn func()) (stop func()) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-winch:
				if term.IsTerminal(int(os.Stdout.Fd())) {
					fn()
				}
			}
		}
	}()

	return func() {
		signal.Stop(winch)
		close(done)
	}
}
