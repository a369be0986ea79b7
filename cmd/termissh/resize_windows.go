//go:build windows

package main

// watchTerminalResize is a no-op: Windows has no SIGWINCH. The session
// keeps the size it started with.
func watchTerminalResize(func()) (stop func()) {
	return func() {}
}
