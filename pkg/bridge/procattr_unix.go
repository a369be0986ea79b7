//go:build !linux && !windows
// +build !linux,!windows

package bridge

import "syscall"

// relaySysProcAttr puts the relay in its own process group. Without a
// parent-death signal the relay relies on EOF on its stdin to notice that
// termissh is gone.
func relaySysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
