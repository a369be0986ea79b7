//go:build linux
// +build linux

package bridge

import "syscall"

// relaySysProcAttr puts the relay in its own process group, so terminal
// signals aimed at termissh do not reach it, and has the kernel kill it if
// termissh dies without closing it.
func relaySysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
