//go:build windows
// +build windows

package bridge

import "syscall"

func relaySysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}
