//go:build !windows
// +build !windows

package bridge

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func wellKnownDirs() []string {
	return []string{
		"/usr/local/libexec/termissh",
		"/usr/libexec/termissh",
		"/usr/local/bin",
		"/usr/bin",
		"/opt/termissh/bin",
		"~/.local/libexec/termissh",
	}
}

// checkExecutable reports why path cannot be launched, or nil. It only
// stats the file and asks the kernel about execute permission.
func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("missing")
		}
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("not executable")
	}
	return nil
}
