//go:build windows
// +build windows

package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func wellKnownDirs() []string {
	var dirs []string
	for _, env := range []string{"ProgramFiles", "LOCALAPPDATA"} {
		if base := os.Getenv(env); base != "" {
			dirs = append(dirs, filepath.Join(base, "termissh"))
		}
	}
	return dirs
}

// checkExecutable reports why path cannot be launched, or nil. Windows has
// no execute bit; a regular .exe file is launchable.
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
	if !strings.EqualFold(filepath.Ext(path), ".exe") {
		return fmt.Errorf("not an .exe")
	}
	return nil
}
