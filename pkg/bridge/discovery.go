package bridge

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// RelayBaseName is the relay executable's name without platform suffix.
const RelayBaseName = "termissh-relay"

// RelayBinaryName is the relay executable's file name on this platform.
func RelayBinaryName() string {
	if runtime.GOOS == "windows" {
		return RelayBaseName + ".exe"
	}
	return RelayBaseName
}

// Discovery locates the relay executable. Candidates are tried in order:
//
//  1. ExplicitPath (a file, or a directory containing the relay)
//  2. next to the running executable, following symlinks
//  3. bundled resources: ResourceDir, then ../libexec/termissh and
//     ../Resources relative to the executable
//  4. well-known installation directories
//  5. the working directory and ./dist, only if SearchWorkingDir is set
//
// The first candidate that exists and is executable wins. Checking a
// candidate never runs it.
type Discovery struct {
	ExplicitPath     string
	ResourceDir      string
	SearchWorkingDir bool

	// Overridable for tests; nil means the real os functions and
	// platform directories.
	Executable func() (string, error)
	Getwd      func() (string, error)
	WellKnown  []string
}

// Candidates returns the de-duplicated search list.
func (d Discovery) Candidates() []string {
	name := RelayBinaryName()
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" {
			return
		}
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if explicit := expandPath(d.ExplicitPath); explicit != "" {
		if fi, err := os.Stat(explicit); err == nil && fi.IsDir() {
			add(filepath.Join(explicit, name))
		} else {
			add(explicit)
		}
	}

	executable := d.Executable
	if executable == nil {
		executable = os.Executable
	}
	var exeDirs []string
	if exe, err := executable(); err == nil {
		exeDirs = append(exeDirs, filepath.Dir(exe))
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exeDirs = append(exeDirs, filepath.Dir(resolved))
		}
	}
	for _, dir := range exeDirs {
		add(filepath.Join(dir, name))
	}

	if dir := expandPath(d.ResourceDir); dir != "" {
		add(bundled(dir, name))
	}
	for _, dir := range exeDirs {
		prefix := filepath.Dir(dir)
		add(bundled(prefix, filepath.Join("libexec", "termissh", name)))
		add(bundled(prefix, filepath.Join("Resources", name)))
	}

	wellKnown := d.WellKnown
	if wellKnown == nil {
		wellKnown = wellKnownDirs()
	}
	for _, dir := range wellKnown {
		add(filepath.Join(expandPath(dir), name))
	}

	if d.SearchWorkingDir {
		getwd := d.Getwd
		if getwd == nil {
			getwd = os.Getwd
		}
		if wd, err := getwd(); err == nil {
			add(filepath.Join(wd, name))
			add(filepath.Join(wd, "dist", name))
		}
	}
	return out
}

// bundled joins rel under root without letting it escape root.
func bundled(root, rel string) string {
	p, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return ""
	}
	return p
}

// Resolve returns the first launchable candidate, or a *RelayNotFoundError.
func (d Discovery) Resolve() (string, error) {
	var rejected []Candidate
	for _, path := range d.Candidates() {
		if err := checkExecutable(path); err != nil {
			rejected = append(rejected, Candidate{Path: path, Reason: err.Error()})
			continue
		}
		return path, nil
	}
	return "", &RelayNotFoundError{Candidates: rejected}
}

// Inspect reports every candidate with its status, for diagnostics.
func (d Discovery) Inspect() []Candidate {
	paths := d.Candidates()
	out := make([]Candidate, 0, len(paths))
	for _, path := range paths {
		c := Candidate{Path: path}
		if err := checkExecutable(path); err != nil {
			c.Reason = err.Error()
		}
		out = append(out, c)
	}
	return out
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
