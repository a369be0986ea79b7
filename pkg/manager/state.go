package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Persistent state for termissh: the most recently opened hosts, kept in a
// JSON file under the user's state dir:
//
//   ~/.local/state/termissh/state.json
//
// On systems honoring XDG, $XDG_STATE_HOME is used instead of ~/.local/state.

const (
	defaultConfigDirName = "termissh"
	defaultStateFilename = "state.json"

	defaultRecentsLimit = 50
)

// State represents the on-disk JSON structure.
// Keep fields stable for backward compatibility.
type State struct {
	Version int `json:"version,omitempty"`

	// Recents stores a most-recently-used list of host names.
	// The first element is the most recent.
	Recents []string `json:"recents,omitempty"`

	// Updated tracks the last update time in RFC3339.
	Updated string `json:"updated,omitempty"`
}

// DefaultConfigDir returns the directory path for this application's config.
// Precedence:
//  1. $XDG_CONFIG_HOME/termissh
//  2. ~/.config/termissh
func DefaultConfigDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, defaultConfigDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName), nil
}

// DefaultStateDir returns the directory for state, logs and transcripts.
// Precedence:
//  1. $XDG_STATE_HOME/termissh
//  2. ~/.local/state/termissh
func DefaultStateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, defaultConfigDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", defaultConfigDirName), nil
}

// DefaultStatePath returns the full path to the state.json file.
func DefaultStatePath() (string, error) {
	dir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultStateFilename), nil
}

// DefaultLogPath is where the TUI writes its own log, since the terminal
// belongs to the UI.
func DefaultLogPath() (string, error) {
	dir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "termissh.log"), nil
}

// LoadState reads the state JSON from path. If path is empty, the default path is used.
// If the file does not exist, it returns an empty state and nil error.
func LoadState(path string) (*State, error) {
	if strings.TrimSpace(path) == "" {
		var err error
		path, err = DefaultStatePath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{Version: 1}, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.Version == 0 {
		st.Version = 1
	}
	st.ensureUnique()
	return &st, nil
}

// SaveState writes the state JSON to path atomically.
// If path is empty, the default path is used.
// The parent directory is created with 0700 permissions if missing.
func SaveState(path string, st *State) error {
	if st == nil {
		return errors.New("nil state")
	}
	if strings.TrimSpace(path) == "" {
		var err error
		path, err = DefaultStatePath()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	st2 := *st
	st2.Updated = time.Now().UTC().Format(time.RFC3339)
	st2.ensureUnique()
	payload, err := json.MarshalIndent(st2, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	payload = append(payload, '\n')

	tmp := path + fmt.Sprintf(".tmp-%d-%d", os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write temp state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic rename to %s: %w", path, err)
	}
	return nil
}

// AddRecent moves name to the front of Recents (if already present) or inserts it.
// Caps the list to defaultRecentsLimit.
// Returns true if the state was modified.
func (s *State) AddRecent(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if len(s.Recents) > 0 && s.Recents[0] == name {
		return false
	}
	out := make([]string, 0, len(s.Recents)+1)
	out = append(out, name)
	for _, n := range s.Recents {
		if n != name {
			out = append(out, n)
		}
	}
	if len(out) > defaultRecentsLimit {
		out = out[:defaultRecentsLimit]
	}
	s.Recents = out
	return true
}

// RecentRank maps host names to their position in Recents.
func (s *State) RecentRank() map[string]int {
	m := make(map[string]int, len(s.Recents))
	for i, n := range s.Recents {
		m[n] = i
	}
	return m
}

// ensureUnique de-duplicates entries and cleans empty strings.
func (s *State) ensureUnique() {
	if len(s.Recents) == 0 {
		return
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(s.Recents))
	for _, n := range s.Recents {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) > defaultRecentsLimit {
		out = out[:defaultRecentsLimit]
	}
	s.Recents = out
}
