package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"termissh/pkg/bridge"
)

// Per-host daily session transcripts.
//
// Transcripts live under ~/.local/state/termissh/transcripts/<hostkey>/YYYY-MM-DD.log
// by default (or $XDG_STATE_HOME when set). A session appends the raw
// output it receives, escape sequences included, to the file of the day it
// was opened on. Host keys are sanitized to be filesystem-safe.

const (
	// DefaultLogsSubdir is appended under the app state directory.
	DefaultLogsSubdir = "transcripts"

	// DefaultLogExt is the extension used for daily logs.
	DefaultLogExt = ".log"

	// DefaultDayFormat controls the log filename date format.
	DefaultDayFormat = "2006-01-02"
)

// LogOptions controls how transcript paths are computed.
type LogOptions struct {
	// BaseDir overrides the base transcripts directory.
	BaseDir string

	// Timezone controls what "day" means for file rotation. If nil, local time is used.
	Timezone *time.Location

	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (o LogOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o LogOptions) location() *time.Location {
	if o.Timezone != nil {
		return o.Timezone
	}
	return time.Local
}

// HostLogsBaseDir resolves the base transcripts directory according to opts and XDG rules.
func HostLogsBaseDir(opts LogOptions) (string, error) {
	if strings.TrimSpace(opts.BaseDir) != "" {
		return expandPath(strings.TrimSpace(opts.BaseDir)), nil
	}
	dir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultLogsSubdir), nil
}

// HostLogDir returns the directory path for transcripts of a given host key.
func HostLogDir(hostKey string, opts LogOptions) (string, error) {
	hostKey = strings.TrimSpace(hostKey)
	if hostKey == "" {
		return "", errors.New("hostKey is required")
	}
	base, err := HostLogsBaseDir(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, sanitizeHostKeyToFilename(hostKey)), nil
}

// DailyHostLogPath returns the transcript path for the given host key and date.
// If t is zero, the current time is used.
func DailyHostLogPath(hostKey string, t time.Time, opts LogOptions) (string, error) {
	if t.IsZero() {
		t = opts.now()
	}
	dir, err := HostLogDir(hostKey, opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, t.In(opts.location()).Format(DefaultDayFormat)+DefaultLogExt), nil
}

// Transcript appends a session's output to a host's daily transcript. It is
// safe for concurrent use; writes after Close fail with os.ErrClosed.
type Transcript struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenTranscript opens (creating if needed) today's transcript for profile
// and writes a session header.
func OpenTranscript(profile bridge.HostProfile, opts LogOptions) (*Transcript, error) {
	now := opts.now()
	p, err := DailyHostLogPath(profile.ID, now, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir transcripts dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	header := fmt.Sprintf("\n--- %s session %s ---\n", now.In(opts.location()).Format(time.RFC3339), profile.Target())
	if _, err := io.WriteString(f, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write transcript: %w", err)
	}
	return &Transcript{f: f, path: p}, nil
}

// TranscriptOpener returns a function suitable for mux.Options.Transcripts.
func TranscriptOpener(opts LogOptions) func(bridge.HostProfile) (io.WriteCloser, error) {
	return func(p bridge.HostProfile) (io.WriteCloser, error) {
		return OpenTranscript(p, opts)
	}
}

// Path is the transcript file.
func (t *Transcript) Path() string { return t.path }

func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return 0, os.ErrClosed
	}
	return t.f.Write(p)
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// ListHostLogFiles lists transcript files for the given host key, newest-first.
func ListHostLogFiles(hostKey string, opts LogOptions) ([]string, error) {
	dir, err := HostLogDir(hostKey, opts)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DefaultLogExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	// YYYY-MM-DD.log sorts lexicographically.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// ReadLastNLines reads the last N lines of a file with a bounded backward
// scan by blocks.
//
// Returns lines in normal order (oldest->newest within the returned window).
func ReadLastNLines(path string, n int) ([]string, error) {
	path = expandPath(strings.TrimSpace(path))
	if n <= 0 {
		return []string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	const blockSize = 32 * 1024
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return []string{}, nil
	}

	var (
		buf      []byte
		offset   = size
		newlines = 0
	)
	for offset > 0 && newlines <= n {
		readSize := int64(blockSize)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize
		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(block, buf...)
		newlines = strings.Count(string(buf), "\n")
		if int64(len(buf)) > 8*1024*1024 && newlines > n {
			break
		}
	}

	s := strings.TrimRight(string(buf), "\r\n")
	if s == "" {
		return []string{}, nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// sanitizeHostKeyToFilename converts a host key into a filesystem-safe filename stem.
func sanitizeHostKeyToFilename(hostKey string) string {
	hostKey = strings.TrimSpace(hostKey)
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"\t", "_",
	)
	hostKey = replacer.Replace(hostKey)

	for strings.Contains(hostKey, "__") {
		hostKey = strings.ReplaceAll(hostKey, "__", "_")
	}
	hostKey = strings.Trim(hostKey, "._-")
	if hostKey == "" {
		return "host"
	}
	return hostKey
}
