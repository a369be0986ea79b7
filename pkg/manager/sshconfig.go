package manager

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SSHHostEntry represents a single, literal Host alias parsed from an OpenSSH
// client configuration file (e.g., ~/.ssh/config). Wildcard host patterns are
// ignored.
type SSHHostEntry struct {
	// Alias is the Host alias used on the ssh command line (e.g., "prod-db-1").
	Alias string

	// Values parsed from the Host block (last-wins semantics).
	HostName      string
	User          string
	Port          int
	IdentityFiles []string

	// Source file path and starting line of the Host block.
	Source    string
	StartLine int
}

// Host converts the entry into a host. The first identity file, if any,
// becomes a key auth reference; otherwise the agent is used.
func (e SSHHostEntry) Host() Host {
	h := Host{
		Name:    e.Alias,
		Address: e.HostName,
		User:    e.User,
		Port:    e.Port,
		Tags:    []string{"sshconfig"},
		Source:  fmt.Sprintf("%s:%d", e.Source, e.StartLine),
	}
	if len(e.IdentityFiles) > 0 {
		h.Auth = "key:" + e.IdentityFiles[0]
	}
	return h
}

// LoadSSHConfig loads one or more SSH config files and returns hosts for
// their literal Host aliases. Include directives are followed (globs
// supported). Later files and later Host blocks override earlier ones for
// the same alias.
func LoadSSHConfig(paths ...string) ([]Host, error) {
	entries, err := LoadSSHConfigEntries(paths...)
	if err != nil {
		return nil, err
	}
	out := make([]Host, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Host())
	}
	return out, nil
}

// LoadSSHConfigEntries is LoadSSHConfig without the conversion to hosts.
func LoadSSHConfigEntries(paths ...string) ([]SSHHostEntry, error) {
	if len(paths) == 0 {
		return nil, errors.New("no ssh config paths provided")
	}

	visited := map[string]struct{}{}
	all := make([]SSHHostEntry, 0, 64)
	indexByAlias := map[string]int{}

	for _, p := range paths {
		entries, err := parseSSHConfigRecursive(expandPath(p), visited)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if prev, ok := indexByAlias[e.Alias]; ok {
				all[prev] = e
			} else {
				indexByAlias[e.Alias] = len(all)
				all = append(all, e)
			}
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Alias < all[j].Alias })
	return all, nil
}

type hostBlock struct {
	patterns  []string
	settings  map[string][]string
	source    string
	startLine int
}

func (hb *hostBlock) set(key, value string) {
	// IdentityFile accumulates; everything else is last-wins.
	if key == "identityfile" {
		hb.settings[key] = append(hb.settings[key], value)
		return
	}
	hb.settings[key] = []string{value}
}

func (hb *hostBlock) last(key string) string {
	if vals := hb.settings[key]; len(vals) > 0 {
		return vals[len(vals)-1]
	}
	return ""
}

func (hb *hostBlock) toEntries() []SSHHostEntry {
	port := 0
	if p, err := strconv.Atoi(hb.last("port")); err == nil && p > 0 {
		port = p
	}
	var ids []string
	for _, id := range hb.settings["identityfile"] {
		ids = append(ids, expandPath(strings.Trim(id, `"`)))
	}

	var out []SSHHostEntry
	for _, pat := range hb.patterns {
		if !isLiteralHostPattern(pat) {
			continue
		}
		out = append(out, SSHHostEntry{
			Alias:         pat,
			HostName:      hb.last("hostname"),
			User:          hb.last("user"),
			Port:          port,
			IdentityFiles: ids,
			Source:        hb.source,
			StartLine:     hb.startLine,
		})
	}
	return out
}

func parseSSHConfigRecursive(path string, visited map[string]struct{}) ([]SSHHostEntry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, ok := visited[abs]; ok {
		return nil, nil
	}
	visited[abs] = struct{}{}

	f, err := os.Open(abs)
	if err != nil {
		// Include globs and the default path commonly point at nothing.
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ssh config %s: %w", abs, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var (
		out     []SSHHostEntry
		current *hostBlock
		lineNo  int
	)
	flush := func() {
		if current != nil {
			out = append(out, current.toEntries()...)
			current = nil
		}
	}

	for sc.Scan() {
		lineNo++
		key, val, ok := splitKeyVal(strings.TrimSpace(stripSSHInlineComment(sc.Text())))
		if !ok {
			continue
		}
		switch key = strings.ToLower(key); key {
		case "host":
			flush()
			current = &hostBlock{
				patterns:  strings.Fields(val),
				settings:  map[string][]string{},
				source:    abs,
				startLine: lineNo,
			}
		case "include":
			flush()
			for _, inc := range expandIncludePatterns(abs, val) {
				children, err := parseSSHConfigRecursive(inc, visited)
				if err != nil {
					return nil, err
				}
				out = append(out, children...)
			}
		case "match":
			// Match conditions are not evaluated; settings up to the next
			// Host are ignored.
			flush()
		default:
			if current != nil {
				current.set(key, val)
			}
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ssh config %s: %w", abs, err)
	}
	return out, nil
}

// stripSSHInlineComment removes a '#' comment outside of quotes.
func stripSSHInlineComment(s string) string {
	inSingle, inDouble := false, false
	for i, r := range s {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return strings.TrimRight(s[:i], " \t")
			}
		}
	}
	return s
}

// splitKeyVal accepts "Key Value" and "Key=Value".
func splitKeyVal(line string) (key, val string, ok bool) {
	i := strings.IndexAny(line, " \t=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	val = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line[i:]), "="))
	return key, val, key != ""
}

func expandIncludePatterns(baseFile, pattern string) []string {
	var out []string
	for _, pat := range strings.Fields(pattern) {
		pat = expandPath(pat)
		if !filepath.IsAbs(pat) {
			pat = filepath.Join(filepath.Dir(baseFile), pat)
		}
		matches, err := filepath.Glob(pat)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
				out = append(out, m)
			}
		}
	}
	return out
}

// isLiteralHostPattern rejects wildcards, negations and empty patterns.
func isLiteralHostPattern(p string) bool {
	p = strings.TrimSpace(p)
	return p != "" && !strings.HasPrefix(p, "!") && !strings.ContainsAny(p, "*?[] \t")
}
