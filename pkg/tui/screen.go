package tui

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// defaultScrollback is the number of lines a tab keeps.
const defaultScrollback = 5000

// maxHeldEscape bounds how much of an unterminated escape sequence is held
// back waiting for the next chunk.
const maxHeldEscape = 256

// screen is a plain-text rendering of a session's output. Escape
// sequences are stripped; carriage return, backspace and tab move the
// cursor within the current line. It is not safe for concurrent use.
type screen struct {
	lines      []screenLine
	cur        []rune
	col        int
	held       []byte
	scrollback int
}

type screenLine struct {
	text   string
	banner bool
}

func newScreen(scrollback int) *screen {
	if scrollback <= 0 {
		scrollback = defaultScrollback
	}
	return &screen{scrollback: scrollback}
}

// Write consumes raw relay output. Chunks may split escape sequences and
// UTF-8 runes anywhere.
func (s *screen) Write(p []byte) {
	buf := append(s.held, p...)
	complete, rest := splitIncomplete(buf)
	s.held = append([]byte(nil), rest...)
	if len(complete) == 0 {
		return
	}
	for _, r := range ansi.Strip(string(complete)) {
		s.put(r)
	}
}

// Banner ends the current line and appends msg on its own line.
func (s *screen) Banner(msg string) {
	s.held = nil
	if len(s.cur) > 0 {
		s.newline()
	}
	s.lines = append(s.lines, screenLine{text: msg, banner: true})
	s.trim()
}

func (s *screen) put(r rune) {
	switch r {
	case '\n':
		s.newline()
	case '\r':
		s.col = 0
	case '\b':
		if s.col > 0 {
			s.col--
		}
	case '\t':
		next := (s.col/8 + 1) * 8
		for s.col < next {
			s.set(' ')
		}
	default:
		if r < 0x20 || r == 0x7f {
			return
		}
		s.set(r)
	}
}

func (s *screen) set(r rune) {
	for len(s.cur) < s.col {
		s.cur = append(s.cur, ' ')
	}
	if s.col < len(s.cur) {
		s.cur[s.col] = r
	} else {
		s.cur = append(s.cur, r)
	}
	s.col++
}

func (s *screen) newline() {
	s.lines = append(s.lines, screenLine{text: strings.TrimRight(string(s.cur), " ")})
	s.cur = s.cur[:0]
	s.col = 0
	s.trim()
}

func (s *screen) trim() {
	if over := len(s.lines) - s.scrollback; over > 0 {
		s.lines = s.lines[over:]
	}
}

// Lines returns the completed lines followed by the line being written.
func (s *screen) Lines() []string {
	out := make([]string, 0, len(s.lines)+1)
	for _, l := range s.lines {
		out = append(out, l.text)
	}
	return append(out, string(s.cur))
}

// String renders all lines.
func (s *screen) String() string {
	return strings.Join(s.Lines(), "\n")
}

// Render is String with banner lines styled.
func (s *screen) Render(banner lipgloss.Style) string {
	var b strings.Builder
	for _, l := range s.lines {
		if l.banner {
			b.WriteString(banner.Render(l.text))
		} else {
			b.WriteString(l.text)
		}
		b.WriteByte('\n')
	}
	b.WriteString(string(s.cur))
	return b.String()
}

// splitIncomplete returns the prefix of b that holds only complete escape
// sequences and runes, and the tail that must wait for more input.
func splitIncomplete(b []byte) (complete, rest []byte) {
	if i := incompleteEscape(b); i >= 0 && len(b)-i <= maxHeldEscape {
		return b[:i], b[i:]
	}
	// Trailing partial rune.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

// incompleteEscape returns the index of an unterminated trailing escape
// sequence, or -1.
func incompleteEscape(b []byte) int {
	i := bytes.LastIndexByte(b, 0x1b)
	if i < 0 {
		return -1
	}
	tail := b[i:]
	if len(tail) == 1 {
		return i
	}
	switch tail[1] {
	case '[':
		for _, c := range tail[2:] {
			if c >= 0x40 && c <= 0x7e {
				return -1
			}
		}
		return i
	case ']', 'P', '_', '^':
		// String sequences end with BEL or ST (ESC \); an ST terminator's
		// ESC is the last one found, so only BEL is checked here.
		if bytes.IndexByte(tail, 0x07) >= 0 {
			return -1
		}
		return i
	default:
		return -1
	}
}
