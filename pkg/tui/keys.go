package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// prefixKey starts a tab command in terminal mode, like tmux's prefix.
// Pressing it twice sends a literal ctrl+a to the session.
const prefixKey = "ctrl+a"

// tabCommand is what follows the prefix key.
type tabCommand int

const (
	cmdNone tabCommand = iota
	cmdNewTab
	cmdCloseTab
	cmdNextTab
	cmdPrevTab
	cmdReconnect
	cmdScrollUp
	cmdScrollDown
	cmdQuit
	cmdLiteralPrefix
	cmdSelectTab
)

// parseTabCommand maps the key pressed after the prefix. For cmdSelectTab
// the second result is the zero-based tab index.
func parseTabCommand(msg tea.KeyMsg) (tabCommand, int) {
	switch msg.String() {
	case "c", "t":
		return cmdNewTab, 0
	case "x", "w":
		return cmdCloseTab, 0
	case "n", "right", "tab":
		return cmdNextTab, 0
	case "p", "left", "shift+tab":
		return cmdPrevTab, 0
	case "r":
		return cmdReconnect, 0
	case "u", "pgup":
		return cmdScrollUp, 0
	case "d", "pgdown":
		return cmdScrollDown, 0
	case "q":
		return cmdQuit, 0
	case "a", prefixKey:
		return cmdLiteralPrefix, 0
	}
	if msg.Type == tea.KeyRunes && len(msg.Runes) == 1 {
		if r := msg.Runes[0]; r >= '1' && r <= '9' {
			return cmdSelectTab, int(r - '1')
		}
	}
	return cmdNone, 0
}

// escapeSequences are xterm sequences of keys with no single-byte form.
var escapeSequences = map[tea.KeyType]string{
	tea.KeyUp:        "\x1b[A",
	tea.KeyDown:      "\x1b[B",
	tea.KeyRight:     "\x1b[C",
	tea.KeyLeft:      "\x1b[D",
	tea.KeyShiftTab:  "\x1b[Z",
	tea.KeyHome:      "\x1b[H",
	tea.KeyEnd:       "\x1b[F",
	tea.KeyPgUp:      "\x1b[5~",
	tea.KeyPgDown:    "\x1b[6~",
	tea.KeyInsert:    "\x1b[2~",
	tea.KeyDelete:    "\x1b[3~",
	tea.KeyCtrlUp:    "\x1b[1;5A",
	tea.KeyCtrlDown:  "\x1b[1;5B",
	tea.KeyCtrlRight: "\x1b[1;5C",
	tea.KeyCtrlLeft:  "\x1b[1;5D",
	tea.KeyF1:        "\x1bOP",
	tea.KeyF2:        "\x1bOQ",
	tea.KeyF3:        "\x1bOR",
	tea.KeyF4:        "\x1bOS",
	tea.KeyF5:        "\x1b[15~",
	tea.KeyF6:        "\x1b[17~",
	tea.KeyF7:        "\x1b[18~",
	tea.KeyF8:        "\x1b[19~",
	tea.KeyF9:        "\x1b[20~",
	tea.KeyF10:       "\x1b[21~",
	tea.KeyF11:       "\x1b[23~",
	tea.KeyF12:       "\x1b[24~",
}

// keyBytes encodes a key press as the bytes a terminal would send. Alt
// prefixes ESC. Pastes are wrapped in bracketed-paste markers. Keys with
// no encoding return nil.
func keyBytes(msg tea.KeyMsg) []byte {
	var out string
	switch {
	case msg.Type == tea.KeyRunes:
		out = string(msg.Runes)
		if msg.Paste {
			return []byte("\x1b[200~" + out + "\x1b[201~")
		}
	case msg.Type == tea.KeySpace:
		out = " "
	case msg.Type >= 0 && msg.Type < 0x20, msg.Type == tea.KeyBackspace:
		// Control keys carry their byte value as the key type.
		out = string([]byte{byte(msg.Type)})
	default:
		seq, ok := escapeSequences[msg.Type]
		if !ok {
			return nil
		}
		out = seq
	}
	if msg.Alt {
		out = "\x1b" + out
	}
	return []byte(out)
}
