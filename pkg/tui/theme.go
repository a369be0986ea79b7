package tui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles of the tab bar, status line and host picker.
//
// The palette is picked by name, from Options.Theme or $TERMISSH_THEME:
// none | dark | light | catppuccin. Anything else means dark.
type Theme struct {
	Header    lipgloss.Style
	Tab       lipgloss.Style
	ActiveTab lipgloss.Style
	EndedTab  lipgloss.Style
	Selected  lipgloss.Style
	Dim       lipgloss.Style
	Status    lipgloss.Style
	Error     lipgloss.Style
	Banner    lipgloss.Style
}

// ThemeByName returns a named palette.
func ThemeByName(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "off", "plain":
		return NoTheme()
	case "light":
		return paletteTheme("4", "0", "8", "1", "2")
	case "catppuccin", "catppuccin-mocha", "mocha":
		return paletteTheme("183", "216", "245", "203", "114")
	default:
		return paletteTheme("6", "15", "8", "1", "3")
	}
}

// ThemeFromEnv reads $TERMISSH_THEME.
func ThemeFromEnv() Theme {
	return ThemeByName(os.Getenv("TERMISSH_THEME"))
}

// NoTheme renders without color or emphasis.
func NoTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Header:    plain,
		Tab:       plain.Padding(0, 1),
		ActiveTab: plain.Padding(0, 1).Reverse(true),
		EndedTab:  plain.Padding(0, 1),
		Selected:  plain.Reverse(true),
		Dim:       plain,
		Status:    plain,
		Error:     plain,
		Banner:    plain,
	}
}

func paletteTheme(accent, selected, dim, errColor, warn string) Theme {
	base := lipgloss.NewStyle()
	return Theme{
		Header:    base.Bold(true).Foreground(lipgloss.Color(accent)),
		Tab:       base.Padding(0, 1).Foreground(lipgloss.Color(dim)),
		ActiveTab: base.Padding(0, 1).Bold(true).Foreground(lipgloss.Color(selected)).Background(lipgloss.Color(accent)),
		EndedTab:  base.Padding(0, 1).Faint(true).Strikethrough(true).Foreground(lipgloss.Color(errColor)),
		Selected:  base.Bold(true).Foreground(lipgloss.Color(selected)),
		Dim:       base.Foreground(lipgloss.Color(dim)),
		Status:    base.Foreground(lipgloss.Color(accent)),
		Error:     base.Bold(true).Foreground(lipgloss.Color(errColor)),
		Banner:    base.Foreground(lipgloss.Color(warn)),
	}
}
