package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"termissh/pkg/bridge"
)

// candidate is a host ready for fuzzy searching and display.
type candidate struct {
	Profile    bridge.HostProfile
	SearchText string
	Display    string
	// Recent is the position in the recents list, or -1.
	Recent int
}

func buildCandidates(profiles []bridge.HostProfile, recents []string) []candidate {
	rank := make(map[string]int, len(recents))
	for i, id := range recents {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	cands := make([]candidate, 0, len(profiles))
	for _, p := range profiles {
		r, ok := rank[p.ID]
		if !ok {
			r = -1
		}
		cands = append(cands, candidate{
			Profile:    p,
			SearchText: strings.ToLower(strings.Join([]string{p.ID, p.Label, p.User, p.Address}, " ")),
			Display:    formatHostLine(p),
			Recent:     r,
		})
	}
	return cands
}

func formatHostLine(p bridge.HostProfile) string {
	parts := []string{p.DisplayName()}
	if p.Label != "" && p.Label != p.ID {
		parts = append(parts, fmt.Sprintf("(%s)", p.ID))
	}
	parts = append(parts, p.Target())
	if p.AuthRef != "" {
		parts = append(parts, "auth:"+p.AuthRef)
	}
	return strings.Join(parts, "  ")
}

// rankMatches filters and sorts candidates by fuzzy score against query.
//
// An empty query lists recents first (most recent on top), then the rest
// by name. Otherwise the query is split on whitespace, every token must
// match, and candidates are ordered by total score, then recency, then
// name.
func rankMatches(cands []candidate, query string) []candidate {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		out := make([]candidate, len(cands))
		copy(out, cands)
		sort.SliceStable(out, func(i, j int) bool {
			return byRecency(out[i], out[j])
		})
		return out
	}

	type scored struct {
		c candidate
		s int
	}
	scoreds := make([]scored, 0, len(cands))
	for _, c := range cands {
		total := 0
		okAll := true
		for _, t := range tokens {
			s, ok := fuzzyScore(t, c.SearchText)
			if !ok {
				okAll = false
				break
			}
			total += s
		}
		if okAll {
			scoreds = append(scoreds, scored{c: c, s: total})
		}
	}
	sort.SliceStable(scoreds, func(i, j int) bool {
		if scoreds[i].s != scoreds[j].s {
			return scoreds[i].s > scoreds[j].s
		}
		return byRecency(scoreds[i].c, scoreds[j].c)
	})

	out := make([]candidate, len(scoreds))
	for i := range scoreds {
		out[i] = scoreds[i].c
	}
	return out
}

func byRecency(a, b candidate) bool {
	switch {
	case a.Recent >= 0 && b.Recent >= 0:
		return a.Recent < b.Recent
	case a.Recent >= 0:
		return true
	case b.Recent >= 0:
		return false
	}
	return a.Profile.ID < b.Profile.ID
}

// fuzzyScore performs a simple subsequence fuzzy match.
// Returns (score, true) if query is a subsequence of text; otherwise (0, false).
// The score rewards consecutive matches, word boundaries, and early positions.
func fuzzyScore(query, text string) (int, bool) {
	if query == "" {
		return 0, true
	}
	rt := []rune(text)
	ti, lastPos, firstPos := 0, -1, -1
	consecutive, score := 0, 0

	for _, qch := range query {
		found := false
		for i := ti; i < len(rt); i++ {
			if rt[i] != qch {
				continue
			}
			score += 10
			if firstPos == -1 {
				firstPos = i
			}
			if lastPos >= 0 && i == lastPos+1 {
				consecutive++
				score += 5 * consecutive
			} else {
				consecutive = 0
			}
			if i == 0 || !isAlphaNum(rt[i-1]) {
				score += 10
			}
			lastPos = i
			ti = i + 1
			found = true
			break
		}
		if !found {
			return 0, false
		}
	}
	if bonus := 20 - firstPos; firstPos >= 0 && bonus > 0 {
		score += bonus
	}
	return score, true
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// picker is the host selector shown when no tab is open or a new tab is
// requested.
type picker struct {
	input      textinput.Model
	candidates []candidate
	filtered   []candidate
	selected   int
}

func newPicker(profiles []bridge.HostProfile, recents []string) picker {
	ti := textinput.New()
	ti.Prompt = "/ "
	ti.Placeholder = "search hosts..."
	ti.CharLimit = 256
	ti.PromptStyle = ti.PromptStyle.Bold(true)
	ti.Focus()

	p := picker{input: ti, candidates: buildCandidates(profiles, recents)}
	p.recompute()
	return p
}

func (p *picker) recompute() {
	p.filtered = rankMatches(p.candidates, p.input.Value())
	if p.selected >= len(p.filtered) {
		p.selected = len(p.filtered) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
}

// setRecents reorders candidates after a host was opened.
func (p *picker) setRecents(recents []string) {
	profiles := make([]bridge.HostProfile, 0, len(p.candidates))
	for _, c := range p.candidates {
		profiles = append(profiles, c.Profile)
	}
	p.candidates = buildCandidates(profiles, recents)
	p.recompute()
}

func (p *picker) reset() {
	p.input.SetValue("")
	p.selected = 0
	p.recompute()
}

func (p *picker) current() (bridge.HostProfile, bool) {
	if p.selected < 0 || p.selected >= len(p.filtered) {
		return bridge.HostProfile{}, false
	}
	return p.filtered[p.selected].Profile, true
}

func (p *picker) move(delta int) {
	p.selected += delta
	if p.selected >= len(p.filtered) {
		p.selected = len(p.filtered) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
}

// update handles navigation keys and passes the rest to the search input.
func (p *picker) update(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "ctrl+p", "ctrl+k":
		p.move(-1)
		return nil
	case "down", "ctrl+n", "ctrl+j":
		p.move(1)
		return nil
	case "pgup":
		p.move(-10)
		return nil
	case "pgdown":
		p.move(10)
		return nil
	}
	before := p.input.Value()
	var cmd tea.Cmd
	p.input, cmd = p.input.Update(msg)
	if p.input.Value() != before {
		p.selected = 0
		p.recompute()
	}
	return cmd
}

func (p picker) view(th Theme, width, height int) string {
	var b strings.Builder
	b.WriteString(th.Header.Render("termissh: open a host"))
	b.WriteString("\n")
	b.WriteString(p.input.View())
	b.WriteString("\n\n")

	rows := height - 4
	if rows < 1 {
		rows = 1
	}
	start := 0
	if p.selected >= rows {
		start = p.selected - rows + 1
	}
	if len(p.filtered) == 0 {
		b.WriteString(th.Dim.Render("  no matching hosts"))
		b.WriteString("\n")
	}
	for i := start; i < len(p.filtered) && i < start+rows; i++ {
		c := p.filtered[i]
		line := c.Display
		if c.Recent >= 0 {
			line += "  " + th.Dim.Render("recent")
		}
		if width > 4 {
			line = ansi.Truncate(line, width-4, "…")
		}
		if i == p.selected {
			b.WriteString(th.Selected.Render(" > " + line))
		} else {
			b.WriteString("   " + line)
		}
		b.WriteString("\n")
	}
	return b.String()
}
