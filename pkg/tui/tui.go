// Package tui is the tabbed terminal front end of termissh. It renders
// each session's output in a tab, routes key presses to the active
// session and implements the multiplexer's terminal buffer.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"

	"termissh/pkg/bridge"
	"termissh/pkg/mux"
	"termissh/pkg/relayproto"
)

// Sessions is the part of the multiplexer the UI drives.
// *mux.Multiplexer implements it.
type Sessions interface {
	OpenTab(ctx context.Context, profile bridge.HostProfile) (string, error)
	RouteInput(sessionID string, p []byte) error
	ResizeAll(size relayproto.Size)
	CloseTab(sessionID string) error
	Reconnect(ctx context.Context, sessionID string) (string, error)
}

type Options struct {
	Profiles []bridge.HostProfile
	// Recents are host ids, most recent first.
	Recents []string
	// Opened is called on the UI goroutine after a tab for a host opened.
	Opened func(hostID string)
	// Theme is a palette name; empty reads $TERMISSH_THEME.
	Theme      string
	Scrollback int
	Logger     zerolog.Logger
}

// Buffer is the multiplexer's terminal buffer. It forwards output and
// disconnects to the running program; before Run attaches one, and after
// it returns, deliveries are dropped.
type Buffer struct {
	prog atomic.Pointer[tea.Program]
}

var _ mux.TerminalBuffer = (*Buffer)(nil)

func NewBuffer() *Buffer { return &Buffer{} }

// Deliver blocks until the UI accepts the chunk, which keeps one
// session's output in order and pushes back on a fast relay.
func (b *Buffer) Deliver(sessionID string, p []byte) {
	if prog := b.prog.Load(); prog != nil {
		prog.Send(outputMsg{session: sessionID, data: append([]byte(nil), p...)})
	}
}

func (b *Buffer) NotifyDisconnect(sessionID string, reason error) {
	if prog := b.prog.Load(); prog != nil {
		prog.Send(disconnectMsg{session: sessionID, reason: reason})
	}
}

// Run shows the UI until the user quits or ctx ends. The caller shuts the
// sessions down afterwards.
func Run(ctx context.Context, sessions Sessions, buf *Buffer, opts Options) error {
	p := tea.NewProgram(New(ctx, sessions, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	buf.prog.Store(p)
	defer buf.prog.Store(nil)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type (
	outputMsg struct {
		session string
		data    []byte
	}
	disconnectMsg struct {
		session string
		reason  error
	}
	openedMsg struct {
		profile bridge.HostProfile
		session string
		err     error
	}
	reconnectedMsg struct {
		tab     *tabView
		session string
		err     error
	}
	closedMsg struct {
		name string
		err  error
	}
)

type mode int

const (
	modePicker mode = iota
	modeTerminal
)

type tabView struct {
	profile bridge.HostProfile
	session string
	screen  *screen
	ended   bool
	reason  error
}

// early holds what arrived for a session before its OpenTab or Reconnect
// call returned. It is only kept while such a call is in flight.
type early struct {
	data   []byte
	ended  bool
	reason error
}

type Model struct {
	ctx      context.Context
	sessions Sessions
	opts     Options
	theme    Theme
	log      zerolog.Logger

	picker  picker
	recents []string
	tabs    []*tabView
	active  int
	mode    mode
	prefix  bool

	// pending counts OpenTab and Reconnect calls in flight. Messages for
	// sessions without a tab are buffered in early only while it is
	// non-zero; retired lists sessions of closed or replaced tabs, whose
	// messages are always dropped. Both are cleared when pending drops to
	// zero.
	pending int
	early   map[string]*early
	retired map[string]struct{}

	view      viewport.Model
	width     int
	height    int
	status    string
	statusErr bool
	quitting  bool
}

func New(ctx context.Context, sessions Sessions, opts Options) Model {
	th := ThemeFromEnv()
	if opts.Theme != "" {
		th = ThemeByName(opts.Theme)
	}
	recents := append([]string(nil), opts.Recents...)
	return Model{
		ctx:      ctx,
		sessions: sessions,
		opts:     opts,
		theme:    th,
		log:      opts.Logger,
		picker:   newPicker(opts.Profiles, recents),
		recents:  recents,
		early:    map[string]*early{},
		retired:  map[string]struct{}{},
		view:     viewport.New(80, 22),
		width:    80,
		height:   24,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = max(1, msg.Height-2)
		m.sessions.ResizeAll(m.terminalSize())
		m.refresh(true)
		return m, nil

	case outputMsg:
		if t := m.bySession(msg.session); t != nil {
			t.screen.Write(msg.data)
			if t == m.current() {
				m.refresh(false)
			}
			return m, nil
		}
		if e := m.earlyFor(msg.session); e != nil {
			e.data = append(e.data, msg.data...)
		}
		return m, nil

	case disconnectMsg:
		if t := m.bySession(msg.session); t != nil {
			m.endTab(t, msg.reason)
			return m, nil
		}
		if e := m.earlyFor(msg.session); e != nil {
			e.ended, e.reason = true, msg.reason
		}
		return m, nil

	case openedMsg:
		return m.opened(msg)

	case reconnectedMsg:
		return m.reconnected(msg)

	case closedMsg:
		if msg.err != nil {
			m.log.Warn().Err(msg.err).Str("host", msg.name).Msg("close tab")
			m.setStatus(fmt.Sprintf("closed %s: %v", msg.name, msg.err), true)
		}
		return m, nil

	case tea.KeyMsg:
		if m.mode == modePicker {
			return m.pickerKey(msg)
		}
		return m.terminalKey(msg)
	}
	if m.mode == modePicker {
		// Cursor blink.
		var cmd tea.Cmd
		m.picker.input, cmd = m.picker.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) pickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "esc":
		if len(m.tabs) == 0 {
			return m.quit()
		}
		m.mode = modeTerminal
		m.refresh(true)
		return m, nil
	case "enter":
		p, ok := m.picker.current()
		if !ok {
			return m, nil
		}
		m.setStatus("connecting to "+p.DisplayName()+"...", false)
		m.pending++
		return m, m.openCmd(p)
	}
	return m, m.picker.update(msg)
}

func (m Model) terminalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prefix {
		m.prefix = false
		cmd, idx := parseTabCommand(msg)
		return m.tabCommand(cmd, idx)
	}
	if msg.String() == prefixKey {
		m.prefix = true
		return m, nil
	}
	t := m.current()
	if t == nil || t.ended {
		return m, nil
	}
	if b := keyBytes(msg); len(b) > 0 {
		m.route(t, b)
	}
	return m, nil
}

func (m Model) tabCommand(cmd tabCommand, idx int) (tea.Model, tea.Cmd) {
	t := m.current()
	switch cmd {
	case cmdNewTab:
		m.picker.reset()
		m.mode = modePicker
		return m, textinput.Blink
	case cmdCloseTab:
		if t == nil {
			return m, nil
		}
		m.removeTab(m.active)
		m.retire(t.session)
		return m, m.closeCmd(t)
	case cmdNextTab:
		m.selectTab(m.active + 1)
	case cmdPrevTab:
		m.selectTab(m.active - 1)
	case cmdSelectTab:
		if idx < len(m.tabs) {
			m.selectTab(idx)
		}
	case cmdReconnect:
		if t == nil {
			return m, nil
		}
		t.screen.Banner("[reconnecting to " + t.profile.Target() + "]")
		m.refresh(false)
		m.pending++
		return m, m.reconnectCmd(t)
	case cmdScrollUp:
		m.view.LineUp(max(1, m.view.Height/2))
	case cmdScrollDown:
		m.view.LineDown(max(1, m.view.Height/2))
	case cmdQuit:
		return m.quit()
	case cmdLiteralPrefix:
		if t != nil && !t.ended {
			m.route(t, []byte{0x01})
		}
	}
	return m, nil
}

func (m *Model) route(t *tabView, b []byte) {
	err := m.sessions.RouteInput(t.session, b)
	if err != nil && !errors.Is(err, mux.ErrUnknownSession) {
		m.log.Debug().Err(err).Str("session", t.session).Msg("route input")
	}
}

func (m Model) opened(msg openedMsg) (tea.Model, tea.Cmd) {
	name := msg.profile.DisplayName()
	if msg.err != nil {
		m.settle()
		m.log.Error().Err(msg.err).Str("host", msg.profile.ID).Msg("open tab")
		m.setStatus(fmt.Sprintf("open %s: %v", name, msg.err), true)
		return m, nil
	}
	t := &tabView{profile: msg.profile, session: msg.session, screen: newScreen(m.opts.Scrollback)}
	m.tabs = append(m.tabs, t)
	m.adopt(t)
	m.settle()
	m.mode = modeTerminal
	m.selectTab(len(m.tabs) - 1)
	if !t.ended {
		m.setStatus("opened "+name, false)
	}

	m.recents = moveToFront(m.recents, msg.profile.ID)
	m.picker.setRecents(m.recents)
	if m.opts.Opened != nil {
		m.opts.Opened(msg.profile.ID)
	}
	return m, nil
}

func (m Model) reconnected(msg reconnectedMsg) (tea.Model, tea.Cmd) {
	t := msg.tab
	if !m.hasTab(t) {
		// Closed while reconnecting.
		if msg.err == nil {
			m.retire(msg.session)
			m.settle()
			return m, m.closeCmd(&tabView{profile: t.profile, session: msg.session})
		}
		m.settle()
		return m, nil
	}
	if msg.err != nil {
		m.settle()
		t.screen.Banner(fmt.Sprintf("[reconnect failed: %v]", msg.err))
		m.setStatus(fmt.Sprintf("reconnect %s: %v", t.profile.DisplayName(), msg.err), true)
		if !t.ended {
			t.ended, t.reason = true, msg.err
		}
		m.refresh(false)
		return m, nil
	}
	m.retire(t.session)
	t.session = msg.session
	t.ended, t.reason = false, nil
	m.adopt(t)
	m.settle()
	m.refresh(false)
	return m, nil
}

// adopt applies what arrived for t's session before the tab knew its id.
func (m *Model) adopt(t *tabView) {
	e, ok := m.early[t.session]
	if !ok {
		return
	}
	delete(m.early, t.session)
	t.screen.Write(e.data)
	if e.ended {
		m.endTab(t, e.reason)
	}
}

func (m *Model) endTab(t *tabView, reason error) {
	t.ended, t.reason = true, reason
	t.screen.Banner(disconnectBanner(reason))
	if t == m.current() {
		m.refresh(false)
	}
}

func disconnectBanner(reason error) string {
	if reason == nil {
		return "[session closed]"
	}
	return fmt.Sprintf("[relay exited: %v]", reason)
}

// earlyFor returns the buffer for a session without a tab, or nil when its
// messages should be dropped.
func (m *Model) earlyFor(session string) *early {
	if m.pending == 0 {
		return nil
	}
	if _, gone := m.retired[session]; gone {
		return nil
	}
	e, ok := m.early[session]
	if !ok {
		e = &early{}
		m.early[session] = e
	}
	return e
}

// retire drops the session's buffered messages and any that arrive later.
func (m *Model) retire(session string) {
	delete(m.early, session)
	if m.pending > 0 {
		m.retired[session] = struct{}{}
	}
}

// settle ends one in-flight OpenTab or Reconnect.
func (m *Model) settle() {
	m.pending = max(0, m.pending-1)
	if m.pending == 0 {
		clear(m.early)
		clear(m.retired)
	}
}

func (m Model) openCmd(p bridge.HostProfile) tea.Cmd {
	ctx, sessions := m.ctx, m.sessions
	return func() tea.Msg {
		id, err := sessions.OpenTab(ctx, p)
		return openedMsg{profile: p, session: id, err: err}
	}
}

func (m Model) reconnectCmd(t *tabView) tea.Cmd {
	ctx, sessions, old := m.ctx, m.sessions, t.session
	return func() tea.Msg {
		id, err := sessions.Reconnect(ctx, old)
		return reconnectedMsg{tab: t, session: id, err: err}
	}
}

func (m Model) closeCmd(t *tabView) tea.Cmd {
	sessions, id, name := m.sessions, t.session, t.profile.DisplayName()
	return func() tea.Msg {
		err := sessions.CloseTab(id)
		if errors.Is(err, mux.ErrUnknownSession) {
			err = nil
		}
		return closedMsg{name: name, err: err}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	return m, tea.Quit
}

func (m *Model) removeTab(i int) {
	m.tabs = append(m.tabs[:i], m.tabs[i+1:]...)
	if len(m.tabs) == 0 {
		m.active = 0
		m.picker.reset()
		m.mode = modePicker
		return
	}
	m.selectTab(min(i, len(m.tabs)-1))
}

// selectTab wraps around at both ends.
func (m *Model) selectTab(i int) {
	if len(m.tabs) == 0 {
		return
	}
	m.active = (i%len(m.tabs) + len(m.tabs)) % len(m.tabs)
	m.refresh(true)
}

func (m *Model) current() *tabView {
	if m.active < 0 || m.active >= len(m.tabs) {
		return nil
	}
	return m.tabs[m.active]
}

func (m *Model) bySession(id string) *tabView {
	for _, t := range m.tabs {
		if t.session == id {
			return t
		}
	}
	return nil
}

func (m *Model) hasTab(t *tabView) bool {
	for _, x := range m.tabs {
		if x == t {
			return true
		}
	}
	return false
}

// refresh re-renders the active tab, following the output when the view
// was at the bottom or bottom is set.
func (m *Model) refresh(bottom bool) {
	t := m.current()
	if t == nil {
		m.view.SetContent("")
		return
	}
	follow := bottom || m.view.AtBottom()
	m.view.SetContent(t.screen.Render(m.theme.Banner))
	if follow {
		m.view.GotoBottom()
	}
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status, m.statusErr = s, isErr
}

func (m Model) terminalSize() relayproto.Size {
	rows, cols := max(1, m.height-2), max(1, m.width)
	return relayproto.Size{Rows: uint16(min(rows, 0xffff)), Columns: uint16(min(cols, 0xffff))}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.mode == modePicker {
		return m.picker.view(m.theme, m.width, m.height-1) + "\n" + m.statusLine()
	}
	return m.tabBar() + "\n" + m.view.View() + "\n" + m.statusLine()
}

func (m Model) tabBar() string {
	parts := make([]string, 0, len(m.tabs))
	for i, t := range m.tabs {
		label := fmt.Sprintf("%d:%s", i+1, t.profile.DisplayName())
		switch {
		case i == m.active:
			if t.ended {
				label += "!"
			}
			parts = append(parts, m.theme.ActiveTab.Render(label))
		case t.ended:
			parts = append(parts, m.theme.EndedTab.Render(label))
		default:
			parts = append(parts, m.theme.Tab.Render(label))
		}
	}
	return ansi.Truncate(lipgloss.JoinHorizontal(lipgloss.Top, parts...), m.width, "…")
}

func (m Model) statusLine() string {
	var s string
	switch {
	case m.prefix:
		s = m.theme.Status.Render("c new  x close  n/p switch  1-9 select  r reconnect  u/d scroll  q quit  a send ctrl+a")
	case m.status != "" && m.statusErr:
		s = m.theme.Error.Render(m.status)
	case m.mode == modeTerminal && m.current() != nil && m.current().ended:
		s = m.theme.Banner.Render("session ended: ctrl+a r reconnect, ctrl+a x close")
	case m.status != "":
		s = m.theme.Status.Render(m.status)
	case m.mode == modePicker:
		s = m.theme.Dim.Render("enter open  esc back  ctrl+c quit")
	default:
		s = m.theme.Dim.Render("ctrl+a: tab commands")
	}
	return ansi.Truncate(s, m.width, "…")
}

func moveToFront(list []string, id string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, id)
	for _, x := range list {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
