// Package mux is the session registry: it maps session ids to relay
// sessions, routes tab input to them, delivers their output to the terminal
// buffer, and tears them down on tab close and at shutdown.
//
// A tab keeps its identity across reconnects; every connection attempt gets
// a fresh session id. A session id is registered from OpenTab until its
// relay is confirmed gone or its tab is closed.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"termissh/pkg/bridge"
	"termissh/pkg/relayproto"
)

var (
	// ErrUnknownSession means the session id is not registered, typically
	// because the tab was closed concurrently. Callers drop the request.
	ErrUnknownSession = errors.New("unknown session")

	// ErrShutdown is returned by OpenTab and Reconnect after Shutdown.
	ErrShutdown = errors.New("multiplexer shut down")
)

// TerminalBuffer renders sessions. Deliver is called in relay output order
// for one session; calls for different sessions may be concurrent.
type TerminalBuffer interface {
	Deliver(sessionID string, p []byte)
	NotifyDisconnect(sessionID string, reason error)
}

// Handle is the part of a relay session the registry uses. *bridge.Session
// implements it.
type Handle interface {
	ID() string
	SendInput(p []byte) error
	Resize(size relayproto.Size)
	Close() error
	Kill()
	State() bridge.State
	Err() error
	Done() <-chan struct{}
}

// ConnectFunc starts a session. It must return promptly; the connection
// proceeds in the background and ends with exactly one HandleClosed.
type ConnectFunc func(ctx context.Context, id string, profile bridge.HostProfile, size relayproto.Size, h bridge.Handler) (Handle, error)

// FromLauncher adapts a launcher to a ConnectFunc.
func FromLauncher(l *bridge.Launcher) ConnectFunc {
	return func(ctx context.Context, id string, profile bridge.HostProfile, size relayproto.Size, h bridge.Handler) (Handle, error) {
		s, err := l.Connect(ctx, id, profile, size, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// TranscriptFunc opens a sink receiving a copy of a session's output.
type TranscriptFunc func(profile bridge.HostProfile) (io.WriteCloser, error)

type Options struct {
	Connect ConnectFunc
	Buffer  TerminalBuffer
	// Transcripts is optional.
	Transcripts TranscriptFunc
	// Size is the initial terminal size of new sessions until ResizeAll.
	Size   relayproto.Size
	Logger zerolog.Logger
	// NewID overrides session and tab id generation.
	NewID func() string
}

// SessionInfo is a snapshot of one registered session.
type SessionInfo struct {
	ID      string
	TabID   string
	Profile bridge.HostProfile
	State   bridge.State
	Err     error
	Opened  time.Time
}

type tab struct {
	id      string
	profile bridge.HostProfile
	// session is the current or, once it ended, the last session id.
	session string
	lastErr error
}

type entry struct {
	id     string
	tab    *tab
	handle Handle // nil while Connect is running
	opened time.Time
}

// Multiplexer is safe for concurrent use. Its mutex only guards the maps;
// no relay call is made while holding it.
type Multiplexer struct {
	connect     ConnectFunc
	buffer      TerminalBuffer
	transcripts TranscriptFunc
	log         zerolog.Logger
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*entry
	tabs     map[string]*tab
	size     relayproto.Size
	closed   bool

	// background tracks closes started outside a caller's goroutine.
	background sync.WaitGroup
}

func New(opts Options) *Multiplexer {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Size.IsZero() {
		opts.Size = relayproto.DefaultSize
	}
	return &Multiplexer{
		connect:     opts.Connect,
		buffer:      opts.Buffer,
		transcripts: opts.Transcripts,
		log:         opts.Logger,
		newID:       opts.NewID,
		sessions:    make(map[string]*entry),
		tabs:        make(map[string]*tab),
		size:        opts.Size,
	}
}

// OpenTab opens a new tab on profile and returns its first session id. The
// connection continues asynchronously; its failure arrives through
// NotifyDisconnect. Launch preconditions (such as a missing relay binary)
// fail here and leave nothing registered.
func (m *Multiplexer) OpenTab(ctx context.Context, profile bridge.HostProfile) (string, error) {
	t := &tab{id: m.newID(), profile: profile}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	m.tabs[t.id] = t
	m.mu.Unlock()

	id, err := m.start(ctx, t)
	if err != nil {
		m.mu.Lock()
		delete(m.tabs, t.id)
		m.mu.Unlock()
		return "", err
	}
	return id, nil
}

// start registers a fresh session for t, then connects it.
func (m *Multiplexer) start(ctx context.Context, t *tab) (string, error) {
	e := &entry{id: m.newID(), tab: t, opened: time.Now()}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	m.sessions[e.id] = e
	t.session = e.id
	t.lastErr = nil
	size := m.size
	m.mu.Unlock()

	log := m.log.With().Str("session", e.id).Str("tab", t.id).Str("host", t.profile.ID).Logger()
	h := &sessionHandler{m: m, tab: t, log: log}
	if m.transcripts != nil {
		w, err := m.transcripts(t.profile)
		if err != nil {
			log.Warn().Err(err).Msg("transcript disabled for session")
		} else {
			h.transcript = w
		}
	}

	handle, err := m.connect(ctx, e.id, t.profile, size, h)
	if err != nil {
		h.closeTranscript()
		m.mu.Lock()
		if m.sessions[e.id] == e {
			delete(m.sessions, e.id)
		}
		m.mu.Unlock()
		log.Warn().Err(err).Msg("open session failed")
		return "", err
	}

	m.mu.Lock()
	current, registered := m.sessions[e.id]
	registered = registered && current == e
	if registered {
		e.handle = handle
	} else if !m.closed {
		m.background.Add(1)
	}
	closed := m.closed
	m.mu.Unlock()

	// The tab was closed, or the multiplexer shut down, while connecting.
	// A relay that already exited needs no close.
	if !registered {
		switch {
		case closed:
			handle.Kill()
		default:
			go m.closeCancelled(handle)
		}
	}
	log.Info().Msg("session opened")
	return e.id, nil
}

func (m *Multiplexer) closeCancelled(h Handle) {
	defer m.background.Done()
	select {
	case <-h.Done():
		return
	default:
	}
	if err := h.Close(); err != nil {
		m.log.Warn().Err(err).Str("session", h.ID()).Msg("close after cancelled open")
	}
}

// lookup returns the session's handle, which is nil while it connects.
func (m *Multiplexer) lookup(sessionID string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return e.handle, nil
}

// RouteInput forwards keystrokes to a session. Input for a session that is
// still connecting is logged and dropped.
func (m *Multiplexer) RouteInput(sessionID string, p []byte) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if h == nil {
		m.log.Debug().Str("session", sessionID).Int("bytes", len(p)).Msg("dropping input while connecting")
		return nil
	}
	if err := h.SendInput(p); err != nil {
		if errors.Is(err, bridge.ErrNotConnected) {
			return nil
		}
		return err
	}
	return nil
}

// Resize resizes one session.
func (m *Multiplexer) Resize(sessionID string, size relayproto.Size) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if h != nil {
		h.Resize(size)
	}
	return nil
}

// ResizeAll records size as the size of new sessions and resizes every
// registered session.
func (m *Multiplexer) ResizeAll(size relayproto.Size) {
	if size.IsZero() {
		return
	}
	m.mu.Lock()
	m.size = size
	handles := m.handlesLocked()
	m.mu.Unlock()
	for _, h := range handles {
		h.Resize(size)
	}
}

func (m *Multiplexer) handlesLocked() []Handle {
	out := make([]Handle, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.handle != nil {
			out = append(out, e.handle)
		}
	}
	return out
}

// tabLocked finds the tab whose current or last session is sessionID.
func (m *Multiplexer) tabLocked(sessionID string) *tab {
	if e, ok := m.sessions[sessionID]; ok {
		return e.tab
	}
	for _, t := range m.tabs {
		if t.session == sessionID {
			return t
		}
	}
	return nil
}

// TabOf returns the tab id a session id belongs to, including sessions that
// already ended while their tab stays open.
func (m *Multiplexer) TabOf(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabLocked(sessionID)
	if t == nil {
		return "", false
	}
	return t.id, true
}

// CloseTab closes the tab owning sessionID. The registry entry is removed
// before the relay is asked to close, so it is gone even when the close
// times out and the relay has to be killed; that case returns
// bridge.ErrCloseTimeout.
func (m *Multiplexer) CloseTab(sessionID string) error {
	m.mu.Lock()
	t := m.tabLocked(sessionID)
	if t == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	delete(m.tabs, t.id)
	e := m.sessions[t.session]
	if e != nil {
		delete(m.sessions, e.id)
	}
	m.mu.Unlock()

	if e == nil || e.handle == nil {
		return nil
	}
	err := e.handle.Close()
	if err != nil {
		m.log.Warn().Err(err).Str("session", e.id).Msg("tab closed with forced relay termination")
	} else {
		m.log.Info().Str("session", e.id).Msg("tab closed")
	}
	return err
}

// Reconnect replaces the tab's session with a fresh one on the same host and
// returns the new session id. sessionID may be the tab's live session or
// the one that last ended.
func (m *Multiplexer) Reconnect(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	t := m.tabLocked(sessionID)
	if t == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	old := m.sessions[t.session]
	if old != nil {
		delete(m.sessions, old.id)
	}
	m.mu.Unlock()

	if old != nil && old.handle != nil {
		if err := old.handle.Close(); err != nil {
			m.log.Warn().Err(err).Str("session", old.id).Msg("previous session forced closed on reconnect")
		}
	}
	return m.start(ctx, t)
}

// Sessions returns a snapshot of the registered sessions ordered by open
// time.
func (m *Multiplexer) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	handles := make([]Handle, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, SessionInfo{
			ID:      e.id,
			TabID:   e.tab.id,
			Profile: e.tab.profile,
			State:   bridge.StateConnecting,
			Opened:  e.opened,
		})
		handles = append(handles, e.handle)
	}
	m.mu.Unlock()

	for i, h := range handles {
		if h != nil {
			out[i].State = h.State()
			out[i].Err = h.Err()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opened.Before(out[j].Opened) })
	return out
}

// Len is the number of registered sessions.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session concurrently. Sessions still running when
// ctx ends are killed; Shutdown then waits briefly for them to be reaped.
// After Shutdown no tab can be opened.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := m.handlesLocked()
	m.sessions = make(map[string]*entry)
	m.tabs = make(map[string]*tab)
	m.mu.Unlock()

	m.log.Info().Int("sessions", len(handles)).Msg("shutting down sessions")

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Close(); err != nil {
				m.log.Warn().Err(err).Str("session", h.ID()).Msg("session forced closed at shutdown")
			}
		}(h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			m.log.Warn().Str("session", h.ID()).Msg("killing relay at shutdown deadline")
			h.Kill()
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.log.Error().Msg("relays still running after shutdown")
	}
	return ctx.Err()
}

// ended unregisters a session whose relay is gone and tells the buffer,
// unless the tab was closed or reconnected first.
func (m *Multiplexer) ended(sessionID string, t *tab, reason error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok && e.tab == t {
		delete(m.sessions, sessionID)
		t.lastErr = reason
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.buffer.NotifyDisconnect(sessionID, reason)
}

// LastError is the end reason of the tab's last session.
func (m *Multiplexer) LastError(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tabLocked(sessionID); t != nil {
		return t.lastErr
	}
	return nil
}

type sessionHandler struct {
	m   *Multiplexer
	tab *tab
	log zerolog.Logger

	transcript io.WriteCloser
}

func (h *sessionHandler) HandleOutput(sessionID string, p []byte) {
	if h.transcript != nil {
		if _, err := h.transcript.Write(p); err != nil {
			h.log.Warn().Err(err).Msg("transcript write failed; disabling")
			h.closeTranscript()
		}
	}
	h.m.buffer.Deliver(sessionID, p)
}

func (h *sessionHandler) HandleClosed(sessionID string, reason error) {
	h.closeTranscript()
	if reason != nil {
		h.log.Warn().Err(reason).Msg("session ended")
	} else {
		h.log.Info().Msg("session ended")
	}
	h.m.ended(sessionID, h.tab, reason)
}

func (h *sessionHandler) closeTranscript() {
	if h.transcript != nil {
		_ = h.transcript.Close()
		h.transcript = nil
	}
}
