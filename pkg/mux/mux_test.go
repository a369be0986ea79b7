package mux_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/bridge"
	"termissh/pkg/mux"
	"termissh/pkg/relayproto"
)

type fakeHandle struct {
	id      string
	handler bridge.Handler

	// closeBlock, when set, makes Close wait for it (or for Kill).
	closeBlock chan struct{}

	mu     sync.Mutex
	state  bridge.State
	input  []string
	sizes  []relayproto.Size
	closes int
	killed bool

	endOnce sync.Once
	done    chan struct{}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) SendInput(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != bridge.StateConnected {
		return bridge.ErrNotConnected
	}
	f.input = append(f.input, string(p))
	return nil
}

func (f *fakeHandle) Resize(size relayproto.Size) {
	f.mu.Lock()
	f.sizes = append(f.sizes, size)
	f.mu.Unlock()
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	if f.closeBlock != nil {
		select {
		case <-f.closeBlock:
		case <-f.done:
			return bridge.ErrCloseTimeout
		}
	}
	f.end(nil)
	return nil
}

func (f *fakeHandle) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.end(bridge.ErrConnectionLost)
}

func (f *fakeHandle) State() bridge.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeHandle) Err() error { return nil }

func (f *fakeHandle) Done() <-chan struct{} { return f.done }

func (f *fakeHandle) connected() {
	f.mu.Lock()
	f.state = bridge.StateConnected
	f.mu.Unlock()
}

// end mimics the relay exiting with reason.
func (f *fakeHandle) end(reason error) {
	f.endOnce.Do(func() {
		f.mu.Lock()
		f.state = bridge.StateClosed
		f.mu.Unlock()
		f.handler.HandleClosed(f.id, reason)
		close(f.done)
	})
}

func (f *fakeHandle) inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.input...)
}

type fakeConnector struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	order   []string
	err     error
	// connected makes new handles start in StateConnected.
	connected bool
	block     chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{handles: make(map[string]*fakeHandle), connected: true}
}

func (c *fakeConnector) connect(_ context.Context, id string, _ bridge.HostProfile, _ relayproto.Size, h bridge.Handler) (mux.Handle, error) {
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return nil, c.err
	}
	f := &fakeHandle{id: id, handler: h, done: make(chan struct{})}
	if c.connected {
		f.state = bridge.StateConnected
	}
	c.mu.Lock()
	c.handles[id] = f
	c.order = append(c.order, id)
	c.mu.Unlock()
	return f, nil
}

func (c *fakeConnector) get(t *testing.T, id string) *fakeHandle {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.handles[id]
	if !ok {
		t.Fatalf("no handle for session %s", id)
	}
	return f
}

type disconnect struct {
	id     string
	reason error
}

type recordingBuffer struct {
	mu          sync.Mutex
	delivered   map[string][]byte
	disconnects chan disconnect
}

func newRecordingBuffer() *recordingBuffer {
	return &recordingBuffer{delivered: make(map[string][]byte), disconnects: make(chan disconnect, 16)}
}

func (b *recordingBuffer) Deliver(id string, p []byte) {
	b.mu.Lock()
	b.delivered[id] = append(b.delivered[id], p...)
	b.mu.Unlock()
}

func (b *recordingBuffer) NotifyDisconnect(id string, reason error) {
	b.disconnects <- disconnect{id: id, reason: reason}
}

func (b *recordingBuffer) output(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.delivered[id])
}

func (b *recordingBuffer) waitDisconnect(t *testing.T) disconnect {
	t.Helper()
	select {
	case d := <-b.disconnects:
		return d
	case <-time.After(10 * time.Second):
		t.Fatalf("no disconnect notification")
	}
	return disconnect{}
}

func newTestMux(c *fakeConnector, b *recordingBuffer) *mux.Multiplexer {
	var n atomic.Int64
	return mux.New(mux.Options{
		Connect: c.connect,
		Buffer:  b,
		Logger:  zerolog.Nop(),
		NewID:   func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	})
}

var hostA = bridge.HostProfile{ID: "a", Address: "a.example"}
var hostB = bridge.HostProfile{ID: "b", Address: "b.example"}

func TestOpenTab_RegistersSession(t *testing.T) {
	c := newFakeConnector()
	m := newTestMux(c, newRecordingBuffer())

	id, err := m.OpenTab(context.Background(), hostA)
	if err != nil {
		t.Fatalf("OpenTab: %v", err)
	}
	sessions := m.Sessions()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Profile.ID != "a" {
		t.Fatalf("unexpected registry %+v", sessions)
	}
	if sessions[0].State != bridge.StateConnected {
		t.Fatalf("expected connected, got %s", sessions[0].State)
	}
}

func TestOpenTab_LaunchFailureLeavesNothingRegistered(t *testing.T) {
	c := newFakeConnector()
	c.err = fmt.Errorf("%w. Searched: /nowhere (missing)", bridge.ErrRelayNotFound)
	m := newTestMux(c, newRecordingBuffer())

	_, err := m.OpenTab(context.Background(), hostA)
	if !errors.Is(err, bridge.ErrRelayNotFound) {
		t.Fatalf("expected ErrRelayNotFound, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Len())
	}
}

func TestRouteInput_UnknownSession(t *testing.T) {
	m := newTestMux(newFakeConnector(), newRecordingBuffer())
	if err := m.RouteInput("nope", []byte("x")); !errors.Is(err, mux.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := m.Resize("nope", relayproto.Size{Rows: 1, Columns: 1}); !errors.Is(err, mux.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRouteInput_DroppedWhileConnecting(t *testing.T) {
	c := newFakeConnector()
	c.connected = false
	m := newTestMux(c, newRecordingBuffer())
	id, err := m.OpenTab(context.Background(), hostA)
	if err != nil {
		t.Fatalf("OpenTab: %v", err)
	}

	if err := m.RouteInput(id, []byte("early")); err != nil {
		t.Fatalf("expected input to be dropped silently, got %v", err)
	}
	f := c.get(t, id)
	f.connected()
	if err := m.RouteInput(id, []byte("late")); err != nil {
		t.Fatalf("RouteInput: %v", err)
	}
	if got := f.inputs(); len(got) != 1 || got[0] != "late" {
		t.Fatalf("expected only late input, got %q", got)
	}
}

func TestRouteOutput_DeliversToOwnTab(t *testing.T) {
	c := newFakeConnector()
	b := newRecordingBuffer()
	m := newTestMux(c, b)
	a, _ := m.OpenTab(context.Background(), hostA)
	bID, _ := m.OpenTab(context.Background(), hostB)

	c.get(t, a).handler.HandleOutput(a, []byte("from a 1;"))
	c.get(t, bID).handler.HandleOutput(bID, []byte("from b;"))
	c.get(t, a).handler.HandleOutput(a, []byte("from a 2;"))

	if got := b.output(a); got != "from a 1;from a 2;" {
		t.Fatalf("tab a got %q", got)
	}
	if got := b.output(bID); got != "from b;" {
		t.Fatalf("tab b got %q", got)
	}
}

func TestSessionExit_UnregistersAndNotifies(t *testing.T) {
	c := newFakeConnector()
	b := newRecordingBuffer()
	m := newTestMux(c, b)
	id, _ := m.OpenTab(context.Background(), hostA)

	c.get(t, id).end(bridge.ErrConnectionLost)
	d := b.waitDisconnect(t)
	if d.id != id || !errors.Is(d.reason, bridge.ErrConnectionLost) {
		t.Fatalf("unexpected disconnect %+v", d)
	}
	if m.Len() != 0 {
		t.Fatalf("expected exited session to be unregistered")
	}
	if err := m.RouteInput(id, []byte("x")); !errors.Is(err, mux.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession after exit, got %v", err)
	}
	if !errors.Is(m.LastError(id), bridge.ErrConnectionLost) {
		t.Fatalf("expected tab to remember the reason, got %v", m.LastError(id))
	}
	if err := m.CloseTab(id); err != nil {
		t.Fatalf("CloseTab after exit: %v", err)
	}
	if _, ok := m.TabOf(id); ok {
		t.Fatalf("expected tab to be gone")
	}
}

func TestCloseTab_RemovesEntryEvenWhenForced(t *testing.T) {
	c := newFakeConnector()
	b := newRecordingBuffer()
	m := newTestMux(c, b)
	id, _ := m.OpenTab(context.Background(), hostA)
	f := c.get(t, id)
	f.closeBlock = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- m.CloseTab(id) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Fatalf("entry still registered while close is pending")
	}
	f.Kill()
	if err := <-errc; !errors.Is(err, bridge.ErrCloseTimeout) {
		t.Fatalf("expected ErrCloseTimeout, got %v", err)
	}
	select {
	case d := <-b.disconnects:
		t.Fatalf("closed tab should not get a disconnect banner, got %+v", d)
	default:
	}
	if err := m.CloseTab(id); !errors.Is(err, mux.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession on second close, got %v", err)
	}
}

func TestCloseTab_DoesNotStallOtherTabs(t *testing.T) {
	c := newFakeConnector()
	b := newRecordingBuffer()
	m := newTestMux(c, b)
	a, _ := m.OpenTab(context.Background(), hostA)
	other, _ := m.OpenTab(context.Background(), hostB)

	wedged := c.get(t, a)
	wedged.closeBlock = make(chan struct{})
	closed := make(chan error, 1)
	go func() { closed <- m.CloseTab(a) }()

	f := c.get(t, other)
	for i := 0; i < 50; i++ {
		if err := m.RouteInput(other, []byte{byte('a' + i%26)}); err != nil {
			t.Fatalf("RouteInput on sibling: %v", err)
		}
		f.handler.HandleOutput(other, []byte{'.'})
	}
	if got := len(f.inputs()); got != 50 {
		t.Fatalf("expected 50 inputs on sibling, got %d", got)
	}
	if got := b.output(other); len(got) != 50 {
		t.Fatalf("expected 50 output bytes on sibling, got %d", len(got))
	}
	if s := m.Sessions(); len(s) != 1 || s[0].ID != other || s[0].State != bridge.StateConnected {
		t.Fatalf("sibling entry disturbed: %+v", s)
	}

	close(wedged.closeBlock)
	if err := <-closed; err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
}

func TestCloseTab_WhileConnecting(t *testing.T) {
	c := newFakeConnector()
	c.block = make(chan struct{})
	m := newTestMux(c, newRecordingBuffer())

	ids := make(chan string, 1)
	go func() {
		id, err := m.OpenTab(context.Background(), hostA)
		if err != nil {
			t.Errorf("OpenTab: %v", err)
		}
		ids <- id
	}()

	var pending string
	deadline := time.Now().Add(5 * time.Second)
	for pending == "" && time.Now().Before(deadline) {
		if s := m.Sessions(); len(s) == 1 {
			pending = s[0].ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pending == "" {
		t.Fatalf("session never registered")
	}
	if err := m.CloseTab(pending); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	close(c.block)
	id := <-ids

	f := c.get(t, id)
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("relay opened for a closed tab was never closed")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Len())
	}
}

func TestReconnect_FreshSessionSameTab(t *testing.T) {
	c := newFakeConnector()
	b := newRecordingBuffer()
	m := newTestMux(c, b)
	first, _ := m.OpenTab(context.Background(), hostA)
	tabID, _ := m.TabOf(first)

	c.get(t, first).end(bridge.ErrConnectionLost)
	b.waitDisconnect(t)

	second, err := m.Reconnect(context.Background(), first)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if second == first {
		t.Fatalf("reconnect reused session id %s", first)
	}
	if got, ok := m.TabOf(second); !ok || got != tabID {
		t.Fatalf("expected tab %s to be kept, got %s", tabID, got)
	}
	if m.LastError(second) != nil {
		t.Fatalf("expected cleared error on new session")
	}

	third, err := m.Reconnect(context.Background(), second)
	if err != nil {
		t.Fatalf("Reconnect live: %v", err)
	}
	if c.get(t, second).closes != 1 {
		t.Fatalf("expected live session to be closed on reconnect")
	}
	if s := m.Sessions(); len(s) != 1 || s[0].ID != third || s[0].TabID != tabID {
		t.Fatalf("unexpected registry after reconnect: %+v", s)
	}
	select {
	case d := <-b.disconnects:
		t.Fatalf("replaced session should not notify, got %+v", d)
	default:
	}
}

func TestResizeAll_AppliesToEverySession(t *testing.T) {
	c := newFakeConnector()
	m := newTestMux(c, newRecordingBuffer())
	a, _ := m.OpenTab(context.Background(), hostA)
	bID, _ := m.OpenTab(context.Background(), hostB)

	size := relayproto.Size{Rows: 50, Columns: 160}
	m.ResizeAll(size)
	for _, id := range []string{a, bID} {
		f := c.get(t, id)
		f.mu.Lock()
		sizes := append([]relayproto.Size(nil), f.sizes...)
		f.mu.Unlock()
		if len(sizes) != 1 || sizes[0] != size {
			t.Fatalf("session %s got sizes %v", id, sizes)
		}
	}
}

func TestShutdown_ClosesAllAndKillsStragglers(t *testing.T) {
	c := newFakeConnector()
	m := newTestMux(c, newRecordingBuffer())
	polite, _ := m.OpenTab(context.Background(), hostA)
	wedgedID, _ := m.OpenTab(context.Background(), hostB)
	wedged := c.get(t, wedgedID)
	wedged.closeBlock = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c.get(t, polite).closes != 1 {
		t.Fatalf("expected polite session to be closed")
	}
	wedged.mu.Lock()
	killed := wedged.killed
	wedged.mu.Unlock()
	if !killed {
		t.Fatalf("expected wedged session to be killed")
	}
	if _, err := m.OpenTab(context.Background(), hostA); !errors.Is(err, mux.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
