package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/relayproto"
	"termissh/pkg/sshtest"
)

const testTimeout = 10 * time.Second

// harness drives Run in-process over a pair of pipes, standing in for the
// parent process.
type harness struct {
	t      *testing.T
	in     *io.PipeWriter
	frames chan relayproto.Frame
	done   chan error
}

func startRelay(t *testing.T, hello relayproto.Hello) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &harness{
		t:      t,
		in:     inW,
		frames: make(chan relayproto.Frame, 256),
		done:   make(chan error, 1),
	}
	go func() {
		err := Run(context.Background(), inR, outW, Options{
			Logger:       zerolog.New(io.Discard),
			HelloTimeout: 2 * time.Second,
			ExitGrace:    100 * time.Millisecond,
		})
		outW.Close()
		h.done <- err
	}()
	go func() {
		defer close(h.frames)
		r := relayproto.NewReader(outR)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}
			h.frames <- f
		}
	}()
	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})

	f, err := relayproto.NewHelloFrame(hello)
	if err != nil {
		t.Fatalf("NewHelloFrame: %v", err)
	}
	h.send(f)
	return h
}

func (h *harness) send(f relayproto.Frame) {
	h.t.Helper()
	if err := relayproto.WriteFrame(h.in, f); err != nil {
		h.t.Fatalf("send %s: %v", f.Tag, err)
	}
}

func (h *harness) next() relayproto.Frame {
	h.t.Helper()
	select {
	case f, ok := <-h.frames:
		if !ok {
			h.t.Fatalf("relay output closed")
		}
		return f
	case <-time.After(testTimeout):
		h.t.Fatalf("timed out waiting for a frame")
	}
	return relayproto.Frame{}
}

// nextControl skips Data frames and returns the next Control.
func (h *harness) nextControl() relayproto.Control {
	h.t.Helper()
	for {
		f := h.next()
		if f.Tag != relayproto.TagControl {
			continue
		}
		c, err := relayproto.ParseControl(f.Payload)
		if err != nil {
			h.t.Fatalf("ParseControl: %v", err)
		}
		return c
	}
}

// readDataUntil accumulates Data payloads until they contain want.
func (h *harness) readDataUntil(want string) string {
	h.t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		f := h.next()
		if f.Tag == relayproto.TagControl {
			c, _ := relayproto.ParseControl(f.Payload)
			h.t.Fatalf("unexpected control %+v while waiting for %q (have %q)", c, want, got.String())
		}
		got.Write(f.Payload)
	}
	return got.String()
}

// expectNoMoreFrames checks the relay closed its output after the final
// frame.
func (h *harness) expectNoMoreFrames() {
	h.t.Helper()
	select {
	case f, ok := <-h.frames:
		if ok {
			h.t.Fatalf("expected no frames after the final one, got %s", f)
		}
	case <-time.After(testTimeout):
		h.t.Fatalf("relay output was not closed")
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(testTimeout):
		h.t.Fatalf("relay did not exit")
	}
	return nil
}

func expectReady(t *testing.T, h *harness) {
	t.Helper()
	if c := h.nextControl(); c.Signal != relayproto.SignalReady {
		t.Fatalf("expected ready, got %+v", c)
	}
}

func TestRun_EchoRoundTripThenClose(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.send(relayproto.NewDataFrame([]byte("hel")))
	h.send(relayproto.NewDataFrame([]byte("lo\n")))
	h.readDataUntil("hello\n")
	srv.WaitReceived(t, "hello\n", testTimeout)

	h.send(relayproto.NewControlFrame(relayproto.SignalClose))
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed, got %+v", c)
	}
	h.expectNoMoreFrames()
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestRun_RequestsPTYWithHelloSize(t *testing.T) {
	srv := sshtest.NewServer(t)
	hello := srv.Hello()
	hello.Rows, hello.Columns = 33, 111
	h := startRelay(t, hello)
	expectReady(t, h)

	sizes := srv.Sizes()
	if len(sizes) == 0 || sizes[0] != (relayproto.Size{Rows: 33, Columns: 111}) {
		t.Fatalf("expected pty-req 33x111, got %v", sizes)
	}
	if terms := srv.Terms(); len(terms) != 1 || terms[0] != relayproto.DefaultTerm {
		t.Fatalf("expected term %q, got %v", relayproto.DefaultTerm, terms)
	}
}

func TestRun_ResizeReachesRemote(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.send(relayproto.NewResizeFrame(relayproto.Size{Rows: 24, Columns: 80}))
	h.send(relayproto.NewResizeFrame(relayproto.Size{Rows: 30, Columns: 100}))
	srv.WaitSize(t, relayproto.Size{Rows: 30, Columns: 100}, testTimeout)

	// The newest size must be the last applied.
	time.Sleep(100 * time.Millisecond)
	sizes := srv.Sizes()
	if last := sizes[len(sizes)-1]; last != (relayproto.Size{Rows: 30, Columns: 100}) {
		t.Fatalf("expected 30x100 last, got %v", sizes)
	}
}

func TestRun_ShellPwdRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	srv := sshtest.NewServer(t, sshtest.WithMode(sshtest.ModeShell))
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.send(relayproto.NewDataFrame([]byte("pwd\n")))
	h.readDataUntil(wd)

	h.send(relayproto.NewDataFrame([]byte("exit\n")))
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed after shell exit, got %+v", c)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestRun_RemoteExitEndsCleanly(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.send(relayproto.NewDataFrame([]byte("exit\r")))
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed, got %+v", c)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestRun_ParentEOFClosesCleanly(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.in.Close()
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed, got %+v", c)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func expectFailure(t *testing.T, h *harness, kind relayproto.ErrorKind) relayproto.Control {
	t.Helper()
	c := h.nextControl()
	if c.Signal != relayproto.SignalError || c.Kind != kind {
		t.Fatalf("expected error(%s), got %+v", kind, c)
	}
	h.expectNoMoreFrames()
	err := h.wait()
	var relayErr *Error
	if !errors.As(err, &relayErr) || relayErr.Kind != kind {
		t.Fatalf("expected *Error with kind %s, got %v", kind, err)
	}
	return c
}

func TestRun_WrongPasswordIsConnectError(t *testing.T) {
	srv := sshtest.NewServer(t)
	hello := srv.Hello()
	hello.Secret = "wrong"
	h := startRelay(t, hello)

	c := expectFailure(t, h, relayproto.KindConnect)
	if !strings.Contains(c.Reason, "handshake") {
		t.Fatalf("expected handshake failure reason, got %q", c.Reason)
	}
}

func TestRun_UnreachableHostIsConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	h := startRelay(t, relayproto.Hello{
		Address:        "127.0.0.1",
		Port:           port,
		User:           "nobody",
		Auth:           "password",
		Secret:         "x",
		ConnectTimeout: 2 * time.Second,
	})
	expectFailure(t, h, relayproto.KindConnect)
}

func TestRun_FirstFrameMustBeHello(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()
	defer outR.Close()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), inR, outW, Options{Logger: zerolog.New(io.Discard)})
		outW.Close()
	}()
	go relayproto.WriteFrame(inW, relayproto.NewDataFrame([]byte("ls\n")))

	f, err := relayproto.NewReader(outR).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	c, err := relayproto.ParseControl(f.Payload)
	if err != nil || c.Signal != relayproto.SignalError || c.Kind != relayproto.KindProtocol {
		t.Fatalf("expected protocol error, got %+v (%v)", c, err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error")
		}
	case <-time.After(testTimeout):
		t.Fatalf("relay did not exit")
	}
}

func TestRun_MalformedFrameIsProtocolError(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	h.send(relayproto.Frame{Tag: relayproto.TagResize, Payload: []byte{1}})
	expectFailure(t, h, relayproto.KindProtocol)
}

func TestRun_DroppedConnectionIsConnectionLost(t *testing.T) {
	srv := sshtest.NewServer(t)
	h := startRelay(t, srv.Hello())
	expectReady(t, h)

	srv.DropConnections()
	expectFailure(t, h, relayproto.KindConnectionLost)
}

// silentListener accepts TCP connections and never speaks SSH, so a relay
// dialing it stays in the handshake until its connect timeout.
func silentListener(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func stuckHello(t *testing.T) relayproto.Hello {
	host, port := silentListener(t)
	return relayproto.Hello{
		Address:               host,
		Port:                  port,
		User:                  "nobody",
		Auth:                  "password",
		Secret:                "x",
		InsecureIgnoreHostKey: true,
		ConnectTimeout:        8 * time.Second,
	}
}

func TestRun_CloseWhileConnectingEndsPromptly(t *testing.T) {
	h := startRelay(t, stuckHello(t))
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	h.send(relayproto.NewControlFrame(relayproto.SignalClose))
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed, got %+v", c)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected close within 2s of the request, took %s", elapsed)
	}
}

func TestRun_ParentEOFWhileConnectingEndsPromptly(t *testing.T) {
	h := startRelay(t, stuckHello(t))
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	h.in.Close()
	if c := h.nextControl(); c.Signal != relayproto.SignalClosed {
		t.Fatalf("expected closed, got %+v", c)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected exit within 2s of EOF, took %s", elapsed)
	}
}

// stallingProxy forwards TCP to target until stall is called. After that
// it keeps every connection open but moves no more bytes, like a network
// path that silently stopped delivering.
type stallingProxy struct {
	l       net.Listener
	target  string
	stalled chan struct{}
	once    sync.Once

	mu    sync.Mutex
	conns []net.Conn
}

func newStallingProxy(t *testing.T, target string) *stallingProxy {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &stallingProxy{l: l, target: target, stalled: make(chan struct{})}
	go p.serve()
	t.Cleanup(func() {
		l.Close()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.Close()
		}
	})
	return p
}

func (p *stallingProxy) port() int { return p.l.Addr().(*net.TCPAddr).Port }

func (p *stallingProxy) stall() { p.once.Do(func() { close(p.stalled) }) }

func (p *stallingProxy) serve() {
	for {
		client, err := p.l.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go p.pipe(server, client)
		go p.pipe(client, server)
	}
}

func (p *stallingProxy) pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		select {
		case <-p.stalled:
			return
		default:
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func TestRun_StalledNetworkDetectedByKeepAlive(t *testing.T) {
	srv := sshtest.NewServer(t)
	proxy := newStallingProxy(t, srv.Addr())
	hello := srv.Hello()
	hello.Address = "127.0.0.1"
	hello.Port = proxy.port()
	hello.KeepAlive = 300 * time.Millisecond
	h := startRelay(t, hello)
	expectReady(t, h)

	// Keepalives are answered while the path is healthy.
	time.Sleep(700 * time.Millisecond)
	h.send(relayproto.NewDataFrame([]byte("ping\n")))
	h.readDataUntil("ping\n")

	start := time.Now()
	proxy.stall()
	c := expectFailure(t, h, relayproto.KindConnectionLost)
	if !strings.Contains(c.Reason, "keepalive") {
		t.Fatalf("expected keepalive reason, got %q", c.Reason)
	}
	// Detection takes at most one tick plus one unanswered interval; the
	// extra margin covers drain time and scheduling.
	if elapsed := time.Since(start); elapsed > 2*time.Second+4*hello.KeepAlive {
		t.Fatalf("expected detection within about two keepalive intervals, took %s", elapsed)
	}
}
