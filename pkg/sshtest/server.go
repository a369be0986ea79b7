// Package sshtest runs a small in-process SSH server for tests. It accepts
// password authentication, honours pty-req and window-change requests, and
// serves the "shell" request either by echoing input back or by running
// /bin/sh on a real PTY.
//
// The server records every byte received on shell channels and every
// window size requested, so tests can assert what actually reached the
// remote side.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"

	"termissh/pkg/relayproto"
)

// Mode selects how the server answers a shell request.
type Mode int

const (
	// ModeEcho echoes input back. A line consisting of "exit" ends the
	// session with exit status 0.
	ModeEcho Mode = iota
	// ModeShell runs /bin/sh on a PTY sized from the pty-req.
	ModeShell
)

const (
	DefaultUser     = "tester"
	DefaultPassword = "s3cret"
)

type Server struct {
	Host     string
	Port     int
	User     string
	Password string

	mode     Mode
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	received bytes.Buffer
	sizes    []relayproto.Size
	terms    []string
	shells   []*exec.Cmd

	wg sync.WaitGroup
}

type Option func(*Server)

// WithMode selects echo or shell behaviour.
func WithMode(m Mode) Option {
	return func(s *Server) { s.mode = m }
}

// WithCredentials overrides the accepted user and password.
func WithCredentials(user, password string) Option {
	return func(s *Server) {
		s.User = user
		s.Password = password
	}
}

// NewServer starts a server on a loopback port. It is stopped by t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		User:     DefaultUser,
		Password: DefaultPassword,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == s.User && string(password) == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr is host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Hello returns connection parameters that authenticate against s.
func (s *Server) Hello() relayproto.Hello {
	return relayproto.Hello{
		Version:               relayproto.ProtocolVersion,
		Address:               s.Host,
		Port:                  s.Port,
		User:                  s.User,
		Auth:                  string(relayproto.AuthPassword),
		Secret:                s.Password,
		InsecureIgnoreHostKey: true,
		ConnectTimeout:        5 * time.Second,
	}
}

// Close stops accepting, severs every connection and kills running shells.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.mu.Lock()
	for _, cmd := range s.shells {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DropConnections closes every client TCP connection without any SSH-level
// goodbye, as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// ConnCount reports currently open client connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received returns every byte received on shell channels so far.
func (s *Server) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received.Bytes()...)
}

// Sizes returns every PTY size requested, pty-req first, in order.
func (s *Server) Sizes() []relayproto.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relayproto.Size(nil), s.sizes...)
}

// Terms returns the terminal types of every pty-req.
func (s *Server) Terms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terms...)
}

// WaitReceived polls until the received bytes contain want.
func (s *Server) WaitReceived(t testing.TB, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if bytes.Contains(s.Received(), []byte(want)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not receive %q within %s; got %q", want, timeout, s.Received())
}

// WaitSize polls until the most recent requested size equals want.
func (s *Server) WaitSize(t testing.TB, want relayproto.Size, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sizes := s.Sizes(); len(sizes) > 0 && sizes[len(sizes)-1] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server size never became %v; sizes %v", want, s.Sizes())
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatus struct {
	Status uint32
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	size := relayproto.DefaultSize
	var ptmx *os.File
	started := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			size = relayproto.Size{Rows: uint16(p.Rows), Columns: uint16(p.Columns)}
			s.mu.Lock()
			s.terms = append(s.terms, p.Term)
			s.sizes = append(s.sizes, size)
			s.mu.Unlock()
			_ = req.Reply(true, nil)

		case "window-change":
			var wc windowChange
			if err := ssh.Unmarshal(req.Payload, &wc); err != nil {
				continue
			}
			size = relayproto.Size{Rows: uint16(wc.Rows), Columns: uint16(wc.Columns)}
			s.mu.Lock()
			s.sizes = append(s.sizes, size)
			s.mu.Unlock()
			if ptmx != nil {
				_ = pty.Setsize(ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Columns})
			}

		case "shell":
			if started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			if s.mode == ModeShell {
				cmd := exec.Command("/bin/sh")
				cmd.Env = append(os.Environ(), "PS1=$ ", "TERM=xterm-256color")
				f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Columns})
				if err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				ptmx = f
				s.mu.Lock()
				s.shells = append(s.shells, cmd)
				s.mu.Unlock()
				_ = req.Reply(true, nil)
				go s.runShell(ch, ptmx, cmd)
			} else {
				_ = req.Reply(true, nil)
				go s.runEcho(ch)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) record(p []byte) {
	s.mu.Lock()
	s.received.Write(p)
	s.mu.Unlock()
}

func sendExit(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
}

func (s *Server) runEcho(ch ssh.Channel) {
	defer ch.Close()
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.record(buf[:n])
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line = append(line, b)
					continue
				}
				if strings.TrimSpace(string(line)) == "exit" {
					sendExit(ch, 0)
					return
				}
				line = line[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

type recordingWriter struct {
	s *Server
	w io.Writer
}

func (r recordingWriter) Write(p []byte) (int, error) {
	r.s.record(p)
	return r.w.Write(p)
}

func (s *Server) runShell(ch ssh.Channel, ptmx *os.File, cmd *exec.Cmd) {
	defer ch.Close()
	go func() {
		_, _ = io.Copy(recordingWriter{s: s, w: ptmx}, ch)
		// Client went away: hang up the shell.
		ptmx.Close()
	}()
	_, _ = io.Copy(ch, ptmx)

	code := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	sendExit(ch, code)
}
