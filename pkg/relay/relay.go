// Package relay implements termissh-relay: one SSH connection with one
// interactive PTY shell, bridged to the parent process over the framed
// protocol in package relayproto.
//
// The relay reads frames on its input (normally stdin) and writes frames on
// its output (normally stdout). Logging goes to stderr and never onto the
// protocol stream.
//
// Lifecycle:
//
//  1. Read the Hello frame (bounded by Options.HelloTimeout).
//  2. Dial, authenticate, request a PTY and start the shell. Any failure is
//     reported as a single Control(Error(connect)) frame. Close or input EOF
//     during this phase abandons the attempt and reports Control(Closed).
//  3. Send Control(Ready), then forward in both directions until the shell
//     ends, the parent asks to close, or the connection drops.
//  4. The final frame is Control(Closed) on a clean end (exit code 0) or
//     Control(Error(...)) otherwise (non-zero exit code).
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"termissh/pkg/relayproto"
)

// Error is a fatal relay failure. Kind is what the parent is told in the
// final Control(Error) frame.
type Error struct {
	Kind relayproto.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tunes Run. Zero values select the defaults.
type Options struct {
	Logger zerolog.Logger

	// HelloTimeout bounds the wait for the parent's Hello frame.
	HelloTimeout time.Duration

	// DrainTimeout bounds how long remaining shell output is forwarded
	// after the shell ends, before the final frame is written.
	DrainTimeout time.Duration

	// ExitGrace is how long to wait for the transport to report closure
	// when the shell channel ends without an exit status. If the
	// transport closes within the grace period the end is a dropped
	// connection rather than a clean exit.
	ExitGrace time.Duration
}

const (
	defaultHelloTimeout = 10 * time.Second
	defaultDrainTimeout = 2 * time.Second
	defaultExitGrace    = 250 * time.Millisecond

	// outputChunkSize is the largest Data frame the relay emits.
	outputChunkSize = 32 * 1024
)

func (o *Options) setDefaults() {
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = defaultHelloTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = defaultExitGrace
	}
}

type inbound struct {
	frame relayproto.Frame
	err   error
}

// Run speaks the relay protocol on in/out until the session ends. It
// returns nil after a clean close and an *Error otherwise; in both cases
// the final frame has already been written.
//
// Cancelling ctx is treated like a Control(Close) from the parent.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	opts.setDefaults()
	log := opts.Logger
	w := relayproto.NewWriter(out)

	stop := make(chan struct{})
	defer close(stop)

	// One reader for the whole lifetime; the stream position cannot be
	// handed between goroutines.
	frames := make(chan inbound, 16)
	go func() {
		r := relayproto.NewReader(in)
		for {
			f, err := r.ReadFrame()
			select {
			case frames <- inbound{frame: f, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	hello, err := awaitHello(ctx, frames, opts.HelloTimeout)
	if err != nil {
		return fail(w, log, relayproto.KindProtocol, err)
	}
	log = log.With().Str("host", hello.Target()).Str("user", hello.User).Logger()
	log.Info().Str("auth", hello.Auth).Msg("connecting")

	b := &bridge{
		log:   log,
		w:     w,
		input: relayproto.NewInputQueue(),
		sizes: relayproto.NewSizeSlot(),
		lost:  make(chan error, 1),
		stop:  stop,
	}
	b.sizes.MarkApplied(hello.Size())

	client, sh, err := b.connect(ctx, frames, hello)
	if err != nil {
		if errors.Is(err, errCloseRequested) {
			return b.finish(relayproto.NewControlFrame(relayproto.SignalClosed), nil)
		}
		var relayErr *Error
		if errors.As(err, &relayErr) {
			return fail(w, log, relayErr.Kind, relayErr.Err)
		}
		return fail(w, log, relayproto.KindConnect, err)
	}
	defer client.Close()
	defer sh.session.Close()
	b.client, b.shell = client, sh

	if err := w.WriteFrame(relayproto.NewControlFrame(relayproto.SignalReady)); err != nil {
		return &Error{Kind: relayproto.KindInternal, Err: err}
	}
	log.Info().Stringer("size", hello.Size()).Msg("shell ready")

	return b.run(ctx, frames, hello, opts)
}

type dialResult struct {
	client *ssh.Client
	shell  *shell
	err    error
}

// connect dials and starts the shell while still serving parent frames.
// Data and Resize frames are kept for the shell. Close, input EOF or ctx
// ending abandon the attempt and return errCloseRequested; a bad frame
// returns a protocol *Error.
func (b *bridge) connect(ctx context.Context, frames <-chan inbound, hello relayproto.Hello) (*ssh.Client, *shell, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan dialResult, 1)
	go func() {
		client, err := Dial(dialCtx, hello, b.log)
		if err != nil {
			done <- dialResult{err: err}
			return
		}
		stopCancel := context.AfterFunc(dialCtx, func() { client.Close() })
		sh, err := openShell(client, hello)
		if !stopCancel() {
			if sh != nil {
				sh.session.Close()
			}
			done <- dialResult{err: context.Cause(dialCtx)}
			return
		}
		if err != nil {
			client.Close()
			done <- dialResult{err: err}
			return
		}
		done <- dialResult{client: client, shell: sh}
	}()

	abandon := func(err error) (*ssh.Client, *shell, error) {
		cancel()
		if r := <-done; r.err == nil {
			r.shell.session.Close()
			r.client.Close()
		}
		return nil, nil, err
	}

	for {
		select {
		case r := <-done:
			if r.err != nil && ctx.Err() != nil {
				return nil, nil, errCloseRequested
			}
			return r.client, r.shell, r.err
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					b.log.Info().Msg("parent closed input while connecting")
					return abandon(errCloseRequested)
				}
				return abandon(&Error{Kind: relayproto.KindProtocol, Err: in.err})
			}
			if err := b.handleFrame(in.frame); err != nil {
				if errors.Is(err, errCloseRequested) {
					b.log.Info().Msg("close requested while connecting")
					return abandon(err)
				}
				return abandon(&Error{Kind: relayproto.KindProtocol, Err: err})
			}
		case <-ctx.Done():
			b.log.Info().Msg("terminated while connecting")
			return abandon(errCloseRequested)
		}
	}
}

func awaitHello(ctx context.Context, frames <-chan inbound, timeout time.Duration) (relayproto.Hello, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-frames:
		if in.err != nil {
			return relayproto.Hello{}, fmt.Errorf("read hello: %w", in.err)
		}
		if in.frame.Tag != relayproto.TagHello {
			return relayproto.Hello{}, fmt.Errorf("expected hello frame, got %s", in.frame.Tag)
		}
		return relayproto.ParseHello(in.frame.Payload)
	case <-timer.C:
		return relayproto.Hello{}, fmt.Errorf("no hello frame within %s", timeout)
	case <-ctx.Done():
		return relayproto.Hello{}, ctx.Err()
	}
}

type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func openShell(client *ssh.Client, h relayproto.Hello) (*shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	term := h.Term
	if term == "" {
		term = relayproto.DefaultTerm
	}
	size := h.Size()
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty(term, int(size.Rows), int(size.Columns), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &shell{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// bridge holds the steady-state forwarding duties of one relay.
type bridge struct {
	log    zerolog.Logger
	w      *relayproto.Writer
	client *ssh.Client
	shell  *shell

	input *relayproto.InputQueue
	sizes *relayproto.SizeSlot

	outputs sync.WaitGroup
	lost    chan error
	stop    <-chan struct{}
}

func (b *bridge) run(ctx context.Context, frames <-chan inbound, hello relayproto.Hello, opts Options) error {
	// Remote to parent.
	for _, r := range []io.Reader{b.shell.stdout, b.shell.stderr} {
		b.outputs.Add(1)
		go b.pumpOutput(r)
	}

	// Parent to remote. Writes to the shell and window changes run on
	// their own goroutines so a stalled remote never blocks frame reads.
	go b.pumpInput()
	go b.applyResizes()

	keepCtx, cancelKeepAlive := context.WithCancel(ctx)
	defer cancelKeepAlive()
	if hello.KeepAlive > 0 {
		go keepAlive(keepCtx, b.client, hello.KeepAlive, b.lost)
	}

	connClosed := make(chan struct{})
	go func() {
		_ = b.client.Wait()
		close(connClosed)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- b.shell.session.Wait() }()

	for {
		select {
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					b.log.Info().Msg("parent closed input; closing session")
					return b.closeClean(opts)
				}
				return b.shutdown(opts, relayproto.KindProtocol, in.err)
			}
			if err := b.handleFrame(in.frame); err != nil {
				if errors.Is(err, errCloseRequested) {
					b.log.Info().Msg("close requested")
					return b.closeClean(opts)
				}
				return b.shutdown(opts, relayproto.KindProtocol, err)
			}

		case err := <-waitDone:
			b.drainOutput(opts.DrainTimeout)
			if b.exitedCleanly(err, connClosed, opts.ExitGrace) {
				b.log.Info().Err(err).Msg("remote shell ended")
				return b.finish(relayproto.NewControlFrame(relayproto.SignalClosed), nil)
			}
			return b.shutdown(opts, relayproto.KindConnectionLost, fmt.Errorf("session ended: %w", err))

		case err := <-b.lost:
			return b.shutdown(opts, relayproto.KindConnectionLost, err)

		case <-ctx.Done():
			b.log.Info().Msg("terminated; closing session")
			return b.closeClean(opts)
		}
	}
}

var errCloseRequested = errors.New("close requested")

func (b *bridge) handleFrame(f relayproto.Frame) error {
	switch f.Tag {
	case relayproto.TagData:
		b.input.Push(f.Payload)
	case relayproto.TagResize:
		size, err := relayproto.ParseResize(f.Payload)
		if err != nil {
			return err
		}
		b.sizes.Set(size)
	case relayproto.TagControl:
		c, err := relayproto.ParseControl(f.Payload)
		if err != nil {
			return err
		}
		if c.Signal == relayproto.SignalClose {
			return errCloseRequested
		}
		b.log.Warn().Stringer("signal", c.Signal).Msg("ignoring unexpected control signal from parent")
	case relayproto.TagHello:
		return fmt.Errorf("%w: duplicate hello", relayproto.ErrMalformed)
	}
	return nil
}

// exitedCleanly classifies the result of session.Wait. A shell that exits,
// with any status, is a clean end. A channel that closes without an exit
// status is a clean end only if the transport survives it.
func (b *bridge) exitedCleanly(err error, connClosed <-chan struct{}, grace time.Duration) bool {
	if err == nil {
		return true
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	var missing *ssh.ExitMissingError
	if !errors.As(err, &missing) {
		return false
	}
	select {
	case <-connClosed:
		return false
	case <-time.After(grace):
		return true
	}
}

func (b *bridge) pumpOutput(r io.Reader) {
	defer b.outputs.Done()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := b.w.WriteFrame(relayproto.NewDataFrame(buf[:n])); werr != nil {
				b.log.Debug().Err(werr).Msg("parent output closed")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *bridge) pumpInput() {
	for {
		select {
		case <-b.input.Ready():
			for _, chunk := range b.input.Drain() {
				if _, err := b.shell.stdin.Write(chunk); err != nil {
					b.log.Debug().Err(err).Msg("remote stdin closed")
					return
				}
			}
		case <-b.stop:
			return
		}
	}
}

func (b *bridge) applyResizes() {
	for {
		select {
		case <-b.sizes.Ready():
			size, ok := b.sizes.Take()
			if !ok {
				continue
			}
			if err := b.shell.session.WindowChange(int(size.Rows), int(size.Columns)); err != nil {
				b.log.Debug().Err(err).Stringer("size", size).Msg("window change failed")
				continue
			}
			b.log.Debug().Stringer("size", size).Msg("window changed")
		case <-b.stop:
			return
		}
	}
}

func (b *bridge) drainOutput(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		b.outputs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.log.Warn().Dur("timeout", timeout).Msg("gave up draining shell output")
	}
}

// closeClean tears the session down on request and reports Closed.
func (b *bridge) closeClean(opts Options) error {
	b.input.Close()
	_ = b.shell.session.Close()
	_ = b.client.Close()
	b.drainOutput(opts.DrainTimeout)
	return b.finish(relayproto.NewControlFrame(relayproto.SignalClosed), nil)
}

// shutdown tears the session down after a failure and reports it.
func (b *bridge) shutdown(opts Options, kind relayproto.ErrorKind, cause error) error {
	b.input.Close()
	_ = b.shell.session.Close()
	_ = b.client.Close()
	b.drainOutput(opts.DrainTimeout)
	return fail(b.w, b.log, kind, cause)
}

func (b *bridge) finish(f relayproto.Frame, result error) error {
	if err := b.w.WriteFrame(f); err != nil {
		b.log.Debug().Err(err).Msg("could not write final frame")
	}
	return result
}

// fail writes the terminal Control(Error) frame and returns the matching
// *Error.
func fail(w *relayproto.Writer, log zerolog.Logger, kind relayproto.ErrorKind, cause error) error {
	log.Error().Err(cause).Stringer("kind", kind).Msg("relay failed")
	if err := w.WriteFrame(relayproto.NewErrorFrame(kind, cause.Error())); err != nil {
		log.Debug().Err(err).Msg("could not write error frame")
	}
	return &Error{Kind: kind, Err: cause}
}
