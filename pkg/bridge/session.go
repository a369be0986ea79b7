package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/relayproto"
)

// State is a session's connection state. It only moves forward:
// Connecting -> Connected -> (Degraded ->) Closed. Connecting may also go
// straight to Degraded or Closed.
type State int32

const (
	// StateConnecting: relay spawned, no readiness signal yet.
	StateConnecting State = iota
	// StateConnected: relay sent Ready or its first output.
	StateConnected
	// StateDegraded: the relay's output stream failed (bad frame or EOF
	// without a final frame) and the process has not been reaped yet.
	StateDegraded
	// StateClosed: the relay sent its final frame or exited.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives a session's output and its end. Calls for one session
// are made from a single goroutine, in order; HandleClosed is called
// exactly once, after the last HandleOutput and after the relay process has
// been reaped.
type Handler interface {
	HandleOutput(sessionID string, p []byte)
	HandleClosed(sessionID string, reason error)
}

// killWait bounds the wait for a killed relay to be reaped.
const killWait = 2 * time.Second

// Session is the termissh-side handle of one relay process. All methods
// are safe for concurrent use; none of them block on the relay except
// Close, which is bounded by the close timeout.
type Session struct {
	id      string
	profile HostProfile
	log     zerolog.Logger
	handler Handler

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	writer *relayproto.Writer

	input *relayproto.InputQueue
	sizes *relayproto.SizeSlot

	closeTimeout time.Duration
	closeReq     chan struct{}
	closeOnce    sync.Once
	// exited is closed once the process is reaped and the handler told.
	exited chan struct{}

	mu     sync.Mutex
	state  State
	reason error
	size   relayproto.Size
	acked  bool
	killed bool
}

// ID is the session id, unique for the session's lifetime.
func (s *Session) ID() string { return s.id }

// Profile is the host snapshot the session was opened with.
func (s *Session) Profile() HostProfile { return s.profile }

// PID is the relay's process id.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason the session ended or degraded; nil while healthy and
// after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Size is the most recently requested terminal size.
func (s *Session) Size() relayproto.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Done is closed once the relay has exited and the handler was notified.
func (s *Session) Done() <-chan struct{} { return s.exited }

// SendInput enqueues p as one Data frame. It never blocks. Before the
// relay is ready, and after the session ended, the input is dropped and
// ErrNotConnected returned.
func (s *Session) SendInput(p []byte) error {
	if st := s.State(); st != StateConnected {
		s.log.Debug().Stringer("state", st).Int("bytes", len(p)).Msg("dropping input")
		return fmt.Errorf("%w (%s)", ErrNotConnected, st)
	}
	if !s.input.Push(p) {
		return fmt.Errorf("%w (closing)", ErrNotConnected)
	}
	return nil
}

// Resize requests a new terminal size. Requests made faster than the
// relay consumes them collapse to the latest one.
func (s *Session) Resize(size relayproto.Size) {
	if size.IsZero() {
		return
	}
	s.mu.Lock()
	s.size = size
	closed := s.state == StateClosed
	s.mu.Unlock()
	if !closed {
		s.sizes.Set(size)
	}
}

// Close asks the relay to close and waits, up to the close timeout, for it
// to acknowledge and exit. A relay that does not is killed, and
// ErrCloseTimeout returned. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closeReq) })

	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.exited:
		return nil
	case <-timer.C:
	}

	s.log.Warn().Dur("timeout", s.closeTimeout).Msg("relay did not close in time; killing it")
	s.Kill()
	select {
	case <-s.exited:
	case <-time.After(killWait):
		s.log.Error().Int("pid", s.PID()).Msg("killed relay was not reaped")
	}
	return fmt.Errorf("%w after %s", ErrCloseTimeout, s.closeTimeout)
}

// Kill terminates the relay immediately.
func (s *Session) Kill() {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Session) start(hello relayproto.Frame) {
	readerDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go s.writeLoop(hello)
	go s.readLoop(readerDone)
	go s.logStderr(stderrDone)
	go s.waitLoop(readerDone, stderrDone)
}

// writeLoop is the only writer of the relay's stdin.
func (s *Session) writeLoop(hello relayproto.Frame) {
	defer s.stdin.Close()
	if err := s.writer.WriteFrame(hello); err != nil {
		s.log.Warn().Err(err).Msg("could not send hello to relay")
		return
	}
	for {
		select {
		case <-s.input.Ready():
			if err := s.flushInput(); err != nil {
				s.log.Debug().Err(err).Msg("relay input closed")
				return
			}
		case <-s.sizes.Ready():
			size, ok := s.sizes.Take()
			if !ok {
				continue
			}
			if err := s.writer.WriteFrame(relayproto.NewResizeFrame(size)); err != nil {
				s.log.Debug().Err(err).Msg("relay input closed")
				return
			}
		case <-s.closeReq:
			// Input typed before the close still goes out first.
			_ = s.flushInput()
			if err := s.writer.WriteFrame(relayproto.NewControlFrame(relayproto.SignalClose)); err != nil {
				s.log.Debug().Err(err).Msg("could not send close to relay")
			}
			return
		case <-s.exited:
			return
		}
	}
}

func (s *Session) flushInput() error {
	for _, chunk := range s.input.Drain() {
		if err := s.writer.WriteFrame(relayproto.NewDataFrame(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// readLoop is the only reader of the relay's stdout.
func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	defer s.reapAfter(s.closeTimeout)

	r := relayproto.NewReader(s.stdout)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
				if s.State() != StateClosed {
					s.degrade(fmt.Errorf("%w: relay output ended without a final frame", ErrConnectionLost))
				}
			default:
				s.degrade(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				s.Kill()
			}
			return
		}

		switch f.Tag {
		case relayproto.TagData:
			s.markConnected()
			s.handler.HandleOutput(s.id, f.Payload)

		case relayproto.TagControl:
			c, err := relayproto.ParseControl(f.Payload)
			if err != nil {
				s.degrade(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				s.Kill()
				return
			}
			switch c.Signal {
			case relayproto.SignalReady:
				s.markConnected()
				s.log.Info().Msg("relay ready")
			case relayproto.SignalClosed:
				s.finish(nil, true)
				s.log.Info().Msg("relay closed")
			case relayproto.SignalError:
				reason := errorFromControl(c)
				s.finish(reason, false)
				s.log.Warn().Err(reason).Msg("relay reported error")
			default:
				s.log.Warn().Stringer("signal", c.Signal).Msg("ignoring unexpected control signal from relay")
			}

		default:
			s.degrade(fmt.Errorf("%w: relay sent unexpected %s frame", ErrConnectionLost, f.Tag))
			s.Kill()
			return
		}
	}
}

// reapAfter kills the relay if it has not exited d after its output ended.
func (s *Session) reapAfter(d time.Duration) {
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.log.Warn().Msg("relay output ended but process did not exit; killing it")
			s.Kill()
		}
	}()
}

func (s *Session) logStderr(done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		s.log.Debug().Str("relay_stderr", scanner.Text()).Msg("relay log")
	}
}

// waitLoop reaps the relay once both output streams are drained, then
// reports the end exactly once.
func (s *Session) waitLoop(readerDone, stderrDone <-chan struct{}) {
	<-readerDone
	<-stderrDone
	waitErr := s.cmd.Wait()
	s.input.Close()

	s.mu.Lock()
	if s.state != StateClosed {
		switch {
		case s.reason != nil && !s.killed:
			s.reason = fmt.Errorf("%w (%s)", s.reason, describeExit(waitErr))
		case s.reason != nil:
		case s.killed:
			s.reason = fmt.Errorf("%w: relay killed", ErrConnectionLost)
		default:
			s.reason = fmt.Errorf("%w: relay exited unexpectedly: %s", ErrConnectionLost, describeExit(waitErr))
		}
		s.state = StateClosed
	}
	reason, acked := s.reason, s.acked
	s.mu.Unlock()

	s.log.Info().Err(reason).Bool("acked", acked).Str("exit", describeExit(waitErr)).Msg("relay exited")
	s.handler.HandleClosed(s.id, reason)
	close(s.exited)
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *Session) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateConnected
	}
}

func (s *Session) degrade(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateDegraded
	if s.reason == nil {
		s.reason = reason
	}
}

func (s *Session) finish(reason error, acked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.acked = acked
	if s.reason == nil {
		s.reason = reason
	}
}
