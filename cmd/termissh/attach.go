package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"termissh/pkg/mux"
	"termissh/pkg/relayproto"
)

// detachByte is ctrl+], as in telnet.
const detachByte = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <host>",
	Short: "Run one session directly in this terminal (ctrl+] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

// attachBuffer writes session output straight to the terminal and reports
// the end of the session once.
type attachBuffer struct {
	mu   sync.Mutex
	out  io.Writer
	done chan error
}

func newAttachBuffer(out io.Writer) *attachBuffer {
	return &attachBuffer{out: out, done: make(chan error, 1)}
}

func (b *attachBuffer) Deliver(_ string, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.out.Write(p)
}

func (b *attachBuffer) NotifyDisconnect(_ string, reason error) {
	select {
	case b.done <- reason:
	default:
	}
}

func terminalSize(f *os.File) relayproto.Size {
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return relayproto.Size{}
	}
	return clampSize(rows, cols)
}

// clampSize fits a terminal size into the protocol's uint16 dimensions;
// non-positive sizes become the zero Size, which resizes ignore.
func clampSize(rows, cols int) relayproto.Size {
	if rows <= 0 || cols <= 0 {
		return relayproto.Size{}
	}
	return relayproto.Size{Rows: uint16(min(rows, 0xffff)), Columns: uint16(min(cols, 0xffff))}
}

func runAttach(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logToFile, true)
	if err != nil {
		return err
	}
	defer a.close()

	profile, err := a.cfg.Lookup(args[0])
	if err != nil {
		return err
	}
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return errors.New("attach needs a terminal on stdin")
	}

	buf := newAttachBuffer(os.Stdout)
	mx, err := a.newMux(buf)
	if err != nil {
		return err
	}
	mx.ResizeAll(terminalSize(os.Stdout))

	fmt.Fprintf(os.Stderr, "connecting to %s (%s)...\r\n", profile.DisplayName(), profile.Target())
	flushTTYInput()

	old, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	restored := false
	restore := func() {
		if !restored {
			restored = true
			_ = term.Restore(stdinFd, old)
		}
	}
	defer restore()

	id, err := mx.OpenTab(cmd.Context(), profile)
	if err != nil {
		restore()
		return err
	}
	a.log.Info().Str("host", profile.ID).Str("session", id).Msg("attached")

	stopResize := watchTerminalResize(func() {
		mx.ResizeAll(terminalSize(os.Stdout))
	})
	defer stopResize()

	detached := make(chan struct{})
	go pumpInput(os.Stdin, mx, id, detached)

	var reason error
	select {
	case reason = <-buf.done:
	case <-detached:
		if err := mx.CloseTab(id); err != nil {
			a.log.Warn().Err(err).Str("session", id).Msg("detach")
		}
		restore()
		fmt.Fprintf(os.Stderr, "\n[detached from %s]\n", profile.DisplayName())
		return nil
	case <-cmd.Context().Done():
		_ = mx.CloseTab(id)
		restore()
		return nil
	}

	restore()
	if reason == nil {
		fmt.Fprintf(os.Stderr, "\n[session closed]\n")
		return nil
	}
	fmt.Fprintf(os.Stderr, "\n[relay exited: %v]\n", reason)
	return reason
}

// pumpInput forwards stdin to the session until the detach byte or a read
// error. Bytes typed before the detach byte in the same read still go out.
func pumpInput(r io.Reader, mx *mux.Multiplexer, id string, detached chan<- struct{}) {
	p := make([]byte, 4096)
	for {
		n, err := r.Read(p)
		if n > 0 {
			chunk := p[:n]
			cut := -1
			for i, c := range chunk {
				if c == detachByte {
					cut = i
					break
				}
			}
			if cut >= 0 {
				chunk = chunk[:cut]
			}
			if len(chunk) > 0 {
				if err := mx.RouteInput(id, chunk); err != nil && !errors.Is(err, mux.ErrUnknownSession) {
					close(detached)
					return
				}
			}
			if cut >= 0 {
				close(detached)
				return
			}
		}
		if err != nil {
			close(detached)
			return
		}
	}
}
