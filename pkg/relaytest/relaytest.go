// Package relaytest lets a test binary stand in for termissh-relay, so tests
// of the launching side spawn real child processes without a separately
// built relay.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		relaytest.MaybeRunRelay()
//		os.Exit(m.Run())
//	}
//
// Launchers built by NewLauncher re-execute the test binary with an
// environment marker; MaybeRunRelay sees the marker and runs the relay (or
// a deliberately broken variant) instead of the tests.
package relaytest

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"termissh/pkg/bridge"
	"termissh/pkg/relay"
	"termissh/pkg/relayproto"
)

const (
	helperEnv = "TERMISSH_RELAY_HELPER"
	modeEnv   = "TERMISSH_RELAY_HELPER_MODE"
)

// Mode selects how the stand-in relay behaves.
type Mode string

const (
	// ModeRelay runs the real relay.
	ModeRelay Mode = "relay"
	// ModeHang reads and ignores all input and never exits on its own.
	ModeHang Mode = "hang"
	// ModeGarbage writes an invalid frame after the hello.
	ModeGarbage Mode = "garbage"
	// ModeCrash sends Ready, then exits with status 3 without a final frame.
	ModeCrash Mode = "crash"
)

// MaybeRunRelay runs the stand-in relay and exits if this process was
// started by a relaytest launcher. Otherwise it returns immediately.
func MaybeRunRelay() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	os.Exit(run(Mode(os.Getenv(modeEnv))))
}

func run(mode Mode) int {
	switch mode {
	case ModeHang:
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
		return 1
	case ModeGarbage:
		if !readHello() {
			return 1
		}
		_, _ = os.Stdout.Write([]byte{0, 0, 0, 0})
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
		return 1
	case ModeCrash:
		if !readHello() {
			return 1
		}
		_ = relayproto.WriteFrame(os.Stdout, relayproto.NewControlFrame(relayproto.SignalReady))
		return 3
	default:
		return relay.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	}
}

func readHello() bool {
	f, err := relayproto.NewReader(os.Stdin).ReadFrame()
	return err == nil && f.Tag == relayproto.TagHello
}

// NewLauncher returns a launcher whose only discovery candidate is the
// running test binary.
func NewLauncher(t testing.TB, mode Mode) *bridge.Launcher {
	t.Helper()
	return bridge.NewLauncher(Config(t, mode))
}

// Config is the LauncherConfig used by NewLauncher, for tests that adjust
// it further.
func Config(t testing.TB, mode Mode) bridge.LauncherConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return bridge.LauncherConfig{
		Discovery: bridge.Discovery{
			ExplicitPath: exe,
			Executable:   func() (string, error) { return "", os.ErrNotExist },
			WellKnown:    []string{},
		},
		Env: []string{
			helperEnv + "=1",
			modeEnv + "=" + string(mode),
		},
		CloseTimeout:          2 * time.Second,
		ConnectTimeout:        5 * time.Second,
		InsecureIgnoreHostKey: true,
		Logger:                zerolog.Nop(),
	}
}
