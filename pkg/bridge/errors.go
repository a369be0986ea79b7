package bridge

import (
	"errors"
	"fmt"
	"strings"

	"termissh/pkg/relayproto"
)

var (
	// ErrRelayNotFound means discovery found no launchable relay binary.
	// The concrete error is a *RelayNotFoundError listing the candidates.
	ErrRelayNotFound = errors.New("relay binary not found")

	// ErrConnect means the relay could not establish the SSH session
	// (handshake, authentication or channel open), or the session could
	// not even be described to it.
	ErrConnect = errors.New("connect failed")

	// ErrConnectionLost means an established session dropped, the relay
	// exited unexpectedly, or its output violated the framing protocol.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned by SendInput before Ready or after close.
	// It is informational; callers drop the input.
	ErrNotConnected = errors.New("session not connected")

	// ErrCloseTimeout means the relay did not acknowledge Close in time and
	// was killed.
	ErrCloseTimeout = errors.New("relay close timed out")
)

// Candidate is one path considered by discovery.
type Candidate struct {
	Path string
	// Reason is empty for a usable candidate, otherwise why it was skipped.
	Reason string
}

// RelayNotFoundError lists every candidate discovery rejected.
type RelayNotFoundError struct {
	Candidates []Candidate
}

func (e *RelayNotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return ErrRelayNotFound.Error() + ": no candidate paths"
	}
	parts := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Path, c.Reason))
	}
	return ErrRelayNotFound.Error() + ". Searched: " + strings.Join(parts, ", ")
}

func (e *RelayNotFoundError) Is(target error) bool {
	return target == ErrRelayNotFound
}

// errorFromControl maps the relay's final Control(Error) to the taxonomy.
func errorFromControl(c relayproto.Control) error {
	switch c.Kind {
	case relayproto.KindConnect:
		return fmt.Errorf("%w: %s", ErrConnect, c.Reason)
	case relayproto.KindConnectionLost:
		return fmt.Errorf("%w: %s", ErrConnectionLost, c.Reason)
	default:
		// Protocol and internal relay failures end the session just
		// like a drop does.
		return fmt.Errorf("%w: relay %s error: %s", ErrConnectionLost, c.Kind, c.Reason)
	}
}
