// Package relayproto defines the framed protocol spoken between termissh and
// a termissh-relay child process over the relay's stdin/stdout.
//
// Every frame on the wire is:
//
//	[4 bytes: length, big-endian uint32][1 byte: tag][length-1 bytes: payload]
//
// The length counts the tag byte plus the payload, so a well-formed frame
// always has length >= 1. Receivers must not assume that one read returns
// one frame; see Decoder.
//
// Frame tags:
//
//   - TagData (0x01): raw terminal bytes. Parent to relay: keystrokes for the
//     remote shell. Relay to parent: remote shell output.
//   - TagResize (0x02): 4-byte payload, rows uint16 + columns uint16, both
//     big-endian. Parent to relay only.
//   - TagControl (0x03): lifecycle signal. See Signal and ErrorKind.
//   - TagHello (0x04): CBOR-encoded Hello. Always the first frame the parent
//     writes; never sent by the relay.
package relayproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

// Tag identifies the payload kind of a frame.
type Tag byte

const (
	TagData    Tag = 0x01
	TagResize  Tag = 0x02
	TagControl Tag = 0x03
	TagHello   Tag = 0x04
)

func (t Tag) String() string {
	switch t {
	case TagData:
		return "data"
	case TagResize:
		return "resize"
	case TagControl:
		return "control"
	case TagHello:
		return "hello"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

func (t Tag) valid() bool {
	return t >= TagData && t <= TagHello
}

// Signal is the first byte of a Control payload.
type Signal byte

const (
	// SignalReady is sent by the relay once the remote shell is open.
	SignalReady Signal = 1
	// SignalClose asks the relay to close the shell and exit.
	SignalClose Signal = 2
	// SignalClosed is the relay's final frame on a clean shutdown.
	SignalClosed Signal = 3
	// SignalError is the relay's final frame on a failed shutdown. The
	// payload continues with an ErrorKind byte and a UTF-8 reason.
	SignalError Signal = 4
)

func (s Signal) String() string {
	switch s {
	case SignalReady:
		return "ready"
	case SignalClose:
		return "close"
	case SignalClosed:
		return "closed"
	case SignalError:
		return "error"
	default:
		return fmt.Sprintf("signal(%d)", byte(s))
	}
}

// ErrorKind classifies a SignalError.
type ErrorKind byte

const (
	// KindConnect: handshake, authentication or channel open failed.
	KindConnect ErrorKind = 1
	// KindConnectionLost: an established session dropped.
	KindConnectionLost ErrorKind = 2
	// KindProtocol: the relay received a frame it could not accept.
	KindProtocol ErrorKind = 3
	// KindInternal: anything else fatal to the relay.
	KindInternal ErrorKind = 4
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindConnectionLost:
		return "connection_lost"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// headerLength is the length prefix plus the tag byte.
const headerLength = 5

// MaxPayloadLength bounds a single frame's payload. Data frames are far
// smaller in practice (one read's worth of terminal output); the bound only
// protects against a corrupt length prefix allocating gigabytes.
const MaxPayloadLength = 4 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds
	// MaxPayloadLength (decoding) or a payload does (encoding).
	ErrFrameTooLarge = errors.New("relayproto: frame too large")
	// ErrEmptyFrame is returned for a zero length prefix (no tag byte).
	ErrEmptyFrame = errors.New("relayproto: empty frame")
	// ErrUnknownTag is returned for a tag byte outside the known set.
	ErrUnknownTag = errors.New("relayproto: unknown frame tag")
	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("relayproto: truncated frame")
	// ErrMalformed is returned when a payload does not match its tag.
	ErrMalformed = errors.New("relayproto: malformed payload")
)

// Frame is one tagged payload.
type Frame struct {
	Tag     Tag
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s(%d bytes)", f.Tag, len(f.Payload))
}

// Size is a terminal size in character cells.
type Size struct {
	Rows    uint16
	Columns uint16
}

// IsZero reports whether either dimension is unset.
func (s Size) IsZero() bool { return s.Rows == 0 || s.Columns == 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Columns, s.Rows) }

// Control is a decoded Control payload.
type Control struct {
	Signal Signal
	// Kind and Reason are only set for SignalError.
	Kind   ErrorKind
	Reason string
}

// Encode serializes a frame including its header. The result is a single
// buffer so a writer can emit it with one Write call.
func Encode(f Frame) ([]byte, error) {
	if !f.Tag.valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(f.Tag))
	}
	if len(f.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(f.Payload), MaxPayloadLength)
	}
	buf := make([]byte, headerLength+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(f.Payload)))
	buf[4] = byte(f.Tag)
	copy(buf[headerLength:], f.Payload)
	return buf, nil
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Tag, err)
	}
	return nil
}

// Writer serializes frames from multiple goroutines onto one stream. Each
// frame is written atomically with respect to other frames.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.w, f)
}

// NewDataFrame wraps terminal bytes. The slice is not copied.
func NewDataFrame(data []byte) Frame {
	return Frame{Tag: TagData, Payload: data}
}

func NewResizeFrame(size Size) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], size.Rows)
	binary.BigEndian.PutUint16(payload[2:4], size.Columns)
	return Frame{Tag: TagResize, Payload: payload}
}

// ParseResize decodes a Resize payload.
func ParseResize(payload []byte) (Size, error) {
	if len(payload) != 4 {
		return Size{}, fmt.Errorf("%w: resize payload must be 4 bytes, got %d", ErrMalformed, len(payload))
	}
	return Size{
		Rows:    binary.BigEndian.Uint16(payload[0:2]),
		Columns: binary.BigEndian.Uint16(payload[2:4]),
	}, nil
}

// NewControlFrame builds a Control frame for a signal without a reason.
// Use NewErrorFrame for SignalError.
func NewControlFrame(sig Signal) Frame {
	return Frame{Tag: TagControl, Payload: []byte{byte(sig)}}
}

// NewErrorFrame builds a Control(Error) frame. Invalid UTF-8 in reason is
// replaced so the receiver can always decode it.
func NewErrorFrame(kind ErrorKind, reason string) Frame {
	reason = strings.ToValidUTF8(reason, "\uFFFD")
	payload := make([]byte, 2, 2+len(reason))
	payload[0] = byte(SignalError)
	payload[1] = byte(kind)
	payload = append(payload, reason...)
	return Frame{Tag: TagControl, Payload: payload}
}

// ParseControl decodes a Control payload.
func ParseControl(payload []byte) (Control, error) {
	if len(payload) == 0 {
		return Control{}, fmt.Errorf("%w: empty control payload", ErrMalformed)
	}
	c := Control{Signal: Signal(payload[0])}
	switch c.Signal {
	case SignalReady, SignalClose, SignalClosed:
		if len(payload) != 1 {
			return Control{}, fmt.Errorf("%w: %s control carries %d trailing bytes", ErrMalformed, c.Signal, len(payload)-1)
		}
	case SignalError:
		if len(payload) < 2 {
			return Control{}, fmt.Errorf("%w: error control without kind", ErrMalformed)
		}
		c.Kind = ErrorKind(payload[1])
		if !utf8.Valid(payload[2:]) {
			return Control{}, fmt.Errorf("%w: error reason is not UTF-8", ErrMalformed)
		}
		c.Reason = string(payload[2:])
	default:
		return Control{}, fmt.Errorf("%w: unknown control signal %d", ErrMalformed, payload[0])
	}
	return c, nil
}
