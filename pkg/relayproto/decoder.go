package relayproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decoder accumulates bytes from an arbitrarily chunked stream and yields
// complete frames. It holds no reference to the underlying transport, so it
// can be driven from a read loop, a test, or a poll-style loop alike.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	// err is sticky: once a framing violation is seen the stream position
	// is unknown and nothing after it can be trusted.
	err error
}

// Feed appends p to the pending buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes are held waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. A non-nil error is a framing violation and is returned again on
// every later call.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	if len(d.buf) < 4 {
		return Frame{}, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[0:4])
	if length == 0 {
		d.err = ErrEmptyFrame
		return Frame{}, false, d.err
	}
	if length-1 > MaxPayloadLength {
		d.err = fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, length)
		return Frame{}, false, d.err
	}
	// The tag is checked as soon as it arrives so garbage is rejected
	// without waiting for a possibly huge bogus payload.
	if len(d.buf) >= headerLength {
		if tag := Tag(d.buf[4]); !tag.valid() {
			d.err = fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(tag))
			return Frame{}, false, d.err
		}
	}
	total := 4 + int(length)
	if len(d.buf) < total {
		return Frame{}, false, nil
	}

	payload := make([]byte, total-headerLength)
	copy(payload, d.buf[headerLength:total])
	f = Frame{Tag: Tag(d.buf[4]), Payload: payload}

	// Shift the remainder down rather than reslicing forever, so a long
	// session does not pin one ever-growing backing array.
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return f, true, nil
}

// Reader reads frames from a byte stream using a Decoder.
type Reader struct {
	r       io.Reader
	dec     Decoder
	chunk   []byte
	readErr error
}

// readChunkSize matches the relay's read size from the remote shell.
const readChunkSize = 32 * 1024

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, readChunkSize)}
}

// ReadFrame blocks until a complete frame is available. It returns io.EOF
// when the stream ends cleanly between frames and ErrTruncated when it ends
// inside one. Frames completed by the final read are returned before the
// read error is.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, ok, err := r.dec.Next()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
		if r.readErr != nil {
			if errors.Is(r.readErr, io.EOF) {
				if n := r.dec.Buffered(); n > 0 {
					return Frame{}, fmt.Errorf("%w: %d bytes buffered at end of stream", ErrTruncated, n)
				}
				return Frame{}, io.EOF
			}
			return Frame{}, r.readErr
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if err != nil {
			r.readErr = err
		}
	}
}
